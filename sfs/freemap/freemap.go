// Package freemap implements the block bitmap allocator (C3): a single
// mutex-guarded bitmap over block numbers, persisted as packed 512-byte
// blocks starting at ondisk.FreemapStart.
package freemap

import (
	"fmt"
	"sync"

	"github.com/zhukovaskychina/sfs-core/sfs/device"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
)

// ErrNoSpace is returned by Balloc when every block is in use.
var ErrNoSpace = fmt.Errorf("freemap: no space on device")

// Freemap is a bitmap allocator over the device's blocks. It is not kept
// in the buffer cache; it owns its own byte slice and writes it straight
// to the device.
type Freemap struct {
	mu      sync.Mutex
	bits    []byte // packed bitmap, 1 = used
	nblocks uint32
	dirty   bool
	dev     *device.Device
	start   uint32 // first freemap block
	nblks   uint32 // number of freemap blocks on disk
}

// New builds a Freemap covering nblocks, with every bit initially clear
// except those permanently reserved below.
func New(dev *device.Device, nblocks uint32) *Freemap {
	nbits := ondisk.FreemapBits(nblocks)
	fm := &Freemap{
		bits:    make([]byte, nbits/8),
		nblocks: nblocks,
		dev:     dev,
		start:   ondisk.FreemapStart,
		nblks:   ondisk.FreemapBlocks(nblocks),
	}
	fm.reserveFixedLocked()
	return fm
}

// Load reads the on-disk freemap image into memory.
func Load(dev *device.Device, nblocks uint32) (*Freemap, error) {
	fm := New(dev, nblocks)
	for i := uint32(0); i < fm.nblks; i++ {
		buf, err := dev.ReadBlock(fm.start + i)
		if err != nil {
			return nil, err
		}
		copy(fm.bits[i*ondisk.BlockSize:], buf)
	}
	return fm, nil
}

// reserveFixedLocked permanently marks the superblock, the freemap's own
// blocks, and any blocks beyond the volume end as used.
func (fm *Freemap) reserveFixedLocked() {
	fm.setBitLocked(ondisk.SuperBlock, true)
	for i := uint32(0); i < fm.nblks; i++ {
		fm.setBitLocked(fm.start+i, true)
	}
	nbits := uint32(len(fm.bits)) * 8
	for b := fm.nblocks; b < nbits; b++ {
		fm.setBitLocked(b, true)
	}
}

func (fm *Freemap) setBitLocked(block uint32, used bool) {
	byteIdx := block / 8
	bit := byte(1) << (block % 8)
	if used {
		fm.bits[byteIdx] |= bit
	} else {
		fm.bits[byteIdx] &^= bit
	}
}

func (fm *Freemap) testBitLocked(block uint32) bool {
	byteIdx := block / 8
	bit := byte(1) << (block % 8)
	return fm.bits[byteIdx]&bit != 0
}

// Bused reports whether block is currently marked used.
func (fm *Freemap) Bused(block uint32) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.testBitLocked(block)
}

// Balloc finds a free block, marks it used, and returns its number. The
// caller is responsible for zeroing its contents via the buffer cache.
func (fm *Freemap) Balloc() (uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	block, err := fm.allocLocked()
	if err != nil {
		return 0, err
	}
	return block, nil
}

func (fm *Freemap) allocLocked() (uint32, error) {
	for byteIdx, b := range fm.bits {
		if b == 0xff {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			block := uint32(byteIdx)*8 + uint32(bit)
			if block >= fm.nblocks {
				break
			}
			if b&(1<<uint(bit)) == 0 {
				fm.setBitLocked(block, true)
				fm.dirty = true
				return block, nil
			}
		}
	}
	return 0, ErrNoSpace
}

// Bfree releases block back to the pool.
func (fm *Freemap) Bfree(block uint32) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.setBitLocked(block, false)
	fm.dirty = true
}

// BfreePrelocked is used by the truncate engine (bmap.Discard), which
// holds the freemap locked for the duration of a whole truncate (spec
// §4.3); BallocPrelocked is its allocating counterpart. Lock/Unlock
// expose that explicit critical section.
func (fm *Freemap) Lock()   { fm.mu.Lock() }
func (fm *Freemap) Unlock() { fm.mu.Unlock() }

func (fm *Freemap) BfreePrelocked(block uint32) {
	fm.setBitLocked(block, false)
	fm.dirty = true
}

func (fm *Freemap) BallocPrelocked() (uint32, error) {
	return fm.allocLocked()
}

// SetUsedDuringRecovery mirrors a freemap-capture record. It is used by
// the recovery driver and by mkfs (to mark the journal region used), each
// of which owns the freemap exclusively.
func (fm *Freemap) SetUsedDuringRecovery(block uint32, used bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.setBitLocked(block, used)
	fm.dirty = true
}

// Dirty reports whether the in-memory bitmap has unwritten changes.
func (fm *Freemap) Dirty() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.dirty
}

// Sync writes every freemap block to disk if the bitmap is dirty.
func (fm *Freemap) Sync() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if !fm.dirty {
		return nil
	}
	for i := uint32(0); i < fm.nblks; i++ {
		lo := i * ondisk.BlockSize
		hi := lo + ondisk.BlockSize
		block := make([]byte, ondisk.BlockSize)
		copy(block, fm.bits[lo:hi])
		if err := fm.dev.WriteBlock(fm.start+i, block); err != nil {
			return err
		}
	}
	fm.dirty = false
	return nil
}

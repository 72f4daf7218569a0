// Package journal implements the physical journal container (C7): a
// circular log of fixed-size blocks holding LSN-ordered records, with
// an in-memory head buffer, block-boundary padding, LSN-to-block
// tracking for flush-up-to-LSN, and trim.
package journal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
)

// ErrRecordTooBig is returned when a single record (header included)
// cannot possibly fit in one journal block.
var ErrRecordTooBig = fmt.Errorf("journal: record larger than one block")

// Container is the physical journal: nblocks fixed-size blocks starting
// at disk block `start`, written through the shared buffer cache like
// any other block so the cache's BeforeWriteBlock hook can enforce
// in-order flushing (spec §4.5).
type Container struct {
	mu sync.Mutex

	cache *buffer.Cache
	fsid  uint32
	start uint32
	n     uint32

	headBuf      *buffer.Buffer
	headJBlock   uint32
	headByte     uint32
	headFirstLSN uint64

	nextLSN      uint64
	oldestJBlock uint32
	firstLSNs    []uint64
}

// Open attaches the in-memory head to journal block 0 and starts
// allocating LSNs from 1. Fresh-volume (mkfs) use only; a recovered
// volume instead calls Resume with the state the recovery driver
// determined.
func Open(cache *buffer.Cache, fsid, start, nblocks uint32) (*Container, error) {
	c := &Container{
		cache:     cache,
		fsid:      fsid,
		start:     start,
		n:         nblocks,
		nextLSN:   1,
		firstLSNs: make([]uint64, nblocks),
	}
	if err := c.attachHead(0, 1); err != nil {
		return nil, err
	}
	return c, nil
}

// Resume restores container state as determined by container-level
// recovery: the journal block recovery found the head in and the next
// LSN to allocate. The head block also becomes the oldest unflushed
// journal block, since every block before it is already on disk.
func Resume(cache *buffer.Cache, fsid, start, nblocks, headJBlock uint32, nextLSN uint64) (*Container, error) {
	c := &Container{
		cache:        cache,
		fsid:         fsid,
		start:        start,
		n:            nblocks,
		nextLSN:      nextLSN,
		oldestJBlock: headJBlock,
		firstLSNs:    make([]uint64, nblocks),
	}
	if err := c.attachHead(headJBlock, nextLSN); err != nil {
		return nil, err
	}
	return c, nil
}

// attachHead always starts the new head block at a clean block
// boundary: rather than resuming mid-block at the exact byte offset
// recovery found (which would mean preserving any still-valid record
// bytes already in that block), it simply zeroes the block and starts
// writing from byte 0. This sacrifices the last partial block's worth
// of free space on resume but avoids having to carry partial-block
// state through the recovery driver.
func (c *Container) attachHead(jblock uint32, firstLSN uint64) error {
	buf, err := c.cache.Get(c.fsid, c.start+jblock, true)
	if err != nil {
		return err
	}
	for i := range buf.Data() {
		buf.Data()[i] = 0
	}
	c.cache.MarkValid(buf)
	c.headBuf = buf
	c.headJBlock = jblock
	c.headByte = 0
	c.headFirstLSN = firstLSN
	c.firstLSNs[jblock] = firstLSN
	return nil
}

// Write appends one record (class/type plus payload) to the journal,
// padding and rotating to a fresh block first if it doesn't fit, and
// returns the LSN assigned to it. Mirrors sfs_jphys_write_internal.
func (c *Container) Write(class, typ uint8, rec []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := uint32(ondisk.HeaderSize + len(rec))
	if total > ondisk.BlockSize {
		return 0, ErrRecordTooBig
	}

	if c.headByte+total > ondisk.BlockSize {
		if err := c.padLocked(); err != nil {
			return 0, err
		}
		if err := c.rotateLocked(); err != nil {
			return 0, err
		}
	}

	lsn := atomic.AddUint64(&c.nextLSN, 1) - 1
	coninfo := ondisk.MakeConinfo(class, typ, int(total), lsn)
	hdr := ondisk.EncodeHeader(coninfo)

	c.putLocked(hdr)
	c.putLocked(rec)

	if c.headByte == ondisk.BlockSize {
		if err := c.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

func (c *Container) putLocked(data []byte) {
	copy(c.headBuf.Data()[c.headByte:], data)
	c.cache.MarkDirty(c.headBuf)
	c.headByte += uint32(len(data))
}

// padLocked fills the rest of the current head block with a PAD record
// (or, if there isn't room even for a header, implicit zero padding).
func (c *Container) padLocked() error {
	remaining := ondisk.BlockSize - c.headByte
	if remaining >= ondisk.HeaderSize {
		lsn := atomic.AddUint64(&c.nextLSN, 1) - 1
		coninfo := ondisk.MakeConinfo(ondisk.ClassContainer, ondisk.JphysPad, int(remaining), lsn)
		c.putLocked(ondisk.EncodeHeader(coninfo))
	}
	c.headByte = ondisk.BlockSize
	return nil
}

// rotateLocked releases the current head buffer and moves the head to
// the next journal block, wrapping around at the end of the journal.
func (c *Container) rotateLocked() error {
	c.cache.Release(c.headBuf, false)

	next := c.headJBlock + 1
	if next == c.n {
		next = 0
	}
	if next == c.oldestJBlock {
		return fmt.Errorf("journal: head overran tail at jblock %d", next)
	}
	return c.attachHead(next, c.nextLSN)
}

// FlushUpTo forces every journal block that might contain a record at
// or before lsn out to disk, in block order, via the buffer cache.
// Mirrors sfs_jphys_flush.
func (c *Container) FlushUpTo(lsn uint64) error {
	if lsn == 0 {
		return nil
	}
	c.mu.Lock()

	if lsn >= c.headFirstLSN {
		if err := c.padLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
		if err := c.rotateLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}

	target := c.oldestJBlock
	for {
		if lsn < c.firstLSNs[target] && c.firstLSNs[target] != 0 {
			break
		}
		target++
		if target == c.n {
			target = 0
		}
		if target == c.headJBlock {
			break
		}
	}
	oldest := c.oldestJBlock
	c.mu.Unlock()

	jblock := oldest
	for jblock != target {
		buf, err := c.cache.Get(c.fsid, c.start+jblock, true)
		if err != nil {
			return err
		}
		if buf.IsDirty() {
			if err := c.cache.Writeout(buf); err != nil {
				c.cache.Release(buf, false)
				return err
			}
		}
		c.cache.Release(buf, false)

		c.mu.Lock()
		if jblock == c.oldestJBlock {
			c.oldestJBlock++
			if c.oldestJBlock == c.n {
				c.oldestJBlock = 0
			}
		}
		c.mu.Unlock()

		jblock++
		if jblock == c.n {
			jblock = 0
		}
	}
	return nil
}

// FlushAll flushes every record written so far.
func (c *Container) FlushAll() error {
	c.mu.Lock()
	lsn := c.nextLSN - 1
	c.mu.Unlock()
	return c.FlushUpTo(lsn)
}

// Trim writes a TRIM record recording tailLSN: checkpointing uses this
// to tell recovery that no record before tailLSN is needed any more.
func (c *Container) Trim(tailLSN uint64) (uint64, error) {
	rec := ondisk.TrimPayload{TailLSN: tailLSN}
	return c.Write(ondisk.ClassContainer, ondisk.JphysTrim, rec.Encode())
}

// PeekNextLSN returns the LSN that will be assigned to the next record
// written. It reads the counter atomically instead of taking c.mu, so the
// cache's LSN source may call it from MarkDirty while Write holds c.mu.
// Mount uses it as the trim target when emptying the journal.
func (c *Container) PeekNextLSN() uint64 {
	return atomic.LoadUint64(&c.nextLSN)
}

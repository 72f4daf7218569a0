// Package bmap implements the block-map translation and truncate engine
// (C4): direct/single/double/triple indirect translation with
// allocation-on-demand, and region-delete (truncate) over a file's
// indirect-block tree.
package bmap

import (
	"errors"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/txn"
)

// ErrFileTooBig is returned when a file block number exceeds the address
// space the four indirection levels can represent.
var ErrFileTooBig = errors.New("bmap: file too big")

// levelCount[level] is the number of inode pointer slots at that
// indirection level; levelUnit[level] is how many fileblocks a single
// pointer at that level addresses.
var levelCount = [4]uint32{ondisk.NDirect, 1, 1, 1}
var levelUnit = [4]uint64{1, ondisk.DBPerIDB, ondisk.DBPerIDB * ondisk.DBPerIDB, ondisk.DBPerIDB * ondisk.DBPerIDB * ondisk.DBPerIDB}

func levelCapacity(level int) uint64 {
	return uint64(levelCount[level]) * levelUnit[level]
}

// decompose finds the (level, indirnum, offset) triple for fileblock, per
// spec §4.3: walk levels 0..3, subtracting each level's total capacity
// until the remaining fileblock number fits within one level.
func decompose(fileblock uint64) (level int, indirnum uint32, offset uint64, err error) {
	remaining := fileblock
	for lvl := 0; lvl < 4; lvl++ {
		cap := levelCapacity(lvl)
		if remaining < cap {
			return lvl, uint32(remaining / levelUnit[lvl]), remaining % levelUnit[lvl], nil
		}
		remaining -= cap
	}
	return 0, 0, 0, ErrFileTooBig
}

// InodeRef is the narrow view bmap needs onto a loaded inode: its block
// number (for journaling pointer updates) and its root pointers at each
// of the four indirection levels.
// Implemented by package inode's vnode handle.
type InodeRef interface {
	InodeBlock() uint32
	Pointer(level int, indirnum uint32) uint32
	SetPointer(level int, indirnum uint32, val uint32)
	MarkDirty()
}

// Mapper translates file block numbers to disk block numbers over one
// filesystem's buffer cache and freemap.
type Mapper struct {
	cache *buffer.Cache
	fm    *freemap.Freemap
	fsid  uint32
}

func New(cache *buffer.Cache, fm *freemap.Freemap, fsid uint32) *Mapper {
	return &Mapper{cache: cache, fm: fm, fsid: fsid}
}

// Translate maps fileblock to a disk block number. If allocate is false,
// an unmapped fileblock yields disk block 0 (a hole). If allocate is
// true, any zero pointer along the path is replaced with a freshly
// zeroed, freemap-captured block.
func (m *Mapper) Translate(ir InodeRef, fileblock uint64, allocate bool, j txn.Journal) (uint32, error) {
	level, indirnum, offset, err := decompose(fileblock)
	if err != nil {
		return 0, err
	}

	root := ir.Pointer(level, indirnum)
	if root == 0 {
		if !allocate {
			return 0, nil
		}
		newBlock, err := m.allocZeroed(j)
		if err != nil {
			return 0, err
		}
		ir.SetPointer(level, indirnum, newBlock)
		ir.MarkDirty()
		if err := m.journalInodePointer(ir, level, indirnum, 0, newBlock, j); err != nil {
			return 0, err
		}
		root = newBlock
	}

	return m.walk(root, level, offset, allocate, j)
}

// walk descends depth more levels of indirection below ptr (depth==0
// means ptr is itself a data block) to find/allocate the block
// addressing the given offset within that subtree.
func (m *Mapper) walk(ptr uint32, depth int, offset uint64, allocate bool, j txn.Journal) (uint32, error) {
	if depth == 0 {
		return ptr, nil
	}

	buf, err := m.cache.Read(m.fsid, ptr, false)
	if err != nil {
		return 0, err
	}
	defer m.cache.Release(buf, false)

	childUnit := levelUnit[depth-1]
	idx := int(offset / childUnit)
	childOffset := offset % childUnit
	childPtr := ondisk.ReadPointer(buf.Data(), idx)

	if childPtr == 0 {
		if !allocate {
			return 0, nil
		}
		newBlock, err := m.allocZeroed(j)
		if err != nil {
			return 0, err
		}
		if err := m.updateIndirectSlot(buf, ptr, idx, childPtr, newBlock, j); err != nil {
			return 0, err
		}
		childPtr = newBlock
	}

	return m.walk(childPtr, depth-1, childOffset, allocate, j)
}

// allocZeroed allocates a fresh block, zeroes it via the buffer cache,
// and journals the freemap capture.
func (m *Mapper) allocZeroed(j txn.Journal) (uint32, error) {
	block, err := m.fm.Balloc()
	if err != nil {
		return 0, err
	}
	if err := j.CaptureFreemap(block); err != nil {
		return 0, err
	}
	buf, err := m.cache.Get(m.fsid, block, false)
	if err != nil {
		return 0, err
	}
	for i := range buf.Data() {
		buf.Data()[i] = 0
	}
	m.cache.MarkValid(buf)
	m.cache.MarkDirty(buf)
	m.cache.Release(buf, false)
	return block, nil
}

func (m *Mapper) updateIndirectSlot(buf *buffer.Buffer, blockNum uint32, idx int, oldVal, newVal uint32, j txn.Journal) error {
	oldBytes := make([]byte, 4)
	newBytes := make([]byte, 4)
	ondisk.WritePointer(oldBytes, 0, oldVal)
	ondisk.WritePointer(newBytes, 0, newVal)
	pos := uint32(idx * 4)
	if err := j.MetaUpdate(blockNum, pos, 4, oldBytes, newBytes); err != nil {
		return err
	}
	ondisk.WritePointer(buf.Data(), idx, newVal)
	m.cache.MarkDirty(buf)
	return nil
}

func (m *Mapper) journalInodePointer(ir InodeRef, level int, indirnum uint32, oldVal, newVal uint32, j txn.Journal) error {
	oldBytes := make([]byte, 4)
	newBytes := make([]byte, 4)
	ondisk.WritePointer(oldBytes, 0, oldVal)
	ondisk.WritePointer(newBytes, 0, newVal)
	pos := ondisk.DinodePointerOffset(level, indirnum)
	return j.MetaUpdate(ir.InodeBlock(), pos, 4, oldBytes, newBytes)
}

// Discard frees every fileblock in [newBlocks, oldBlocks), the region a
// truncate drops, reclaiming data blocks and any indirect block left
// entirely empty, and journaling every freemap release and pointer
// clear along the way. newBlocks must be <= oldBlocks. The freemap stays
// locked for the whole discard.
func (m *Mapper) Discard(ir InodeRef, oldBlocks, newBlocks uint64, j txn.Journal) error {
	if newBlocks >= oldBlocks {
		return nil
	}
	m.fm.Lock()
	defer m.fm.Unlock()
	rangeStart, rangeEnd := newBlocks, oldBlocks

	var base uint64
	for level := 0; level < 4; level++ {
		count := uint64(levelCount[level])
		unit := levelUnit[level]
		levelStart := base
		levelSpan := count * unit
		base += levelSpan
		if rangeStart >= levelStart+levelSpan || rangeEnd <= levelStart {
			continue
		}

		for indirnum := uint32(0); indirnum < uint32(count); indirnum++ {
			subStart := levelStart + uint64(indirnum)*unit
			subEnd := subStart + unit
			if rangeStart >= subEnd || rangeEnd <= subStart {
				continue
			}
			ptr := ir.Pointer(level, indirnum)
			if ptr == 0 {
				continue
			}
			fullyDiscarded := rangeStart <= subStart && rangeEnd >= subEnd

			var keep bool
			var err error
			if level == 0 {
				keep = !fullyDiscarded
			} else {
				keep, err = m.discardIndirect(ptr, level, subStart, unit, rangeStart, rangeEnd, j)
				if err != nil {
					return err
				}
			}
			if !keep {
				if err := m.freeBlock(ptr, j); err != nil {
					return err
				}
				ir.SetPointer(level, indirnum, 0)
				ir.MarkDirty()
				if err := m.journalInodePointer(ir, level, indirnum, ptr, 0, j); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// discardIndirect recurses into the indirect block ptr (addressing the
// fileblock range [subtreeStart, subtreeStart+subtreeUnit) at the given
// depth), freeing any child wholly inside [rangeStart, rangeEnd) and any
// child indirect block left empty. It reports whether ptr still has a
// live child and so must be kept.
func (m *Mapper) discardIndirect(ptr uint32, depth int, subtreeStart, subtreeUnit uint64, rangeStart, rangeEnd uint64, j txn.Journal) (bool, error) {
	buf, err := m.cache.Read(m.fsid, ptr, false)
	if err != nil {
		return true, err
	}
	defer m.cache.Release(buf, false)

	childUnit := subtreeUnit / ondisk.DBPerIDB
	for idx := 0; idx < ondisk.DBPerIDB; idx++ {
		childStart := subtreeStart + uint64(idx)*childUnit
		childEnd := childStart + childUnit
		if rangeStart >= childEnd || rangeEnd <= childStart {
			continue
		}
		childPtr := ondisk.ReadPointer(buf.Data(), idx)
		if childPtr == 0 {
			continue
		}
		fullyDiscarded := rangeStart <= childStart && rangeEnd >= childEnd

		var keep bool
		if depth == 1 {
			keep = !fullyDiscarded
		} else {
			keep, err = m.discardIndirect(childPtr, depth-1, childStart, childUnit, rangeStart, rangeEnd, j)
			if err != nil {
				return true, err
			}
		}
		if !keep {
			if err := m.freeBlock(childPtr, j); err != nil {
				return true, err
			}
			if err := m.updateIndirectSlot(buf, ptr, idx, childPtr, 0, j); err != nil {
				return true, err
			}
		}
	}

	for idx := 0; idx < ondisk.DBPerIDB; idx++ {
		if ondisk.ReadPointer(buf.Data(), idx) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// freeBlock releases block back to the freemap, which Discard holds
// locked, journaling the release before the in-memory bitmap changes.
func (m *Mapper) freeBlock(block uint32, j txn.Journal) error {
	if err := j.ReleaseFreemap(block); err != nil {
		return err
	}
	m.fm.BfreePrelocked(block)
	return nil
}

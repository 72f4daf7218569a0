package vnode

import (
	"github.com/zhukovaskychina/sfs-core/sfs/fileio"
	"github.com/zhukovaskychina/sfs-core/sfs/inode"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/txn"
)

// dirNumSlots returns how many directory-entry slots a directory vnode
// currently has. Must be called with the vnode loaded.
func dirNumSlots(dir *inode.Vnode) int {
	return int(dir.Dinode().Size) / ondisk.DirEntrySize
}

// readDirEntry and writeDirEntry move one slot through fileio's metadata
// I/O primitive: DirEntrySize (64) divides BlockSize (512) evenly, so a
// single slot never straddles a block boundary and MetaIO's "no crossing
// a block boundary" requirement is always satisfied.
func readDirEntry(io *fileio.IO, dir *inode.Vnode, slot int) (ondisk.DirEntry, error) {
	buf := make([]byte, ondisk.DirEntrySize)
	if err := io.MetaIO(dir, uint64(slot)*ondisk.DirEntrySize, buf, false, txn.NopJournal{}); err != nil {
		return ondisk.DirEntry{}, err
	}
	return ondisk.DecodeDirEntry(buf), nil
}

func writeDirEntry(io *fileio.IO, dir *inode.Vnode, slot int, e ondisk.DirEntry, j txn.Journal) error {
	return io.MetaIO(dir, uint64(slot)*ondisk.DirEntrySize, e.Encode(), true, j)
}

// dirFindName scans dir for name. It always reports the first empty slot
// it passes over (or the slot one past the current end, if every
// existing slot is occupied), so a caller about to link a new entry
// never has to rescan to find room. ino is ondisk.NoIno and slot is -1
// when name isn't present.
//
// sfsprivate.h declares this lookup (sfs_dir_findname) as part of an
// sfs_dir.c this tree never included alongside the other *.c files, so
// there is no original implementation to port: this is built directly
// against the DirEntry layout and against the call patterns visible in
// sfs_vnops.c and sfs_graveyard.c (both always want "does this name
// exist, and if not, where can I put one" in a single pass).
func dirFindName(io *fileio.IO, dir *inode.Vnode, name string) (ino uint32, slot int, emptySlot int, err error) {
	if err := dir.Load(); err != nil {
		return 0, -1, -1, err
	}
	defer dir.Unload()

	n := dirNumSlots(dir)
	emptySlot = -1
	for i := 0; i < n; i++ {
		e, err := readDirEntry(io, dir, i)
		if err != nil {
			return 0, -1, -1, err
		}
		if e.Ino == ondisk.NoIno {
			if emptySlot < 0 {
				emptySlot = i
			}
			continue
		}
		if e.Name == name {
			return e.Ino, i, emptySlot, nil
		}
	}
	if emptySlot < 0 {
		emptySlot = n
	}
	return ondisk.NoIno, -1, emptySlot, nil
}

// dirLink adds a (name -> ino) entry to dir, reusing the first empty
// slot or appending a new one, and errors if name is already present.
func dirLink(io *fileio.IO, dir *inode.Vnode, name string, ino uint32, j txn.Journal) (slot int, err error) {
	existing, _, emptySlot, err := dirFindName(io, dir, name)
	if err != nil {
		return -1, err
	}
	if existing != ondisk.NoIno {
		return -1, ErrExists
	}
	if err := writeDirEntry(io, dir, emptySlot, ondisk.DirEntry{Ino: ino, Name: name}, j); err != nil {
		return -1, err
	}
	return emptySlot, nil
}

// dirUnlink clears the entry at slot, turning it back into free space
// for a future dirLink to reuse.
func dirUnlink(io *fileio.IO, dir *inode.Vnode, slot int, j txn.Journal) error {
	return writeDirEntry(io, dir, slot, ondisk.DirEntry{Ino: ondisk.NoIno}, j)
}

// dirIsEmpty reports whether dir has no live entries besides its own
// "." and "..". No vnode operation calls it: Remove refuses every
// directory with ErrIsDir.
func dirIsEmpty(io *fileio.IO, dir *inode.Vnode) (bool, error) {
	if err := dir.Load(); err != nil {
		return false, err
	}
	defer dir.Unload()

	n := dirNumSlots(dir)
	for i := 0; i < n; i++ {
		e, err := readDirEntry(io, dir, i)
		if err != nil {
			return false, err
		}
		if e.Ino != ondisk.NoIno && e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

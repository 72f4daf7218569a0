package vnode

import (
	"strconv"

	"github.com/zhukovaskychina/sfs-core/sfs/fileio"
	"github.com/zhukovaskychina/sfs-core/sfs/inode"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/txn"
)

// graveyard is the orphan directory living at a fixed inode number
// (ondisk.GraveyardIno): a holding pen for inodes whose link count
// dropped to zero while some other vnode still had them open, so a
// crash before that last close can't leak their blocks forever.
//
// Grounded on original_source/kern/fs/sfs/sfs_graveyard.c's
// graveyard_get/graveyard_add/graveyard_remove, which this ports
// directly (an orphan is just a directory entry keyed by the decimal
// inode number, with no name collisions possible since inode numbers
// are unique). graveyard_flush, the mount-time sweep sfs_fsops.c calls
// before the filesystem is opened for use, has no body anywhere in that
// tree either — sweep below is new engineering built to the same
// "reclaim everything still in the graveyard at mount time" contract.
type graveyard struct {
	inodes *inode.FS
	io     *fileio.IO
}

func newGraveyard(inodes *inode.FS, io *fileio.IO) *graveyard {
	return &graveyard{inodes: inodes, io: io}
}

func (g *graveyard) open() (*inode.Vnode, error) {
	return g.inodes.Get(ondisk.GraveyardIno, ondisk.TypeInvalid)
}

// graveyardName renders an inode number as the directory-entry name under which
// it is recorded in the graveyard; inode numbers are unique, so this
// can never collide with another orphan.
func graveyardName(ino uint32) string {
	return strconv.FormatUint(uint64(ino), 10)
}

// add records ino as orphaned: link count already zero, reclaim
// deferred because it's still open elsewhere.
func (g *graveyard) add(ino uint32, j txn.Journal) error {
	gv, err := g.open()
	if err != nil {
		return err
	}

	gv.Lock()
	_, err = dirLink(g.io, gv, graveyardName(ino), ino, j)
	gv.Unlock()

	if putErr := g.inodes.Put(gv, j); putErr != nil && err == nil {
		err = putErr
	}
	return err
}

// remove erases ino's graveyard entry once it has been fully reclaimed
// (refcount and link count both zero).
func (g *graveyard) remove(ino uint32, j txn.Journal) error {
	gv, err := g.open()
	if err != nil {
		return err
	}

	gv.Lock()
	_, slot, _, ferr := dirFindName(g.io, gv, graveyardName(ino))
	if ferr == nil && slot >= 0 {
		ferr = dirUnlink(g.io, gv, slot, j)
	}
	gv.Unlock()
	err = ferr

	if putErr := g.inodes.Put(gv, j); putErr != nil && err == nil {
		err = putErr
	}
	return err
}

// sweep reclaims every orphan left in the graveyard. Run once at mount,
// after client recovery and before the volume is handed to callers, when
// no vnode anywhere can still have one of these inodes open — matching
// where sfs_fsops.c's sfs_domount calls graveyard_flush.
func (g *graveyard) sweep(j txn.Journal) error {
	gv, err := g.open()
	if err != nil {
		return err
	}

	gv.Lock()
	if err := gv.Load(); err != nil {
		gv.Unlock()
		g.inodes.Put(gv, j)
		return err
	}
	n := dirNumSlots(gv)
	var orphans []uint32
	for i := 0; i < n; i++ {
		e, err := readDirEntry(g.io, gv, i)
		if err != nil {
			gv.Unload()
			gv.Unlock()
			g.inodes.Put(gv, j)
			return err
		}
		if e.Ino != ondisk.NoIno && e.Name != "." && e.Name != ".." {
			orphans = append(orphans, e.Ino)
		}
	}
	gv.Unload()
	gv.Unlock()

	if err := g.inodes.Put(gv, j); err != nil {
		return err
	}

	for _, ino := range orphans {
		v, err := g.inodes.Get(ino, ondisk.TypeInvalid)
		if err != nil {
			return err
		}
		// Get bumped refcount to 1 with nobody else holding it (mount is
		// the only caller running); Put drives it straight to zero and
		// reclaim, exactly as if the last close had just happened.
		if err := g.inodes.Put(v, j); err != nil {
			return err
		}
		if err := g.remove(ino, j); err != nil {
			return err
		}
	}
	return nil
}

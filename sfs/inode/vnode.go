// Package inode implements the vnode/dinode lifecycle layer (C5): loading
// and mapping on-disk inodes through the buffer cache, the in-memory
// vnode table that dedups concurrent opens of the same inode, and the
// reclaim path that frees an inode's blocks once its link count and
// in-memory refcount both hit zero.
package inode

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/sfs-core/sfs/bmap"
	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/txn"
)

// ErrBusy is returned by Put when another caller took a new reference to
// the vnode before Put acquired its lock; the vnode is then left in place
// (mirrors the original's EBUSY recheck in reclaim).
var ErrBusy = errors.New("inode: vnode busy")

// Vnode is the in-memory handle for one inode: its identity, cached
// on-disk inode (when loaded), and the recursive load count that lets
// nested operations call Load/Unload in nested pairs safely.
type Vnode struct {
	mu sync.Mutex

	fs    *FS
	ino   uint32
	vtype uint16

	refcount  int
	loadCount int
	buf       *buffer.Buffer
	dino      *ondisk.Dinode
}

// Ino returns the vnode's inode number, which doubles as its inode
// block number: SFS allocates exactly one block per inode.
func (v *Vnode) Ino() uint32 { return v.ino }

// Type returns the cached object type (file or directory).
func (v *Vnode) Type() uint16 { return v.vtype }

func (v *Vnode) Lock()   { v.mu.Lock() }
func (v *Vnode) Unlock() { v.mu.Unlock() }

// Load reads the on-disk inode into memory if it isn't already, and
// bumps the recursive load count. Callers must hold the vnode lock and
// call Unload exactly once per Load.
func (v *Vnode) Load() error {
	if v.loadCount == 0 {
		buf, err := v.fs.cache.Read(v.fs.fsid, v.ino, false)
		if err != nil {
			return errors.Wrap(err, "inode: load")
		}
		v.buf = buf
		v.dino = ondisk.DecodeDinode(buf.Data())
	}
	v.loadCount++
	return nil
}

// Unload releases the buffer once the load count drops back to zero.
func (v *Vnode) Unload() {
	v.loadCount--
	if v.loadCount == 0 {
		v.fs.cache.Release(v.buf, false)
		v.buf = nil
		v.dino = nil
	}
}

// Dinode returns the currently loaded on-disk inode. Must be called
// between Load and Unload.
func (v *Vnode) Dinode() *ondisk.Dinode { return v.dino }

// MarkDirty flags the inode's buffer dirty after a caller has mutated
// the struct returned by Dinode, or after bmap has mutated a pointer
// field directly.
func (v *Vnode) MarkDirty() {
	v.syncDinodeToBuf()
	v.fs.cache.MarkDirty(v.buf)
}

func (v *Vnode) syncDinodeToBuf() {
	copy(v.buf.Data(), v.dino.Encode())
}

// InodeBlock, Pointer, and SetPointer implement bmap.InodeRef so the
// block-map layer can translate and truncate this vnode's data without
// depending on package inode.
func (v *Vnode) InodeBlock() uint32 { return v.ino }

func (v *Vnode) Pointer(level int, indirnum uint32) uint32 {
	switch level {
	case 0:
		return v.dino.Direct[indirnum]
	case 1:
		return v.dino.Indirect
	case 2:
		return v.dino.DIndirect
	default:
		return v.dino.TIndirect
	}
}

func (v *Vnode) SetPointer(level int, indirnum uint32, val uint32) {
	switch level {
	case 0:
		v.dino.Direct[indirnum] = val
	case 1:
		v.dino.Indirect = val
	case 2:
		v.dino.DIndirect = val
	default:
		v.dino.TIndirect = val
	}
}

// FS is the per-volume vnode table: it dedups concurrent loads of the
// same inode number and drives reclaim when a vnode's refcount drops to
// zero. It corresponds to the original's sfs_vnlock-guarded
// sfs_vnodes array.
type FS struct {
	mu     sync.Mutex
	fsid   uint32
	cache  *buffer.Cache
	fm     *freemap.Freemap
	mapper *bmap.Mapper

	vnodes map[uint32]*Vnode
}

func NewFS(fsid uint32, cache *buffer.Cache, fm *freemap.Freemap, mapper *bmap.Mapper) *FS {
	return &FS{
		fsid:   fsid,
		cache:  cache,
		fm:     fm,
		mapper: mapper,
		vnodes: make(map[uint32]*Vnode),
	}
}

// Get returns the resident vnode for ino, bumping its refcount, or
// loads a fresh one from disk. forceType is SFS_TYPE_INVAL (ondisk.TypeInvalid)
// except when creating a brand new object, in which case the freshly
// zeroed inode's type is stamped in place.
func (fs *FS) Get(ino uint32, forceType uint16) (*Vnode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if v, ok := fs.vnodes[ino]; ok {
		v.refcount++
		return v, nil
	}

	buf, err := fs.cache.Read(fs.fsid, ino, false)
	if err != nil {
		return nil, errors.Wrap(err, "inode: get")
	}
	dino := ondisk.DecodeDinode(buf.Data())

	if forceType != ondisk.TypeInvalid {
		if dino.Type != ondisk.TypeInvalid {
			fs.cache.Release(buf, false)
			return nil, fmt.Errorf("inode: %d already has type %d", ino, dino.Type)
		}
		dino.Type = forceType
		copy(buf.Data(), dino.Encode())
		fs.cache.MarkDirty(buf)
	}

	vtype := dino.Type
	fs.cache.Release(buf, false)

	v := &Vnode{fs: fs, ino: ino, vtype: vtype, refcount: 1}
	fs.vnodes[ino] = v
	return v, nil
}

// GetRoot returns the volume's root directory vnode (always inode 1).
func (fs *FS) GetRoot() (*Vnode, error) {
	return fs.Get(ondisk.RootDirIno, ondisk.TypeInvalid)
}

// Resident returns how many vnodes are currently held in the table.
// Unmount uses this the way sfs_unmount checks vnodearray_num: refusing
// to unmount while anything is still resident.
func (fs *FS) Resident() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.vnodes)
}

// Refcount returns v's current reference count. Remove uses this to
// decide whether an inode whose link count just dropped to zero is
// still open elsewhere and needs to go through the graveyard rather
// than being reclaimed immediately.
func (fs *FS) Refcount(v *Vnode) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return v.refcount
}

// MakeObj allocates a fresh inode block and returns it as a loaded
// vnode of the given type, with link count zero, ready for the caller
// to link into a directory.
func (fs *FS) MakeObj(vtype uint16, j txn.Journal) (*Vnode, error) {
	ino, err := fs.fm.Balloc()
	if err != nil {
		return nil, errors.Wrap(err, "inode: makeobj")
	}
	if err := j.CaptureFreemap(ino); err != nil {
		return nil, err
	}

	buf, err := fs.cache.Get(fs.fsid, ino, false)
	if err != nil {
		return nil, err
	}
	for i := range buf.Data() {
		buf.Data()[i] = 0
	}
	fs.cache.MarkValid(buf)
	fs.cache.MarkDirty(buf)
	fs.cache.Release(buf, false)

	v, err := fs.Get(ino, vtype)
	if err != nil {
		fs.fm.Bfree(ino)
		return nil, err
	}

	v.Lock()
	defer v.Unlock()
	if err := v.Load(); err != nil {
		return nil, err
	}
	return v, nil
}

// Put decrements a vnode's refcount and, if it reaches zero, reclaims
// it: truncates it to zero length and frees its inode block if its
// on-disk link count is also zero, then removes it from the table.
// Mirrors sfs_reclaim.
func (fs *FS) Put(v *Vnode, j txn.Journal) error {
	fs.mu.Lock()
	v.refcount--
	if v.refcount > 0 {
		fs.mu.Unlock()
		return nil
	}
	fs.mu.Unlock()

	v.Lock()
	defer v.Unlock()

	fs.mu.Lock()
	busy := v.refcount > 0
	fs.mu.Unlock()
	if busy {
		return ErrBusy
	}

	if err := v.Load(); err != nil {
		return err
	}
	defer v.Unload()

	if v.dino.LinkCount == 0 {
		oldBlocks := blockCount(v.dino.Size)
		if err := fs.mapper.Discard(v, oldBlocks, 0, j); err != nil {
			return err
		}
		v.dino.Size = 0
		v.MarkDirty()

		fs.mu.Lock()
		delete(fs.vnodes, v.ino)
		fs.mu.Unlock()

		if err := j.ReleaseFreemap(v.ino); err != nil {
			return err
		}
		fs.fm.Bfree(v.ino)
		return nil
	}

	fs.mu.Lock()
	delete(fs.vnodes, v.ino)
	fs.mu.Unlock()
	return nil
}

// blockCount returns how many BlockSize data blocks a file of the given
// byte size occupies.
func blockCount(size uint32) uint64 {
	return uint64(ondisk.RoundUp(size, ondisk.BlockSize)) / ondisk.BlockSize
}

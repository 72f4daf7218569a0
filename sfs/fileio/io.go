// Package fileio implements the file-level I/O plumbing (C6): splitting
// an arbitrary byte range into a leading partial block, a run of whole
// blocks, and a trailing partial block, translating each through the
// block map, and the separate metadata I/O primitive used for directory
// entries.
package fileio

import (
	"github.com/zhukovaskychina/sfs-core/sfs/bmap"
	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/inode"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/txn"
)

// IO bundles the buffer cache and block map a filesystem instance needs
// to move bytes in and out of a vnode's data blocks.
type IO struct {
	cache  *buffer.Cache
	mapper *bmap.Mapper
	fsid   uint32
}

func New(cache *buffer.Cache, mapper *bmap.Mapper, fsid uint32) *IO {
	return &IO{cache: cache, mapper: mapper, fsid: fsid}
}

// ReadWrite moves len(p) bytes between p and the vnode's data starting
// at offset: read copies data out of p's target blocks into p, write
// copies p into the file, extending its length and allocating blocks as
// needed. Reads are clamped at EOF (the zero value "bytes read" is not
// an error). Must be called with the vnode lock held.
func (f *IO) ReadWrite(v *inode.Vnode, offset uint64, p []byte, write bool, j txn.Journal) (int, error) {
	if err := v.Load(); err != nil {
		return 0, err
	}
	defer v.Unload()

	size := uint64(v.Dinode().Size)

	if !write {
		if offset >= size {
			return 0, nil
		}
		if offset+uint64(len(p)) > size {
			p = p[:size-offset]
		}
	}

	var done int
	cursor := offset
	remaining := p

	if skip := cursor % ondisk.BlockSize; skip != 0 && len(remaining) > 0 {
		n, err := f.partialBlock(v, cursor, remaining, skip, write, j)
		if err != nil {
			return done, err
		}
		done += n
		cursor += uint64(n)
		remaining = remaining[n:]
	}

	for len(remaining) >= ondisk.BlockSize {
		n, err := f.wholeBlock(v, cursor, remaining[:ondisk.BlockSize], write, j)
		if err != nil {
			return done, err
		}
		done += n
		cursor += uint64(n)
		remaining = remaining[n:]
	}

	if len(remaining) > 0 {
		n, err := f.partialBlock(v, cursor, remaining, 0, write, j)
		if err != nil {
			return done, err
		}
		done += n
		cursor += uint64(n)
	}

	if write && cursor > size {
		v.Dinode().Size = uint32(cursor)
		v.MarkDirty()
	}

	return done, nil
}

// partialBlock does I/O to a block of the file that doesn't cover the
// whole block: skip bytes are skipped at the start, and len(p) bytes
// (which must fit in what remains of the block) are transferred.
// Mirrors sfs_partialio.
func (f *IO) partialBlock(v *inode.Vnode, offset uint64, p []byte, skip uint64, write bool, j txn.Journal) (int, error) {
	length := uint64(ondisk.BlockSize) - skip
	if length > uint64(len(p)) {
		length = uint64(len(p))
	}
	fileblock := offset / ondisk.BlockSize

	diskblock, err := f.mapper.Translate(v, fileblock, write, j)
	if err != nil {
		return 0, err
	}
	if diskblock == 0 {
		for i := uint64(0); i < length; i++ {
			p[i] = 0
		}
		return int(length), nil
	}

	buf, err := f.cache.Read(f.fsid, diskblock, false)
	if err != nil {
		return 0, err
	}
	defer f.cache.Release(buf, false)

	if write {
		copy(buf.Data()[skip:skip+length], p[:length])
		if err := j.UserBlockWrite(diskblock, buf.Data()); err != nil {
			return 0, err
		}
		f.cache.MarkDirty(buf)
	} else {
		copy(p[:length], buf.Data()[skip:skip+length])
	}
	return int(length), nil
}

// wholeBlock does I/O to exactly one whole block of the file. Mirrors
// sfs_blockio: a full-block write never needs to read the old contents
// first, so it uses Get rather than Read.
func (f *IO) wholeBlock(v *inode.Vnode, offset uint64, p []byte, write bool, j txn.Journal) (int, error) {
	fileblock := offset / ondisk.BlockSize

	diskblock, err := f.mapper.Translate(v, fileblock, write, j)
	if err != nil {
		return 0, err
	}
	if diskblock == 0 {
		for i := range p {
			p[i] = 0
		}
		return ondisk.BlockSize, nil
	}

	var buf *buffer.Buffer
	if write {
		buf, err = f.cache.Get(f.fsid, diskblock, false)
	} else {
		buf, err = f.cache.Read(f.fsid, diskblock, false)
	}
	if err != nil {
		return 0, err
	}
	defer f.cache.Release(buf, false)

	if write {
		copy(buf.Data(), p)
		f.cache.MarkValid(buf)
		if err := j.UserBlockWrite(diskblock, buf.Data()); err != nil {
			return 0, err
		}
		f.cache.MarkDirty(buf)
	} else {
		copy(p, buf.Data())
	}
	return ondisk.BlockSize, nil
}

// MetaIO reads or writes a small, block-local metadata object (e.g. a
// directory entry) at actualpos, which must not cross a block boundary.
// Writes are journaled as META_UPDATE records capturing the exact
// before/after bytes. Mirrors sfs_metaio.
func (f *IO) MetaIO(v *inode.Vnode, actualpos uint64, data []byte, write bool, j txn.Journal) error {
	if len(data) > ondisk.MaxMetaUpdateSize {
		panic("fileio: metadata object too large to journal")
	}

	vnblock := actualpos / ondisk.BlockSize
	blockOffset := actualpos % ondisk.BlockSize

	if err := v.Load(); err != nil {
		return err
	}
	defer v.Unload()

	diskblock, err := f.mapper.Translate(v, vnblock, write, j)
	if err != nil {
		return err
	}
	if diskblock == 0 {
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	buf, err := f.cache.Read(f.fsid, diskblock, false)
	if err != nil {
		return err
	}
	defer f.cache.Release(buf, false)

	region := buf.Data()[blockOffset : blockOffset+uint64(len(data))]
	if !write {
		copy(data, region)
		return nil
	}

	old := make([]byte, len(data))
	copy(old, region)
	if err := j.MetaUpdate(diskblock, uint32(blockOffset), uint32(len(data)), old, data); err != nil {
		return err
	}
	copy(region, data)
	f.cache.MarkDirty(buf)

	endpos := actualpos + uint64(len(data))
	if endpos > uint64(v.Dinode().Size) {
		v.Dinode().Size = uint32(endpos)
		v.MarkDirty()
	}
	return nil
}

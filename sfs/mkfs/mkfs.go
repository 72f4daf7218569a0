// Package mkfs formats a brand new SFS volume: a superblock, a freemap
// with the root directory and graveyard (and their data blocks)
// pre-allocated, both written out as real "." / ".." directories, and
// a zeroed journal — everything vnode.Mount expects to already exist
// on disk. Grounded on original_source/userland/sbin/mksfs/mksfs.c,
// the separate userland formatting tool the original system shipped
// alongside the sfs_*.c kernel module.
package mkfs

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/sfs-core/sfs/device"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/util"
)

// ErrExists is returned when the target path already holds a file and
// Options.Force was not set.
var ErrExists = errors.New("mkfs: volume already exists")

// Options describes the volume to create.
type Options struct {
	Path          string
	NBlocks       uint32
	VolName       string
	JournalStart  uint32
	JournalBlocks uint32

	// Force allows formatting over an existing file at Path.
	Force bool
}

// Format lays down a fresh, empty volume at opts.Path.
//
// The backing file itself is allocated with util.CreateFileBySize (the
// teacher's database-directory file helper, repurposed here for a
// volume image instead of a MySQL data file) rather than
// device.Open's own create-or-extend logic: mkfs always wants a
// brand-new file truncated to exactly the right size, discarding
// whatever was there before, which is a different contract than
// Mount's "open what's there, extend if it's too small."
func Format(opts Options) error {
	exists, err := util.PathExists(opts.Path)
	if err != nil {
		return errors.Wrap(err, "mkfs: stat target")
	}
	if exists && !opts.Force {
		return errors.Wrapf(ErrExists, "mkfs: %s", opts.Path)
	}

	dir, name := filepath.Split(opts.Path)
	size := int64(opts.NBlocks) * ondisk.BlockSize
	if err := util.CreateFileBySize(dir, name, size); err != nil {
		return errors.Wrap(err, "mkfs: allocate volume file")
	}

	dev, err := device.Open(opts.Path, opts.NBlocks)
	if err != nil {
		return errors.Wrap(err, "mkfs: open volume")
	}
	defer dev.Close()

	sb := &ondisk.Superblock{
		Magic:         ondisk.Magic,
		NBlocks:       opts.NBlocks,
		VolName:       opts.VolName,
		JournalStart:  opts.JournalStart,
		JournalBlocks: opts.JournalBlocks,
	}
	if err := dev.WriteBlock(ondisk.SuperBlock, sb.Encode()); err != nil {
		return errors.Wrap(err, "mkfs: write superblock")
	}

	fm := freemap.New(dev, opts.NBlocks)
	// The journal region is marked used so Balloc never hands out a
	// journal block as an inode or data block.
	for i := uint32(0); i < opts.JournalBlocks; i++ {
		fm.SetUsedDuringRecovery(opts.JournalStart+i, true)
	}
	for _, want := range []uint32{ondisk.RootDirIno, ondisk.GraveyardIno} {
		got, err := fm.Balloc()
		if err != nil {
			return errors.Wrap(err, "mkfs: allocate root/graveyard block")
		}
		if got != want {
			return errors.Errorf("mkfs: expected block %d for inode, got %d", want, got)
		}
	}

	// Each of the two reserved directories gets its own data block holding
	// "." and ".." self-referential entries, exactly as mksfs.c's
	// writerootdir lays down the root directory's initial contents. Their
	// link count of 2 (one for the "." entry, one for the entry a parent
	// would otherwise hold) is what original_source's writerootdir sets and
	// never touches again — it has no dirLink/dirUnlink path that could
	// ever lower it, so the reserved inodes can never reach the zero-link
	// reclaim branch in inode.FS.Put.
	for _, ino := range []uint32{ondisk.RootDirIno, ondisk.GraveyardIno} {
		dataBlock, err := fm.Balloc()
		if err != nil {
			return errors.Wrap(err, "mkfs: allocate directory data block")
		}

		data := make([]byte, ondisk.BlockSize)
		dot := ondisk.DirEntry{Ino: ino, Name: "."}
		dotdot := ondisk.DirEntry{Ino: ino, Name: ".."}
		copy(data[0:ondisk.DirEntrySize], dot.Encode())
		copy(data[ondisk.DirEntrySize:2*ondisk.DirEntrySize], dotdot.Encode())
		if err := dev.WriteBlock(dataBlock, data); err != nil {
			return errors.Wrap(err, "mkfs: write directory data block")
		}

		dino := &ondisk.Dinode{
			Size:      2 * ondisk.DirEntrySize,
			Type:      ondisk.TypeDir,
			LinkCount: 2,
		}
		dino.Direct[0] = dataBlock
		if err := dev.WriteBlock(ino, dino.Encode()); err != nil {
			return errors.Wrap(err, "mkfs: write root/graveyard inode")
		}
	}

	if err := fm.Sync(); err != nil {
		return errors.Wrap(err, "mkfs: write freemap")
	}

	zero := make([]byte, ondisk.BlockSize)
	for i := uint32(0); i < opts.JournalBlocks; i++ {
		if err := dev.WriteBlock(opts.JournalStart+i, zero); err != nil {
			return errors.Wrap(err, "mkfs: zero journal")
		}
	}

	return dev.Sync()
}

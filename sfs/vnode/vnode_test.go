package vnode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/bmap"
	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/fileio"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/inode"
	"github.com/zhukovaskychina/sfs-core/sfs/journal"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/record"
)

type memHooks struct{ blocks map[uint32][]byte }

func newMemHooks() *memHooks { return &memHooks{blocks: map[uint32][]byte{}} }

func (h *memHooks) ReadBlock(fs, block uint32) ([]byte, error) {
	if b, ok := h.blocks[block]; ok {
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	return make([]byte, ondisk.BlockSize), nil
}

func (h *memHooks) WriteBlock(fs, block uint32, data []byte, fsdata interface{}) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.blocks[block] = cp
	return nil
}
func (h *memHooks) Detach(fs, block uint32, fsdata interface{}) {}
func (h *memHooks) BeforeWriteBlock(fs, block uint32)           {}

// newTestFS assembles an FS the way Mount does, but against an in-memory
// hooks stand-in instead of a real device, with the root directory and
// graveyard already formatted the way mkfs.Format lays them down on a
// real volume: a data block each holding "." and ".." entries, with
// link count 2.
func newTestFS(t *testing.T) *FS {
	t.Helper()

	hooks := newMemHooks()
	cache := buffer.New(hooks, 64)
	t.Cleanup(cache.Close)
	cache.ReserveFSManaged(2)

	// Nothing flushes the journal in these tests, so the ring must be large
	// enough to hold every record a test writes without wrapping.
	c, err := journal.Open(cache, fsid, 10, 16)
	require.NoError(t, err)
	cache.SetLSNSource(func() uint64 { return c.PeekNextLSN() - 1 })

	fm := freemap.New(nil, 4096)
	mapper := bmap.New(cache, fm, fsid)
	inodes := inode.NewFS(fsid, cache, fm, mapper)
	io := fileio.New(cache, mapper, fsid)
	txset := record.NewTransactionSet(c)
	gy := newGraveyard(inodes, io)

	// Balloc consumes blocks in order starting just past the reserved
	// superblock and freemap blocks, so the first two allocations land on
	// RootDirIno and GraveyardIno exactly. The inode blocks are allocated
	// up front, both in one pass, before either directory's data block —
	// otherwise the first directory's data-block allocation would itself
	// consume the second inode's reserved block number.
	for _, want := range []uint32{ondisk.RootDirIno, ondisk.GraveyardIno} {
		got, err := fm.Balloc()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// Each gets a data block of its own holding "." and ".." entries and a
	// link count of 2, the same format mkfs.Format lays down, so neither
	// can ever drop to a zero link count and hit inode.FS.Put's reclaim
	// branch.
	for _, ino := range []uint32{ondisk.RootDirIno, ondisk.GraveyardIno} {
		dataBlock, err := fm.Balloc()
		require.NoError(t, err)

		dbuf, err := cache.Get(fsid, dataBlock, false)
		require.NoError(t, err)
		dot := ondisk.DirEntry{Ino: ino, Name: "."}
		dotdot := ondisk.DirEntry{Ino: ino, Name: ".."}
		copy(dbuf.Data()[0:ondisk.DirEntrySize], dot.Encode())
		copy(dbuf.Data()[ondisk.DirEntrySize:2*ondisk.DirEntrySize], dotdot.Encode())
		cache.MarkValid(dbuf)
		cache.MarkDirty(dbuf)
		cache.Release(dbuf, false)

		buf, err := cache.Get(fsid, ino, false)
		require.NoError(t, err)
		dino := &ondisk.Dinode{Size: 2 * ondisk.DirEntrySize, Type: ondisk.TypeDir, LinkCount: 2}
		dino.Direct[0] = dataBlock
		copy(buf.Data(), dino.Encode())
		cache.MarkValid(buf)
		cache.MarkDirty(buf)
		cache.Release(buf, false)
	}

	return &FS{
		cache:      cache,
		fm:         fm,
		mapper:     mapper,
		inodes:     inodes,
		io:         io,
		jcontainer: c,
		txset:      txset,
		graveyard:  gy,
	}
}

func TestCreatThenLookupRoundTrip(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("hello.txt", true)
	require.NoError(t, err)
	require.NoError(t, f.put(v))

	got, err := f.Lookup("hello.txt")
	require.NoError(t, err)
	defer f.put(got)

	st, err := f.Stat(got)
	require.NoError(t, err)
	require.Equal(t, uint16(ondisk.TypeFile), st.Type)
	require.Equal(t, uint16(1), st.LinkCount)
}

func TestCreatExclOnExistingNameFails(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("a", true)
	require.NoError(t, err)
	require.NoError(t, f.put(v))

	_, err = f.Creat("a", true)
	require.ErrorIs(t, err, ErrExists)

	v2, err := f.Creat("a", false)
	require.NoError(t, err)
	require.NoError(t, f.put(v2))
}

func TestLookupMissingNameFails(t *testing.T) {
	f := newTestFS(t)

	_, err := f.Lookup("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("data.bin", true)
	require.NoError(t, err)
	defer f.put(v)

	payload := make([]byte, ondisk.BlockSize*2+13)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := f.Write(v, 7, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = f.Read(v, 7, got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestTruncateShrinksAndFreesBlocks(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("grow.bin", true)
	require.NoError(t, err)
	defer f.put(v)

	payload := make([]byte, ondisk.BlockSize*3)
	_, err = f.Write(v, 0, payload)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(v, ondisk.BlockSize))

	st, err := f.Stat(v)
	require.NoError(t, err)
	require.Equal(t, uint32(ondisk.BlockSize), st.Size)
}

func TestLinkAddsSecondName(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("first", true)
	require.NoError(t, err)
	defer f.put(v)

	require.NoError(t, f.Link(v, "second"))

	st, err := f.Stat(v)
	require.NoError(t, err)
	require.Equal(t, uint16(2), st.LinkCount)

	other, err := f.Lookup("second")
	require.NoError(t, err)
	defer f.put(other)
	require.Equal(t, v.Ino(), other.Ino())
}

func TestLinkDirectoryFails(t *testing.T) {
	f := newTestFS(t)

	root, err := f.inodes.GetRoot()
	require.NoError(t, err)
	defer f.put(root)

	require.ErrorIs(t, f.Link(root, "whatever"), ErrIsDir)
}

func TestRemoveUnlinksAndReclaimsWhenNotBusy(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("doomed", true)
	require.NoError(t, err)
	require.NoError(t, f.put(v))

	require.NoError(t, f.Remove("doomed"))

	_, err = f.Lookup("doomed")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveWhileOpenSendsToGraveyard(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("busy", true)
	require.NoError(t, err)
	// Hold a second reference open across the remove, as an open-but-
	// unlinked file descriptor would.
	held, err := f.Lookup("busy")
	require.NoError(t, err)

	require.NoError(t, f.Remove("busy"))

	_, err = f.Lookup("busy")
	require.ErrorIs(t, err, ErrNotFound)

	gv, err := f.graveyard.open()
	require.NoError(t, err)
	ino, _, _, err := dirFindName(f.io, gv, graveyardName(held.Ino()))
	require.NoError(t, err)
	require.Equal(t, held.Ino(), ino)
	require.NoError(t, f.put(gv))

	require.NoError(t, f.put(held))
	require.NoError(t, f.put(v))
}

func TestRenameMovesNameWithinRoot(t *testing.T) {
	f := newTestFS(t)

	v, err := f.Creat("old", true)
	require.NoError(t, err)
	defer f.put(v)

	require.NoError(t, f.Rename("old", "new"))

	_, err = f.Lookup("old")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := f.Lookup("new")
	require.NoError(t, err)
	defer f.put(got)
	require.Equal(t, v.Ino(), got.Ino())

	st, err := f.Stat(got)
	require.NoError(t, err)
	require.Equal(t, uint16(1), st.LinkCount)
}

func TestGraveyardSweepReclaimsOrphans(t *testing.T) {
	f := newTestFS(t)

	tx, err := f.txset.Begin()
	require.NoError(t, err)

	orphan, err := f.inodes.MakeObj(ondisk.TypeFile, tx)
	require.NoError(t, err)
	ino := orphan.Ino()

	orphan.Lock()
	orphan.Dinode().LinkCount = 0
	orphan.MarkDirty()
	orphan.Unload()
	orphan.Unlock()

	// Drop the only in-process reference now, the way a last VOP_DECREF
	// would — ordinarily this alone reclaims the inode's blocks. What a
	// crash leaves behind for the mount-time sweep to clean up is just
	// the graveyard's own stale directory entry.
	require.NoError(t, f.inodes.Put(orphan, tx))
	require.False(t, f.fm.Bused(ino))

	require.NoError(t, f.graveyard.add(ino, tx))
	require.NoError(t, tx.Commit())

	tx2, err := f.txset.Begin()
	require.NoError(t, err)
	require.NoError(t, f.graveyard.sweep(tx2))
	require.NoError(t, tx2.Commit())

	gv, err := f.graveyard.open()
	require.NoError(t, err)
	foundIno, _, _, err := dirFindName(f.io, gv, graveyardName(ino))
	require.NoError(t, err)
	require.Equal(t, ondisk.NoIno, foundIno)
	require.NoError(t, f.put(gv))
}

package fileio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/bmap"
	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/inode"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
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

type recordingJournal struct {
	userWrites int
	metaWrites int
}

func (r *recordingJournal) CaptureFreemap(uint32) error { return nil }
func (r *recordingJournal) ReleaseFreemap(uint32) error { return nil }
func (r *recordingJournal) MetaUpdate(uint32, uint32, uint32, []byte, []byte) error {
	r.metaWrites++
	return nil
}
func (r *recordingJournal) UserBlockWrite(uint32, []byte) error {
	r.userWrites++
	return nil
}

func newTestIO(t *testing.T) (*IO, *inode.FS, *recordingJournal) {
	t.Helper()
	hooks := newMemHooks()
	cache := buffer.New(hooks, 64)
	t.Cleanup(cache.Close)
	fm := freemap.New(nil, 4096)
	mapper := bmap.New(cache, fm, 1)
	ifs := inode.NewFS(1, cache, fm, mapper)
	return New(cache, mapper, 1), ifs, &recordingJournal{}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	io, ifs, j := newTestIO(t)

	v, err := ifs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)
	v.Unload()

	payload := make([]byte, ondisk.BlockSize*2+37)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := io.ReadWrite(v, 5, payload, true, j)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NotZero(t, j.userWrites)

	got := make([]byte, len(payload))
	n, err = io.ReadWrite(v, 5, got, false, j)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestReadPastEOFReturnsNothing(t *testing.T) {
	io, ifs, j := newTestIO(t)
	v, err := ifs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)
	v.Unload()

	buf := make([]byte, 64)
	n, err := io.ReadWrite(v, 1000, buf, false, j)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReadSparseHoleYieldsZeros(t *testing.T) {
	io, ifs, j := newTestIO(t)
	v, err := ifs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)

	v.Dinode().Size = ondisk.BlockSize * 3
	v.MarkDirty()
	v.Unload()

	buf := make([]byte, ondisk.BlockSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := io.ReadWrite(v, ondisk.BlockSize, buf, false, j)
	require.NoError(t, err)
	require.Equal(t, ondisk.BlockSize, n)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestMetaIOJournalsUpdate(t *testing.T) {
	io, ifs, j := newTestIO(t)
	v, err := ifs.MakeObj(ondisk.TypeDir, j)
	require.NoError(t, err)
	v.Unload()

	entry := ondisk.DirEntry{Ino: 42, Name: "hello"}
	data := entry.Encode()

	require.NoError(t, io.MetaIO(v, 0, data, true, j))
	// The new directory has no data block yet, so the write first journals
	// bmap's inode-pointer update for the block it allocates; the entry
	// itself is the second META_UPDATE.
	require.Equal(t, 2, j.metaWrites)

	readBack := make([]byte, ondisk.DirEntrySize)
	require.NoError(t, io.MetaIO(v, 0, readBack, false, j))
	require.Equal(t, data, readBack)
}

package bmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
	"github.com/zhukovaskychina/sfs-core/sfs/txn"
)

// memHooks backs the buffer cache with a plain map, standing in for the
// device+journal hooks a real filesystem wires up.
type memHooks struct {
	blocks map[uint32][]byte
}

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

// fakeInode is a minimal InodeRef over an in-memory Dinode, standing in
// for the real vnode handle in package inode.
type fakeInode struct {
	block    uint32
	direct   [ondisk.NDirect]uint32
	indirect uint32
	dind     uint32
	tind     uint32
	dirty    bool
}

func (f *fakeInode) InodeBlock() uint32 { return f.block }

func (f *fakeInode) Pointer(level int, indirnum uint32) uint32 {
	switch level {
	case 0:
		return f.direct[indirnum]
	case 1:
		return f.indirect
	case 2:
		return f.dind
	default:
		return f.tind
	}
}

func (f *fakeInode) SetPointer(level int, indirnum uint32, val uint32) {
	switch level {
	case 0:
		f.direct[indirnum] = val
	case 1:
		f.indirect = val
	case 2:
		f.dind = val
	default:
		f.tind = val
	}
}

func (f *fakeInode) MarkDirty() { f.dirty = true }

// recordingJournal counts calls without persisting anything, enough to
// assert on ordering and counts in these tests.
type recordingJournal struct {
	captures []uint32
	releases []uint32
	metas    int
}

func (r *recordingJournal) CaptureFreemap(block uint32) error {
	r.captures = append(r.captures, block)
	return nil
}
func (r *recordingJournal) ReleaseFreemap(block uint32) error {
	r.releases = append(r.releases, block)
	return nil
}
func (r *recordingJournal) MetaUpdate(block, pos, length uint32, old, new []byte) error {
	r.metas++
	return nil
}
func (r *recordingJournal) UserBlockWrite(block uint32, data []byte) error { return nil }

func newTestMapper(t *testing.T) (*Mapper, *recordingJournal, *fakeInode) {
	t.Helper()
	hooks := newMemHooks()
	cache := buffer.New(hooks, 64)
	t.Cleanup(cache.Close)
	fm := freemap.New(nil, 4096)
	// Drain a handful of blocks so allocations start at a known offset.
	for i := 0; i < 16; i++ {
		_, err := fm.Balloc()
		require.NoError(t, err)
	}
	m := New(cache, fm, 1)
	j := &recordingJournal{}
	ir := &fakeInode{block: 1}
	return m, j, ir
}

func TestTranslateDirectAllocatesOnDemand(t *testing.T) {
	m, j, ir := newTestMapper(t)

	block, err := m.Translate(ir, 3, true, j)
	require.NoError(t, err)
	require.NotZero(t, block)
	require.Equal(t, block, ir.direct[3])
	require.True(t, ir.dirty)
	require.Len(t, j.captures, 1)

	again, err := m.Translate(ir, 3, false, j)
	require.NoError(t, err)
	require.Equal(t, block, again)
}

func TestTranslateHoleWithoutAllocate(t *testing.T) {
	m, j, ir := newTestMapper(t)
	block, err := m.Translate(ir, 5, false, j)
	require.NoError(t, err)
	require.Zero(t, block)
	require.Empty(t, j.captures)
}

func TestTranslateIndirectLevel(t *testing.T) {
	m, j, ir := newTestMapper(t)

	fileblock := uint64(ondisk.NDirect) + 10
	block, err := m.Translate(ir, fileblock, true, j)
	require.NoError(t, err)
	require.NotZero(t, block)
	require.NotZero(t, ir.indirect)

	again, err := m.Translate(ir, fileblock, true, j)
	require.NoError(t, err)
	require.Equal(t, block, again)
}

func TestDiscardFreesDirectBlocks(t *testing.T) {
	m, j, ir := newTestMapper(t)

	for fb := uint64(0); fb < 5; fb++ {
		_, err := m.Translate(ir, fb, true, j)
		require.NoError(t, err)
	}
	require.NoError(t, m.Discard(ir, 5, 2, j))

	for i := 2; i < 5; i++ {
		require.Zero(t, ir.direct[i])
	}
	for i := 0; i < 2; i++ {
		require.NotZero(t, ir.direct[i])
	}
	require.Len(t, j.releases, 3)
}

func TestDiscardFreesEmptyIndirectBlock(t *testing.T) {
	m, j, ir := newTestMapper(t)

	fileblock := uint64(ondisk.NDirect)
	_, err := m.Translate(ir, fileblock, true, j)
	require.NoError(t, err)
	require.NotZero(t, ir.indirect)

	require.NoError(t, m.Discard(ir, fileblock+1, fileblock, j))
	require.Zero(t, ir.indirect)
}

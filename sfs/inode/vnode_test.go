package inode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/bmap"
	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
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

type nopJournal struct{}

func (nopJournal) CaptureFreemap(uint32) error                            { return nil }
func (nopJournal) ReleaseFreemap(uint32) error                            { return nil }
func (nopJournal) MetaUpdate(uint32, uint32, uint32, []byte, []byte) error { return nil }
func (nopJournal) UserBlockWrite(uint32, []byte) error                    { return nil }

func newTestFS(t *testing.T) *FS {
	t.Helper()
	hooks := newMemHooks()
	cache := buffer.New(hooks, 64)
	t.Cleanup(cache.Close)
	fm := freemap.New(nil, 4096)
	mapper := bmap.New(cache, fm, 1)
	return NewFS(1, cache, fm, mapper)
}

func TestMakeObjStartsEmptyWithZeroLinks(t *testing.T) {
	fs := newTestFS(t)
	j := nopJournal{}

	v, err := fs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)
	require.Equal(t, uint16(ondisk.TypeFile), v.Dinode().Type)
	require.Zero(t, v.Dinode().LinkCount)
	v.Unload()
}

func TestGetDedupsResidentVnode(t *testing.T) {
	fs := newTestFS(t)
	j := nopJournal{}

	v1, err := fs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)
	v1.Unload()

	v2, err := fs.Get(v1.Ino(), ondisk.TypeInvalid)
	require.NoError(t, err)
	require.Same(t, v1, v2)
}

func TestPutReclaimsZeroLinkVnode(t *testing.T) {
	fs := newTestFS(t)
	j := nopJournal{}

	v, err := fs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)
	ino := v.Ino()
	v.Unload()

	require.NoError(t, fs.Put(v, j))
	require.False(t, fs.fm.Bused(ino))

	_, stillResident := fs.vnodes[ino]
	require.False(t, stillResident)
}

func TestPutKeepsVnodeWithLinks(t *testing.T) {
	fs := newTestFS(t)
	j := nopJournal{}

	v, err := fs.MakeObj(ondisk.TypeFile, j)
	require.NoError(t, err)
	ino := v.Ino()
	v.Dinode().LinkCount = 1
	v.MarkDirty()
	v.Unload()

	require.NoError(t, fs.Put(v, j))
	require.True(t, fs.fm.Bused(ino))
}

package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
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

func newTestContainer(t *testing.T) (*Container, *memHooks) {
	t.Helper()
	hooks := newMemHooks()
	cache := buffer.New(hooks, 64)
	t.Cleanup(cache.Close)
	c, err := Open(cache, 1, 10, 4)
	require.NoError(t, err)
	return c, hooks
}

func TestWriteAssignsIncreasingLSNs(t *testing.T) {
	c, _ := newTestContainer(t)

	lsn1, err := c.Write(ondisk.ClassClient, ondisk.RTxBegin, []byte{1, 2})
	require.NoError(t, err)
	lsn2, err := c.Write(ondisk.ClassClient, ondisk.RTxCommit, []byte{3, 4})
	require.NoError(t, err)
	require.Greater(t, lsn2, lsn1)
}

func TestFlushUpToWritesDirtyBlocksThrough(t *testing.T) {
	c, hooks := newTestContainer(t)

	lsn, err := c.Write(ondisk.ClassClient, ondisk.RTxBegin, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, c.FlushAll())
	require.NoError(t, err)
	_ = lsn

	// journal block 0 (disk block 10) should have been written through.
	_, ok := hooks.blocks[10]
	require.True(t, ok)
}

func TestTrimWritesTrimRecord(t *testing.T) {
	c, _ := newTestContainer(t)
	_, err := c.Write(ondisk.ClassClient, ondisk.RTxBegin, []byte{1, 2})
	require.NoError(t, err)

	next := c.PeekNextLSN()
	lsn, err := c.Trim(next - 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, lsn, next)
}

func TestRecordFillingBlockRotates(t *testing.T) {
	c, _ := newTestContainer(t)

	payload := make([]byte, ondisk.BlockSize-ondisk.HeaderSize)
	_, err := c.Write(ondisk.ClassClient, ondisk.RUserBlockWrite, payload)
	require.NoError(t, err)

	require.Equal(t, uint32(1), c.headJBlock)
}

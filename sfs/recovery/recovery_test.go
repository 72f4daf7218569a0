package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
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

func TestRecoveryRedoesCommittedMetaUpdate(t *testing.T) {
	hooks := newMemHooks()
	cache1 := buffer.New(hooks, 64)

	c, err := journal.Open(cache1, 1, 10, 4)
	require.NoError(t, err)
	cache1.SetLSNSource(func() uint64 { return c.PeekNextLSN() - 1 })

	set := record.NewTransactionSet(c)
	tx, err := set.Begin()
	require.NoError(t, err)

	newValue := []byte{9, 9, 9, 9}
	require.NoError(t, tx.MetaUpdate(50, 0, 4, make([]byte, 4), newValue))
	require.NoError(t, tx.Commit())
	require.NoError(t, c.FlushAll())
	cache1.Close()

	cache2 := buffer.New(hooks, 64)
	defer cache2.Close()
	fm := freemap.New(nil, 4096)

	result, err := Recover(cache2, fm, 1, 10, 4)
	require.NoError(t, err)
	require.NotZero(t, result.NextLSN)

	buf, err := cache2.Read(1, 50, false)
	require.NoError(t, err)
	require.Equal(t, newValue, buf.Data()[:4])
	cache2.Release(buf, false)
}

func TestRecoveryUndoesUncommittedMetaUpdate(t *testing.T) {
	hooks := newMemHooks()
	cache1 := buffer.New(hooks, 64)

	c, err := journal.Open(cache1, 1, 10, 4)
	require.NoError(t, err)
	cache1.SetLSNSource(func() uint64 { return c.PeekNextLSN() - 1 })

	set := record.NewTransactionSet(c)
	tx, err := set.Begin()
	require.NoError(t, err)

	require.NoError(t, tx.MetaUpdate(60, 0, 4, make([]byte, 4), []byte{7, 7, 7, 7}))
	// never committed
	require.NoError(t, c.FlushAll())
	cache1.Close()

	cache2 := buffer.New(hooks, 64)
	defer cache2.Close()
	fm := freemap.New(nil, 4096)

	_, err = Recover(cache2, fm, 1, 10, 4)
	require.NoError(t, err)

	buf, err := cache2.Read(1, 60, false)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, buf.Data()[:4])
	cache2.Release(buf, false)
}

func TestRecoveryOnFreshVolumeIsNoop(t *testing.T) {
	hooks := newMemHooks()
	cache1 := buffer.New(hooks, 64)
	_, err := journal.Open(cache1, 1, 10, 4)
	require.NoError(t, err)
	cache1.Close()

	cache2 := buffer.New(hooks, 64)
	defer cache2.Close()
	fm := freemap.New(nil, 4096)

	result, err := Recover(cache2, fm, 1, 10, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0), result.HeadJBlock)
	require.Equal(t, uint64(1), result.NextLSN)
}

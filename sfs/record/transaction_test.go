package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/journal"
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

func newTestSet(t *testing.T) (*TransactionSet, *buffer.Cache, *journal.Container) {
	t.Helper()
	hooks := newMemHooks()
	cache := buffer.New(hooks, 64)
	t.Cleanup(cache.Close)
	c, err := journal.Open(cache, 1, 10, 4)
	require.NoError(t, err)
	cache.SetLSNSource(func() uint64 { return c.PeekNextLSN() - 1 })
	return NewTransactionSet(c), cache, c
}

func TestBeginWritesTxBeginAndCommitWritesTxCommit(t *testing.T) {
	set, _, c := newTestSet(t)

	before := c.PeekNextLSN()
	tx, err := set.Begin()
	require.NoError(t, err)
	require.GreaterOrEqual(t, tx.ID(), uint32(1))
	require.Greater(t, c.PeekNextLSN(), before)

	require.NoError(t, tx.Commit())
	require.True(t, tx.IsCommitted())
}

func TestMetaUpdateTracksLSNRange(t *testing.T) {
	set, _, _ := newTestSet(t)

	tx, err := set.Begin()
	require.NoError(t, err)

	old := make([]byte, 4)
	newv := []byte{1, 2, 3, 4}
	require.NoError(t, tx.MetaUpdate(5, 0, 4, old, newv))
	require.NoError(t, tx.MetaUpdate(5, 4, 4, old, newv))

	lowest, highest := tx.LSNRange()
	require.Greater(t, highest, lowest)
}

func TestTooManyTransactionsErrors(t *testing.T) {
	set, _, _ := newTestSet(t)

	for i := 0; i < MaxTransactions; i++ {
		_, err := set.Begin()
		require.NoError(t, err)
	}
	_, err := set.Begin()
	require.ErrorIs(t, err, ErrTooManyTransactions)
}

func TestCheckpointerTrimsAfterCommitAndWriteout(t *testing.T) {
	set, cache, c := newTestSet(t)

	fsid := uint32(1)
	tx, err := set.Begin()
	require.NoError(t, err)

	buf, err := cache.Get(fsid, 200, false)
	require.NoError(t, err)
	require.NoError(t, tx.MetaUpdate(200, 0, 4, make([]byte, 4), []byte{9, 9, 9, 9}))
	cache.MarkValid(buf)
	cache.MarkDirty(buf)

	require.NoError(t, tx.Commit())
	require.NoError(t, cache.Writeout(buf))
	cache.Release(buf, false)

	trimmed := make(chan uint64, 1)
	cp := NewCheckpointer(cache, set, func(lsn uint64) error {
		trimmed <- lsn
		return nil
	}, time.Hour, nil)

	cp.runOnce()
	select {
	case lsn := <-trimmed:
		require.Greater(t, lsn, uint64(0))
	default:
		t.Fatal("expected a trim to be requested")
	}
}

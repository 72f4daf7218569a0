// Package record implements the client record schema, the per-filesystem
// transaction table, and the checkpoint thread (C8): turning freemap,
// metadata, and user-data mutations into journal records tagged with the
// transaction that produced them, and reclaiming transactions once their
// effects are durable.
package record

import (
	"fmt"
	"sync"

	"github.com/zhukovaskychina/sfs-core/sfs/journal"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
)

// MaxTransactions bounds the live transaction table, matching the
// original's fixed-size per-device array.
const MaxTransactions = 64

// ErrTooManyTransactions is returned by Begin when the table is full.
var ErrTooManyTransactions = fmt.Errorf("record: too many live transactions")

// Tx is one in-flight (or committed-but-not-yet-reaped) transaction. It
// implements txn.Journal: every mutation a caller journals through a Tx is
// tagged with that Tx's id and folded into its {lowest,highest} LSN range.
type Tx struct {
	set *TransactionSet

	id uint32

	mu         sync.Mutex
	lowestLSN  uint64
	highestLSN uint64
	committed  bool
}

// ID returns the transaction id carried by every record this Tx writes.
func (tx *Tx) ID() uint32 { return tx.id }

func (tx *Tx) noteLSN(lsn uint64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.lowestLSN == 0 {
		tx.lowestLSN = lsn
	}
	tx.highestLSN = lsn
}

// LSNRange returns the transaction's lowest and highest LSN seen so far.
func (tx *Tx) LSNRange() (lowest, highest uint64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lowestLSN, tx.highestLSN
}

// IsCommitted reports whether Commit has been called.
func (tx *Tx) IsCommitted() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.committed
}

// CaptureFreemap implements txn.Journal.
func (tx *Tx) CaptureFreemap(block uint32) error {
	rec := ondisk.FreemapUpdate{TxID: tx.id, Block: block}
	lsn, err := tx.set.journal.Write(ondisk.ClassClient, ondisk.RFreemapCapture, rec.Encode())
	if err != nil {
		return err
	}
	tx.noteLSN(lsn)
	return nil
}

// ReleaseFreemap implements txn.Journal.
func (tx *Tx) ReleaseFreemap(block uint32) error {
	rec := ondisk.FreemapUpdate{TxID: tx.id, Block: block}
	lsn, err := tx.set.journal.Write(ondisk.ClassClient, ondisk.RFreemapRelease, rec.Encode())
	if err != nil {
		return err
	}
	tx.noteLSN(lsn)
	return nil
}

// MetaUpdate implements txn.Journal.
func (tx *Tx) MetaUpdate(block uint32, pos, length uint32, old, newBytes []byte) error {
	if int(length) > ondisk.MaxMetaUpdateSize {
		panic("record: meta update longer than MaxMetaUpdateSize")
	}
	rec := ondisk.MetaUpdate{TxID: tx.id, Block: block, Pos: pos, Len: length}
	copy(rec.OldValue[:], old)
	copy(rec.NewValue[:], newBytes)
	lsn, err := tx.set.journal.Write(ondisk.ClassClient, ondisk.RMetaUpdate, rec.Encode())
	if err != nil {
		return err
	}
	tx.noteLSN(lsn)
	return nil
}

// UserBlockWrite implements txn.Journal.
func (tx *Tx) UserBlockWrite(block uint32, data []byte) error {
	rec := ondisk.UserBlockWrite{TxID: tx.id, Block: block, Checksum: ondisk.UserDataChecksum(data)}
	lsn, err := tx.set.journal.Write(ondisk.ClassClient, ondisk.RUserBlockWrite, rec.Encode())
	if err != nil {
		return err
	}
	tx.noteLSN(lsn)
	return nil
}

// Commit writes the transaction's TX_COMMIT record. The Tx is not removed
// from the table here — that happens later, in the Checkpointer, once every
// record it wrote is known durable.
func (tx *Tx) Commit() error {
	rec := ondisk.TxPayload{TxID: tx.id}
	lsn, err := tx.set.journal.Write(ondisk.ClassClient, ondisk.RTxCommit, rec.Encode())
	if err != nil {
		return err
	}
	tx.mu.Lock()
	tx.committed = true
	tx.mu.Unlock()
	tx.noteLSN(lsn)
	return nil
}

// TransactionSet is the per-filesystem live-transaction table.
//
// The original's sfs_transaction_destroy scans the table for the matching
// pointer but then clears the slot at index tx_id, not the scanned index —
// since tx_id is a monotonically increasing counter unrelated to table
// slot after wraparound/reuse, that can clear the wrong slot. Keying the
// table directly by id (a Go map) instead of a fixed array of slots found
// by linear scan removes the slot/id distinction that bug depends on.
type TransactionSet struct {
	mu      sync.Mutex
	journal *journal.Container
	table   map[uint32]*Tx
	nextID  uint32
}

// NewTransactionSet creates an empty transaction table writing through j.
func NewTransactionSet(j *journal.Container) *TransactionSet {
	return &TransactionSet{
		journal: j,
		table:   make(map[uint32]*Tx),
		nextID:  1,
	}
}

// Begin allocates a new transaction and journals its TX_BEGIN record. The
// original leaves TX_BEGIN defined but never emitted; every vnode
// operation here begins one explicitly instead of relying on an implicit
// per-thread transaction, since Go has no analogue of curthread->t_tx.
func (ts *TransactionSet) Begin() (*Tx, error) {
	ts.mu.Lock()
	if len(ts.table) >= MaxTransactions {
		ts.mu.Unlock()
		return nil, ErrTooManyTransactions
	}
	id := ts.nextID
	ts.nextID++
	tx := &Tx{set: ts, id: id}
	ts.table[id] = tx
	ts.mu.Unlock()

	rec := ondisk.TxPayload{TxID: id}
	lsn, err := ts.journal.Write(ondisk.ClassClient, ondisk.RTxBegin, rec.Encode())
	if err != nil {
		ts.mu.Lock()
		delete(ts.table, id)
		ts.mu.Unlock()
		return nil, err
	}
	tx.noteLSN(lsn)
	return tx, nil
}

// Live returns every transaction still in the table, committed or not.
func (ts *TransactionSet) Live() []*Tx {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*Tx, 0, len(ts.table))
	for _, tx := range ts.table {
		out = append(out, tx)
	}
	return out
}

func (ts *TransactionSet) remove(id uint32) {
	ts.mu.Lock()
	delete(ts.table, id)
	ts.mu.Unlock()
}

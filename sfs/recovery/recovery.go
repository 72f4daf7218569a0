package recovery

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
	"github.com/zhukovaskychina/sfs-core/sfs/freemap"
	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
)

// Result is what a recovery run hands back to mount so it can resume the
// journal container where recovery left off.
type Result struct {
	HeadJBlock uint32
	NextLSN    uint64
}

// Recover runs container recovery followed by the three-pass client
// recovery described in spec §4.7, against a freshly opened (not yet
// live) buffer cache and freemap. Any I/O error reading the journal
// itself is unrecoverable and returned verbatim for the caller to panic
// on, per spec §7.
func Recover(cache *buffer.Cache, fm *freemap.Freemap, fsid, journalStart, journalBlocks uint32) (Result, error) {
	scan, err := scanForward(cache, fsid, journalStart, journalBlocks)
	if err != nil {
		return Result{}, err
	}

	// Pass 1 + pass 2 merged: redo is unconditional on every client
	// record (spec §4.7), so it can run in the same forward sweep that
	// also builds the committed-transaction set pass 1 needs. Only pass
	// 3 (undo) depends on knowing which transactions committed, so it
	// still runs as a genuinely separate, reverse pass below.
	committed := make(map[uint32]bool)
	var clientRecs []record

	for _, rec := range scan.records {
		if rec.class != ondisk.ClassClient {
			continue
		}
		if rec.lsn < scan.tailLSN {
			continue
		}
		if rec.typ == ondisk.RTxCommit {
			committed[decodeTxID(rec)] = true
		}
		if err := redo(cache, fm, fsid, rec); err != nil {
			return Result{}, err
		}
		clientRecs = append(clientRecs, rec)
	}

	// Pass 3: reverse, undo anything from a transaction never committed.
	for i := len(clientRecs) - 1; i >= 0; i-- {
		rec := clientRecs[i]
		if committed[decodeTxID(rec)] {
			continue
		}
		if err := undo(cache, fm, fsid, rec); err != nil {
			return Result{}, err
		}
	}

	if err := cache.SyncAll(fsid); err != nil {
		return Result{}, err
	}
	if err := fm.Sync(); err != nil {
		return Result{}, err
	}

	return Result{HeadJBlock: scan.headJBlock, NextLSN: scan.headLSN}, nil
}

func decodeTxID(rec record) uint32 {
	switch rec.typ {
	case ondisk.RTxBegin, ondisk.RTxCommit:
		return ondisk.DecodeTxPayload(rec.payload).TxID
	case ondisk.RFreemapCapture, ondisk.RFreemapRelease:
		return ondisk.DecodeFreemapUpdate(rec.payload).TxID
	case ondisk.RMetaUpdate:
		return ondisk.DecodeMetaUpdate(rec.payload).TxID
	case ondisk.RUserBlockWrite:
		return ondisk.DecodeUserBlockWrite(rec.payload).TxID
	default:
		return 0
	}
}

// redo applies a client record's effect unconditionally — committed or
// not, pass 2 runs it, matching sfs_record_redo. begin/commit carry no
// state to replay.
func redo(cache *buffer.Cache, fm *freemap.Freemap, fsid uint32, rec record) error {
	switch rec.typ {
	case ondisk.RTxBegin, ondisk.RTxCommit:
		return nil

	case ondisk.RFreemapCapture:
		fm.SetUsedDuringRecovery(ondisk.DecodeFreemapUpdate(rec.payload).Block, true)
		return nil

	case ondisk.RFreemapRelease:
		fm.SetUsedDuringRecovery(ondisk.DecodeFreemapUpdate(rec.payload).Block, false)
		return nil

	case ondisk.RMetaUpdate:
		m := ondisk.DecodeMetaUpdate(rec.payload)
		return patchBlock(cache, fsid, m.Block, m.Pos, m.NewValue[:m.Len])

	case ondisk.RUserBlockWrite:
		return redoUserBlockWrite(cache, fsid, ondisk.DecodeUserBlockWrite(rec.payload))

	default:
		return errors.Errorf("recovery: unsupported record type %d", rec.typ)
	}
}

// undo reverses a client record's effect, for records belonging to a
// transaction that never committed. Matches sfs_record_undo: user-data
// writes and begin/commit are no-ops — a user-data write is reversed by
// restoring the checksum it overwrote, which redo already decides from
// the current block contents, not from undo.
func undo(cache *buffer.Cache, fm *freemap.Freemap, fsid uint32, rec record) error {
	switch rec.typ {
	case ondisk.RTxBegin, ondisk.RTxCommit, ondisk.RUserBlockWrite:
		return nil

	case ondisk.RFreemapCapture:
		fm.SetUsedDuringRecovery(ondisk.DecodeFreemapUpdate(rec.payload).Block, false)
		return nil

	case ondisk.RFreemapRelease:
		fm.SetUsedDuringRecovery(ondisk.DecodeFreemapUpdate(rec.payload).Block, true)
		return nil

	case ondisk.RMetaUpdate:
		m := ondisk.DecodeMetaUpdate(rec.payload)
		return patchBlock(cache, fsid, m.Block, m.Pos, m.OldValue[:m.Len])

	default:
		return errors.Errorf("recovery: unsupported record type %d", rec.typ)
	}
}

func patchBlock(cache *buffer.Cache, fsid, block, pos uint32, value []byte) error {
	buf, err := cache.Read(fsid, block, false)
	if err != nil {
		return errors.Wrap(err, "recovery: could not read block for meta update")
	}
	copy(buf.Data()[pos:pos+uint32(len(value))], value)
	cache.MarkDirty(buf)
	cache.Release(buf, false)
	return nil
}

func redoUserBlockWrite(cache *buffer.Cache, fsid uint32, rec ondisk.UserBlockWrite) error {
	buf, err := cache.Read(fsid, rec.Block, false)
	if err != nil {
		return errors.Wrap(err, "recovery: could not read block for user write")
	}
	if ondisk.UserDataChecksum(buf.Data()) == rec.Checksum {
		data := buf.Data()
		for i := range data {
			data[i] = 0
		}
	}
	cache.MarkDirty(buf)
	cache.Release(buf, false)
	return nil
}

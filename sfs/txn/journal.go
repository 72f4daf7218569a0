// Package txn declares the narrow interface that the lower layers (bmap,
// inode, fileio) use to journal their mutations, without
// depending on the concrete transaction/record machinery in package
// record. This keeps the dependency graph acyclic: record implements
// Journal structurally; bmap/inode/fileio only import this package.
package txn

// Journal is the per-operation write-ahead-log handle a caller opens
// before mutating buffer-cache pages. Every method appends a record to
// the physical journal before the corresponding in-memory mutation is
// allowed to proceed, satisfying the WAL ordering rule in spec §4.5/§5:
// the record for an effect must be durable-ordered before the buffer
// carrying that effect is written.
type Journal interface {
	// CaptureFreemap records that block has just been marked used.
	CaptureFreemap(block uint32) error

	// ReleaseFreemap records that block has just been marked free.
	ReleaseFreemap(block uint32) error

	// MetaUpdate records an in-place patch to a metadata block: the
	// byte range [pos, pos+len) changes from old to new.
	MetaUpdate(block uint32, pos, length uint32, old, new []byte) error

	// UserBlockWrite records a user-data block write, with data's
	// checksum so recovery can tell a stale redo from a fresh one.
	UserBlockWrite(block uint32, data []byte) error
}

// NopJournal discards every record. The vnode layer passes it to MetaIO
// for directory-entry reads, which never write a record.
type NopJournal struct{}

func (NopJournal) CaptureFreemap(uint32) error                         { return nil }
func (NopJournal) ReleaseFreemap(uint32) error                         { return nil }
func (NopJournal) MetaUpdate(uint32, uint32, uint32, []byte, []byte) error { return nil }
func (NopJournal) UserBlockWrite(uint32, []byte) error                 { return nil }

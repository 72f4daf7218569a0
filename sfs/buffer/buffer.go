// Package buffer implements the (fs, block)-indexed buffer cache (C2):
// reservation-gated admission, LRU/dirty tracking, background syncing and
// an eviction path that keeps the write-ahead-log invariant intact.
//
// The cache is physically indexed — the key is a filesystem id and a
// block number, never a vnode — so indirect blocks, inode blocks and user
// data blocks are all cached the same way.
package buffer

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
)

// Key identifies one cached block.
type Key struct {
	FS    uint32
	Block uint32
}

// Buffer holds one block's bytes plus the flags and bookkeeping described
// in spec §3: attached/busy/valid/dirty/fsmanaged, an LRU position, a
// dirty-list position, a dirty epoch and timestamp, and an owning holder.
//
// A Buffer is exclusively owned by its holder between Get/Read and
// Release; all other fields are protected by the owning Cache's mutex.
type Buffer struct {
	key  Key
	data []byte

	attached  bool
	busy      bool
	valid     bool
	dirty     bool
	fsmanaged bool

	dirtyEpoch uint64
	dirtyAt    time.Time
	lowLSN     uint64

	fsdata interface{}

	lruElem   *lruNode
	dirtyElem *lruNode

	waiters int
	cond    *sync.Cond
}

// Key returns the buffer's (fs, block) identity.
func (b *Buffer) Key() Key { return b.key }

// Data returns the buffer's byte slice. Valid until Release.
func (b *Buffer) Data() []byte { return b.data }

// IsDirty reports whether the buffer has unwritten modifications.
func (b *Buffer) IsDirty() bool { return b.dirty }

// IsValid reports whether the buffer's contents reflect the on-disk block.
func (b *Buffer) IsValid() bool { return b.valid }

// FSData returns the filesystem-specific data last attached to this
// buffer via SetFSData, or nil.
func (b *Buffer) FSData() interface{} { return b.fsdata }

// SetFSData attaches filesystem-specific data to the buffer and returns
// whatever was attached previously.
func (b *Buffer) SetFSData(v interface{}) interface{} {
	old := b.fsdata
	b.fsdata = v
	return old
}

// lruNode is a node in an intrusive doubly-linked list. Spec §9 notes
// that the original design note toward replacing the linear LRU/dirty
// scans with an intrusive list; this cache takes that design directly
// rather than the scan-plus-compaction-generation scheme in spec §4.1/§9.
type lruNode struct {
	buf        *Buffer
	prev, next *lruNode
}

type nodeList struct {
	head, tail *lruNode
	n          int
}

func (l *nodeList) pushBack(nd *lruNode) {
	nd.prev, nd.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = nd
	} else {
		l.head = nd
	}
	l.tail = nd
	l.n++
}

func (l *nodeList) remove(nd *lruNode) {
	if nd.prev != nil {
		nd.prev.next = nd.next
	} else if l.head == nd {
		l.head = nd.next
	}
	if nd.next != nil {
		nd.next.prev = nd.prev
	} else if l.tail == nd {
		l.tail = nd.prev
	}
	nd.prev, nd.next = nil, nil
	l.n--
}

func (l *nodeList) moveToBack(nd *lruNode) {
	l.remove(nd)
	l.pushBack(nd)
}

func newBlockBuffer(key Key) *Buffer {
	return &Buffer{
		key:  key,
		data: make([]byte, ondisk.BlockSize),
	}
}

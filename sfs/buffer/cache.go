package buffer

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/zhukovaskychina/sfs-core/logger"
)

// Hooks are the filesystem-specific callbacks the cache needs: reading
// and writing a block's bytes, detaching any fs-specific data before a
// buffer is evicted, and ordering the journal ahead of a block that is
// about to be written out.
type Hooks interface {
	ReadBlock(fs, block uint32) ([]byte, error)
	WriteBlock(fs, block uint32, data []byte, fsdata interface{}) error
	Detach(fs, block uint32, fsdata interface{})
	// BeforeWriteBlock is called with the (fs, block) about to be written
	// out, before the write. The filesystem's implementation flushes the
	// journal ahead of every non-journal block write; journal blocks are
	// skipped, since the journal container writes them out in order
	// itself.
	BeforeWriteBlock(fs, block uint32)
}

// ReservationSize is the fixed per-operation buffer reservation: a small
// constant distinct from the fsmanaged pool. It bounds how many buffers
// any single filesystem operation may pin down at once, which is what
// makes the deadlock-avoidance argument in spec §4.1 go through.
const ReservationSize = 4

// syncerState mirrors spec §4.1's normal -> under_load -> needs_help
// progression, driven by the age of the oldest dirty buffer.
type syncerState int

const (
	stateNormal syncerState = iota
	stateUnderLoad
	stateNeedsHelp
)

const (
	underLoadAge = 5 * time.Second
	needsHelpAge = 15 * time.Second
	syncInterval = time.Second
)

// Cache is the physically-indexed buffer cache.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	hooks Hooks

	capacity int // max attached, non-fsmanaged buffers
	attached int
	fsCount  int

	// lsnSource, when set, returns the LSN of the journal record most
	// recently written. MarkDirty samples it at the clean->dirty edge so
	// each dirty buffer remembers the oldest record protecting an effect
	// still in it — what the checkpoint thread calls a buffer's low LSN.
	lsnSource func() uint64

	index map[uint64][]*Buffer // hash bucket -> buffers sharing the bucket

	lru   nodeList
	dirty nodeList
	free  []*Buffer

	reserved  int // buffers currently held under reservation
	fsmanagedReserved int

	state       syncerState
	stopSyncer  chan struct{}
	syncerDone  chan struct{}
}

// New creates a cache that can hold up to capacity attached buffers
// (excluding fsmanaged buffers, which are tracked separately).
func New(hooks Hooks, capacity int) *Cache {
	c := &Cache{
		hooks:      hooks,
		capacity:   capacity,
		index:      make(map[uint64][]*Buffer),
		stopSyncer: make(chan struct{}),
		syncerDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.syncerLoop()
	return c
}

// SetLSNSource wires the cache to the journal so MarkDirty can stamp each
// newly-dirtied buffer with the LSN of its oldest unprotected effect. Must
// be called once during mount, before any mutation is journaled.
func (c *Cache) SetLSNSource(f func() uint64) {
	c.mu.Lock()
	c.lsnSource = f
	c.mu.Unlock()
}

// MinDirtyLowLSN returns the lowest low-LSN stamped on any currently dirty
// buffer, and false if no dirty buffer carries a nonzero low LSN (none
// dirty, or none stamped by an LSN source). The checkpoint thread
// uses this as one of the two bounds on how far the journal can be
// trimmed (spec §4.6).
func (c *Cache) MinDirtyLowLSN() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var min uint64
	found := false
	for nd := c.dirty.head; nd != nil; nd = nd.next {
		if nd.buf.lowLSN == 0 {
			continue
		}
		if !found || nd.buf.lowLSN < min {
			min = nd.buf.lowLSN
			found = true
		}
	}
	return min, found
}

func bucketHash(k Key) uint64 {
	h := xxhash.New64()
	buf := make([]byte, 8)
	buf[0] = byte(k.FS)
	buf[1] = byte(k.FS >> 8)
	buf[2] = byte(k.FS >> 16)
	buf[3] = byte(k.FS >> 24)
	buf[4] = byte(k.Block)
	buf[5] = byte(k.Block >> 8)
	buf[6] = byte(k.Block >> 16)
	buf[7] = byte(k.Block >> 24)
	h.Write(buf)
	return h.Sum64()
}

func (c *Cache) lookupLocked(key Key) *Buffer {
	for _, b := range c.index[bucketHash(key)] {
		if b.attached && b.key == key {
			return b
		}
	}
	return nil
}

// Reserve blocks until a fixed ReservationSize allocation is available.
// Each goroutine driving a filesystem operation must call Reserve exactly
// once before touching the cache, and Unreserve exactly once when done.
// Without this, a set of concurrent operations each holding all but one
// of the buffers they need can deadlock; reserving up front guarantees
// every admitted operation can always make progress.
func (c *Cache) Reserve() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.reserved+ReservationSize > c.capacity {
		c.cond.Wait()
	}
	c.reserved += ReservationSize
}

// Unreserve releases a reservation taken by Reserve.
func (c *Cache) Unreserve() {
	c.mu.Lock()
	c.reserved -= ReservationSize
	c.mu.Unlock()
	c.cond.Broadcast()
}

// ReserveFSManaged reserves room for a long-lived fsmanaged buffer (e.g. a
// journal head). These reservations are global, not per-caller.
func (c *Cache) ReserveFSManaged(count int) {
	c.mu.Lock()
	c.fsmanagedReserved += count
	c.mu.Unlock()
}

// UnreserveFSManaged releases an fsmanaged reservation.
func (c *Cache) UnreserveFSManaged(count int) {
	c.mu.Lock()
	c.fsmanagedReserved -= count
	c.mu.Unlock()
}

// Get returns a busy buffer for (fs, block), creating one if necessary,
// without doing any I/O. fsmanaged buffers are exempt from the
// reservation/eviction/syncer machinery.
func (c *Cache) Get(fs, block uint32, fsmanaged bool) (*Buffer, error) {
	return c.get(fs, block, fsmanaged, false)
}

// Read is like Get but guarantees the returned buffer is valid, reading
// from disk if necessary.
func (c *Cache) Read(fs, block uint32, fsmanaged bool) (*Buffer, error) {
	return c.get(fs, block, fsmanaged, true)
}

func (c *Cache) get(fs, block uint32, fsmanaged, needRead bool) (*Buffer, error) {
	if !fsmanaged {
		c.HelpSyncerIfNeeded()
	}

	key := Key{FS: fs, Block: block}

	for {
		c.mu.Lock()
		buf := c.lookupLocked(key)
		if buf == nil {
			var err error
			buf, err = c.admitLocked(key, fsmanaged)
			if err != nil {
				c.mu.Unlock()
				return nil, wrap("get", err)
			}
		}
		if buf.busy {
			if buf.cond == nil {
				buf.cond = sync.NewCond(&c.mu)
			}
			buf.waiters++
			buf.cond.Wait()
			buf.waiters--
			if !buf.attached || buf.key != key {
				c.mu.Unlock()
				return nil, ErrStale
			}
			c.mu.Unlock()
			continue
		}
		buf.busy = true
		if !buf.fsmanaged && buf.lruElem != nil {
			c.lru.remove(buf.lruElem)
		}
		c.mu.Unlock()

		if needRead && !buf.valid {
			data, err := c.hooks.ReadBlock(fs, block)
			if err != nil {
				c.mu.Lock()
				buf.busy = false
				c.wakeWaitersLocked(buf)
				c.mu.Unlock()
				return nil, wrap("read", err)
			}
			buf.data = data
			buf.valid = true
		}
		return buf, nil
	}
}

// admitLocked creates a fresh buffer for key, evicting if the cache is at
// capacity. c.mu must be held.
func (c *Cache) admitLocked(key Key, fsmanaged bool) (*Buffer, error) {
	var buf *Buffer
	if n := len(c.free); n > 0 {
		buf = c.free[n-1]
		c.free = c.free[:n-1]
		buf.key = key
	} else if !fsmanaged && c.attached >= c.capacity {
		var err error
		buf, err = c.evictLocked()
		if err != nil {
			return nil, err
		}
		buf.key = key
	} else {
		buf = newBlockBuffer(key)
	}

	buf.attached = true
	buf.busy = false
	buf.valid = false
	buf.dirty = false
	buf.fsmanaged = fsmanaged
	buf.fsdata = nil
	buf.lruElem = nil
	buf.dirtyElem = nil

	h := bucketHash(key)
	c.index[h] = append(c.index[h], buf)

	if fsmanaged {
		c.fsCount++
	} else {
		c.attached++
		nd := &lruNode{buf: buf}
		buf.lruElem = nd
		c.lru.pushBack(nd)
	}
	return buf, nil
}

// evictLocked scans the LRU list preferring a clean buffer, falling back
// to the oldest dirty one (written out first). c.mu is held throughout
// except while a dirty victim is written out and while the FS detach
// hook runs, the latter matching spec §4.1's "detach
// runs with the buffer briefly busy and the cache lock dropped".
func (c *Cache) evictLocked() (*Buffer, error) {
	for nd := c.lru.head; nd != nil; nd = nd.next {
		if !nd.buf.busy && !nd.buf.dirty {
			return c.detachLocked(nd)
		}
	}
	for nd := c.lru.head; nd != nil; nd = nd.next {
		if !nd.buf.busy {
			buf := nd.buf
			buf.busy = true
			c.lru.remove(nd)
			c.mu.Unlock()
			err := c.writeoutUnlocked(buf)
			c.mu.Lock()
			buf.busy = false
			c.wakeWaitersLocked(buf)
			if err != nil {
				nd2 := &lruNode{buf: buf}
				buf.lruElem = nd2
				c.lru.pushBack(nd2)
				return nil, err
			}
			return c.detachBuf(buf)
		}
	}
	return nil, ErrNoMemory
}

func (c *Cache) detachLocked(nd *lruNode) (*Buffer, error) {
	buf := nd.buf
	buf.busy = true
	c.lru.remove(nd)
	return c.detachBuf(buf)
}

func (c *Cache) detachBuf(buf *Buffer) (*Buffer, error) {
	fsdata := buf.fsdata
	key := buf.key
	c.removeFromIndexLocked(buf)
	buf.attached = false
	buf.valid = false
	buf.lruElem = nil
	c.attached--

	c.mu.Unlock()
	c.hooks.Detach(key.FS, key.Block, fsdata)
	c.mu.Lock()

	buf.busy = true
	buf.fsdata = nil
	return buf, nil
}

func (c *Cache) removeFromIndexLocked(buf *Buffer) {
	h := bucketHash(buf.key)
	bucket := c.index[h]
	for i, b := range bucket {
		if b == buf {
			bucket[i] = bucket[len(bucket)-1]
			c.index[h] = bucket[:len(bucket)-1]
			break
		}
	}
}

func (c *Cache) wakeWaitersLocked(buf *Buffer) {
	if buf.cond != nil && buf.waiters > 0 {
		buf.cond.Broadcast()
	}
}

// MarkDirty marks a busy buffer dirty, adding it to the dirty list if it
// wasn't already on it.
func (c *Cache) MarkDirty(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !buf.dirty {
		buf.dirty = true
		buf.dirtyAt = time.Now()
		buf.dirtyEpoch++
		if c.lsnSource != nil {
			buf.lowLSN = c.lsnSource()
		}
		nd := &lruNode{buf: buf}
		buf.dirtyElem = nd
		c.dirty.pushBack(nd)
	}
}

// MarkValid marks a busy buffer as holding real data.
func (c *Cache) MarkValid(buf *Buffer) {
	c.mu.Lock()
	buf.valid = true
	c.mu.Unlock()
}

// Release hands a busy buffer back to the cache, optionally invalidating
// it first.
func (c *Cache) Release(buf *Buffer, invalidate bool) {
	c.mu.Lock()
	if invalidate {
		buf.valid = false
	}
	buf.busy = false
	if !buf.fsmanaged {
		nd := &lruNode{buf: buf}
		buf.lruElem = nd
		c.lru.pushBack(nd)
	}
	c.wakeWaitersLocked(buf)
	c.mu.Unlock()
}

// Writeout flushes buf to disk if dirty and clears the dirty flag on
// success. The buffer must be busy.
func (c *Cache) Writeout(buf *Buffer) error {
	if !buf.dirty {
		return nil
	}
	err := c.writeoutUnlocked(buf)
	if err != nil {
		return wrap("writeout", err)
	}
	c.mu.Lock()
	buf.dirty = false
	buf.lowLSN = 0
	if buf.dirtyElem != nil {
		c.dirty.remove(buf.dirtyElem)
		buf.dirtyElem = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) writeoutUnlocked(buf *Buffer) error {
	c.hooks.BeforeWriteBlock(buf.key.FS, buf.key.Block)
	return c.hooks.WriteBlock(buf.key.FS, buf.key.Block, buf.data, buf.fsdata)
}

// ForEachDirty calls f on each dirty buffer, walking the dirty list
// oldest-first, until f returns false.
func (c *Cache) ForEachDirty(f func(buf *Buffer) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for nd := c.dirty.head; nd != nil; nd = nd.next {
		if !f(nd.buf) {
			return
		}
	}
}

// SyncAll writes out every dirty buffer for fs, synchronously. Used at
// the end of recovery and at unmount.
func (c *Cache) SyncAll(fs uint32) error {
	for {
		var target *Buffer
		c.mu.Lock()
		for nd := c.dirty.head; nd != nil; nd = nd.next {
			if nd.buf.key.FS == fs && !nd.buf.busy {
				target = nd.buf
				target.busy = true
				if !target.fsmanaged && target.lruElem != nil {
					c.lru.remove(target.lruElem)
				}
				break
			}
		}
		c.mu.Unlock()
		if target == nil {
			break
		}
		err := c.Writeout(target)
		c.Release(target, false)
		if err != nil {
			return err
		}
	}
	return nil
}

// DropAll invalidates every buffer belonging to fs, for unmount. Any
// dirty buffers must already have been synced.
func (c *Cache) DropAll(fs uint32) {
	c.mu.Lock()
	var toDrop []*Buffer
	for h, bucket := range c.index {
		kept := bucket[:0]
		for _, b := range bucket {
			if b.key.FS == fs {
				toDrop = append(toDrop, b)
			} else {
				kept = append(kept, b)
			}
		}
		c.index[h] = kept
	}
	for _, b := range toDrop {
		if b.lruElem != nil {
			c.lru.remove(b.lruElem)
			c.attached--
		}
		if b.dirtyElem != nil {
			c.dirty.remove(b.dirtyElem)
		}
		b.attached = false
	}
	c.mu.Unlock()
}

// Close stops the background syncer.
func (c *Cache) Close() {
	close(c.stopSyncer)
	<-c.syncerDone
}

func (c *Cache) syncerLoop() {
	defer close(c.syncerDone)
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSyncer:
			return
		case <-ticker.C:
			c.syncCycle()
		}
	}
}

// syncCycle implements spec §4.1's syncer: an LRU sweep and an age sweep,
// updating the normal/under_load/needs_help state from the oldest dirty
// buffer's age.
func (c *Cache) syncCycle() {
	oldest := c.oldestDirtyAge()
	switch {
	case oldest >= needsHelpAge:
		c.state = stateNeedsHelp
	case oldest >= underLoadAge:
		c.state = stateUnderLoad
	default:
		c.state = stateNormal
	}

	const lruSweepCount = 32
	c.sweepLRU(lruSweepCount)
	c.sweepAge(needsHelpAge)

	if c.state == stateNeedsHelp {
		logger.Warnf("buffer cache under sustained write pressure (oldest dirty buffer age=%s)", oldest)
	}
}

func (c *Cache) oldestDirtyAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty.head == nil {
		return 0
	}
	return time.Since(c.dirty.head.buf.dirtyAt)
}

// sweepLRU writes dirty buffers among the n least-recently-used.
func (c *Cache) sweepLRU(n int) {
	var candidates []*Buffer
	c.mu.Lock()
	nd := c.lru.head
	for i := 0; nd != nil && i < n; nd, i = nd.next, i+1 {
		if nd.buf.dirty && !nd.buf.busy {
			candidates = append(candidates, nd.buf)
		}
	}
	c.mu.Unlock()
	for _, buf := range candidates {
		c.tryWriteout(buf)
	}
}

// sweepAge writes buffers whose dirty age exceeds target, oldest first.
func (c *Cache) sweepAge(target time.Duration) {
	var candidates []*Buffer
	c.mu.Lock()
	for nd := c.dirty.head; nd != nil; nd = nd.next {
		if time.Since(nd.buf.dirtyAt) < target {
			break
		}
		if !nd.buf.busy {
			candidates = append(candidates, nd.buf)
		}
	}
	c.mu.Unlock()
	for _, buf := range candidates {
		c.tryWriteout(buf)
	}
}

func (c *Cache) tryWriteout(buf *Buffer) {
	c.mu.Lock()
	if buf.busy {
		c.mu.Unlock()
		return
	}
	buf.busy = true
	c.mu.Unlock()

	if err := c.Writeout(buf); err != nil {
		logger.Errorf("buffer cache: background writeout of block %d failed: %v", buf.key.Block, err)
	}

	c.mu.Lock()
	buf.busy = false
	c.wakeWaitersLocked(buf)
	c.mu.Unlock()
}

// HelpSyncerIfNeeded is called by foreground Get paths; in the
// needs_help state, the calling operation writes out one old dirty
// buffer itself before proceeding, per spec §4.1.
func (c *Cache) HelpSyncerIfNeeded() {
	if c.state != stateNeedsHelp {
		return
	}
	c.mu.Lock()
	var victim *Buffer
	for nd := c.dirty.head; nd != nil; nd = nd.next {
		if !nd.buf.busy {
			victim = nd.buf
			victim.busy = true
			break
		}
	}
	c.mu.Unlock()
	if victim == nil {
		return
	}
	if err := c.Writeout(victim); err != nil {
		logger.Errorf("buffer cache: foreground help writeout failed: %v", err)
	}
	c.mu.Lock()
	victim.busy = false
	c.wakeWaitersLocked(victim)
	c.mu.Unlock()
}

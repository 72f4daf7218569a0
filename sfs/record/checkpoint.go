package record

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/sfs-core/sfs/buffer"
)

// Checkpointer runs the background checkpoint cycle: reap transactions
// known durable, then trim the journal up to the oldest record anything
// live still needs. Mirrors checkpoint_thread/checkpoint in
// sfs_checkpoint.c, but trims to min(buffer low LSN, live-tx low LSN)
// rather than the buffer low LSN alone — see DESIGN.md for why.
type Checkpointer struct {
	cache *buffer.Cache
	set   *TransactionSet
	trim  func(uint64) error

	interval time.Duration
	log      *logrus.Entry

	stop chan struct{}
	done chan struct{}
}

// NewCheckpointer builds a checkpointer. trim is called with the LSN
// below which no journal record is needed any more; in production this is
// (*journal.Container).Trim, wrapped to discard the returned trim-record
// LSN.
func NewCheckpointer(cache *buffer.Cache, set *TransactionSet, trim func(uint64) error, interval time.Duration, log *logrus.Entry) *Checkpointer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Checkpointer{
		cache:    cache,
		set:      set,
		trim:     trim,
		interval: interval,
		log:      log.WithField("component", "checkpoint"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes checkpoint cycles until Stop is called, then runs one
// final checkpoint before returning. Intended to run in its own goroutine.
func (c *Checkpointer) Run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.runOnce()
			return
		case <-ticker.C:
			c.runOnce()
		}
	}
}

// Stop signals the checkpointer to exit and blocks until its final
// checkpoint has completed.
func (c *Checkpointer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Checkpointer) runOnce() {
	bufMin, bufOK := c.cache.MinDirtyLowLSN()

	live := c.set.Live()
	var txMin uint64
	txOK := false
	for _, tx := range live {
		lowest, highest := tx.LSNRange()
		if tx.IsCommitted() && (!bufOK || highest < bufMin) {
			c.set.remove(tx.id)
			continue
		}
		if lowest == 0 {
			continue
		}
		if !txOK || lowest < txMin {
			txMin = lowest
			txOK = true
		}
	}

	trimTo, ok := minOf(bufMin, bufOK, txMin, txOK)
	if !ok {
		return
	}
	if err := c.trim(trimTo); err != nil {
		c.log.WithError(err).Warn("checkpoint trim failed")
	}
}

func minOf(a uint64, aOK bool, b uint64, bOK bool) (uint64, bool) {
	switch {
	case aOK && bOK:
		if a < b {
			return a, true
		}
		return b, true
	case aOK:
		return a, true
	case bOK:
		return b, true
	default:
		return 0, false
	}
}

// Package ack tracks outstanding needs-acknowledgment message IDs across
// all sessions. This is diagnostic bookkeeping only: nothing in message
// delivery waits on it, and a failure here never blocks a forward.
package ack

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	// defaultStaleCeiling is how old an unacknowledged entry may get before
	// the sweep reports it as leaked and drops it. Leaked entries are not
	// retried.
	defaultStaleCeiling = 5 * time.Minute

	// defaultSweepInterval is how often the background sweep runs.
	defaultSweepInterval = 30 * time.Second

	// slowAckThreshold marks acknowledgments worth logging as outliers.
	slowAckThreshold = 10 * time.Second
)

// Tracker issues message IDs for outbound messages requiring
// acknowledgment and remembers when each was created.
type Tracker struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]time.Time

	staleCeiling  time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	done          chan struct{}
	closeOnce     sync.Once
}

// NewTracker creates a tracker and starts its background sweep goroutine.
// Call Close when the tracker is no longer needed.
func NewTracker() *Tracker {
	t := &Tracker{
		nextID:        1,
		pending:       make(map[uint32]time.Time),
		staleCeiling:  defaultStaleCeiling,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Next issues a fresh monotonically increasing message ID and records its
// creation time.
func (t *Tracker) Next() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.pending[id] = t.now()
	return id
}

// Acknowledge removes id from the pending set. Unknown IDs (already swept,
// or duplicated acks) are logged and ignored. Outliers past the slow-ack
// threshold are logged with their age.
func (t *Tracker) Acknowledge(id uint32) {
	t.mu.Lock()
	created, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	now := t.now()
	t.mu.Unlock()

	if !ok {
		log.WithField("msg_id", id).Debug("ack for unknown message id")
		return
	}
	if age := now.Sub(created); age > slowAckThreshold {
		log.WithField("msg_id", id).WithField("age", age.String()).Warn("slow acknowledgment")
	}
}

// Outstanding reports how many message IDs await acknowledgment.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops the background sweep.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

// sweep drops entries older than the stale ceiling, logging each as leaked.
func (t *Tracker) sweep() {
	t.mu.Lock()
	now := t.now()
	var leaked []uint32
	for id, created := range t.pending {
		if now.Sub(created) > t.staleCeiling {
			leaked = append(leaked, id)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, id := range leaked {
		log.WithField("msg_id", id).Warn("dropping never-acknowledged message id")
	}
}

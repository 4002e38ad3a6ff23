// Package timer schedules one-shot and recurring callbacks for the relay.
// It owns no thread of its own: the connection dispatcher derives its poll
// timeout from NextDueIn and fires due entries on each wakeup, so callbacks
// always run on a dispatcher-controlled goroutine.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Callback runs when a timer fires. It must not call back into the Service
// holding locks of its own that a Schedule/Cancel caller might hold.
type Callback func()

// Key identifies a scheduled timer for cancellation. Callers supply any
// comparable value; scheduling an existing key replaces the old entry.
type Key interface{}

type entry struct {
	key      Key
	due      time.Time
	interval time.Duration // zero for one-shot
	fn       Callback
	index    int
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service is a thread-safe timer registry.
type Service struct {
	mu      sync.Mutex
	heap    entryHeap
	entries map[Key]*entry
	now     func() time.Time
}

func NewService() *Service {
	return &Service{
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// Schedule arms a timer firing after the given delay, keyed for later
// cancellation. A non-zero interval re-arms the timer after each firing.
// An existing timer under the same key is replaced.
func (s *Service) Schedule(key Key, after, interval time.Duration, fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		old.canceled = true
		delete(s.entries, key)
	}
	e := &entry{
		key:      key,
		due:      s.now().Add(after),
		interval: interval,
		fn:       fn,
	}
	s.entries[key] = e
	heap.Push(&s.heap, e)
}

// Cancel removes the timer under key. Canceling an unknown key is a no-op.
func (s *Service) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.canceled = true
		delete(s.entries, key)
	}
}

// NextDueIn reports how long until the earliest pending timer fires. The
// second return is false when nothing is scheduled.
func (s *Service) NextDueIn() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCanceled()
	if s.heap.Len() == 0 {
		return 0, false
	}
	d := s.heap[0].due.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// FireDue runs every callback whose due time has passed and returns how many
// fired. Recurring entries are re-armed before their callback runs, so a
// callback canceling its own key suppresses the next firing. Callbacks run
// without the service lock held.
func (s *Service) FireDue() int {
	var fire []*entry

	s.mu.Lock()
	now := s.now()
	for {
		s.dropCanceled()
		if s.heap.Len() == 0 || s.heap[0].due.After(now) {
			break
		}
		e := heap.Pop(&s.heap).(*entry)
		if e.interval > 0 {
			next := &entry{
				key:      e.key,
				due:      now.Add(e.interval),
				interval: e.interval,
				fn:       e.fn,
			}
			s.entries[e.key] = next
			heap.Push(&s.heap, next)
		} else {
			delete(s.entries, e.key)
		}
		fire = append(fire, e)
	}
	s.mu.Unlock()

	for _, e := range fire {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("timer_key", e.key).Errorf("panic in timer callback: %v", r)
				}
			}()
			e.fn()
		}()
	}
	return len(fire)
}

// Pending reports how many live timers are scheduled.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCanceled()
	return len(s.entries)
}

// dropCanceled pops canceled entries sitting at the heap top. Canceled
// entries elsewhere in the heap are skipped lazily when they surface.
// Caller holds s.mu.
func (s *Service) dropCanceled() {
	for s.heap.Len() > 0 && s.heap[0].canceled {
		heap.Pop(&s.heap)
	}
}

// Package session holds the per-game state machine. One Session represents
// one multi-party game: its admitted devices, its private event queue, and
// the finite-state machine that drives admission, forwarding, disconnection
// and teardown.
//
// Locking discipline: every entry point other than LockValid/Unlock assumes
// the caller holds the session lock, normally through a registry guard.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-gamerelay/lib/relay/ack"
	"github.com/go-i2p/go-gamerelay/lib/relay/storage"
	"github.com/go-i2p/go-gamerelay/lib/relay/timer"
	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

var log = logger.GetGoI2PLogger()

// Config carries the tunables one session needs.
type Config struct {
	// HeartbeatSeconds is reported to devices in admission responses; a
	// device missing two full intervals is considered gone.
	HeartbeatSeconds uint16
	// ConnTimeout bounds how long a session may wait for its full party.
	ConnTimeout time.Duration
	// AckTimeout bounds how long an admission may stay unacknowledged.
	AckTimeout time.Duration
}

// Deps are the collaborators a session calls out to. Post delivers an event
// back to this session later, through the registry's guard path, and is the
// only way timer callbacks may touch session state.
type Deps struct {
	Gateway storage.Gateway
	Timers  *timer.Service
	Acks    *ack.Tracker
	Post    func(sid wire.SessionID, ev Event)
	Config  Config
}

// HostRecord is one admitted device.
type HostRecord struct {
	HostID        wire.HostID
	Endpoint      Endpoint
	LocalPlayers  uint8
	Seed          wire.Seed
	LastHeartbeat time.Time
	AckPending    bool
	ackMsgID      uint32
}

// Session is one game. Zero value is not usable; construct with New and
// initialize with Reinit (the registry does both).
type Session struct {
	mu  sync.Mutex
	gen atomic.Uint64

	deps Deps
	ctx  context.Context
	now  func() time.Time

	id       wire.SessionID
	cookie   string
	connName string
	lang     uint8
	public   bool

	state State
	dead  bool

	events   *queue.Queue
	draining bool

	hosts           map[wire.HostID]*HostRecord
	playersExpected uint8
	playersHere     uint8
	pendingAcks     int
}

// New constructs an uninitialized session. ctx bounds its persistence calls.
func New(ctx context.Context, deps Deps) *Session {
	return &Session{
		deps:   deps,
		ctx:    ctx,
		now:    time.Now,
		events: queue.New(),
		hosts:  make(map[wire.HostID]*HostRecord),
	}
}

// Reinit binds a (new or recycled) session to a game's identity. Caller
// holds the lock, or owns the session exclusively.
func (s *Session) Reinit(meta storage.SessionMeta) {
	s.id = meta.SessionID
	s.cookie = meta.Cookie
	s.connName = meta.ConnName
	s.lang = meta.Lang
	s.public = meta.Public
	s.state = StateEmpty
	s.dead = false
	s.playersExpected = meta.TotalPlayers
	s.playersHere = 0
	s.pendingAcks = 0
	log.WithField("session", s.id).WithField("conn_name", s.connName).
		Debug("session initialized")
}

// Clear wipes all state for return to the free list and bumps the
// generation so stale guards fail validation. Caller holds the lock and
// relinquishes ownership to the registry afterwards.
func (s *Session) Clear() {
	s.cancelConnTimer()
	s.cancelHeartSweep()
	for hid := range s.hosts {
		s.cancelAckTimer(hid)
	}
	s.id = 0
	s.cookie = ""
	s.connName = ""
	s.lang = 0
	s.public = false
	s.state = StateEmpty
	s.dead = false
	s.hosts = make(map[wire.HostID]*HostRecord)
	s.playersExpected = 0
	s.playersHere = 0
	s.pendingAcks = 0
	s.events = queue.New()
	s.gen.Add(1)
}

// Gen snapshots the recycle generation for later LockValid.
func (s *Session) Gen() uint64 { return s.gen.Load() }

// LockValid acquires the session lock, then verifies the session was not
// recycled while the caller was blocked on it. On false the lock is already
// released and the caller must re-resolve.
func (s *Session) LockValid(gen uint64) bool {
	s.mu.Lock()
	if s.gen.Load() != gen {
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Session) Unlock() { s.mu.Unlock() }

// Accessors below assume the lock is held.

func (s *Session) ID() wire.SessionID   { return s.id }
func (s *Session) ConnName() string     { return s.connName }
func (s *Session) Cookie() string       { return s.cookie }
func (s *Session) State() State         { return s.state }
func (s *Session) Dead() bool           { return s.dead }
func (s *Session) HostCount() int       { return len(s.hosts) }
func (s *Session) PlayersHere() uint8   { return s.playersHere }
func (s *Session) PlayersWanted() uint8 { return s.playersExpected }

// HasEndpoint reports whether the endpoint currently belongs to this
// session.
func (s *Session) HasEndpoint(epID int64) bool {
	return s.hostByEndpoint(epID) != nil
}

// SeedKnown reports whether any admitted device carries seed.
func (s *Session) SeedKnown(seed wire.Seed) bool {
	for _, hr := range s.hosts {
		if hr.Seed == seed {
			return true
		}
	}
	return false
}

// Host returns the record in slot hid, or nil.
func (s *Session) Host(hid wire.HostID) *HostRecord {
	return s.hosts[hid]
}

// Push appends an event to the session's private queue without processing
// it. Events affecting one session are processed in arrival order because
// only the lock holder may drain.
func (s *Session) Push(ev Event) {
	s.events.Add(ev)
}

// Drain processes queued events until the queue is empty. Handlers may push
// further events; those are processed in the same drain. A nested Drain
// from the same lock holder is a no-op: the outer drain finishes the queue.
func (s *Session) Drain() {
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()

	for s.events.Length() > 0 {
		ev := s.events.Remove().(Event)
		kind := ev.EventKind()
		act, ok := transitions[transKey{s.state, kind}]
		if !ok {
			// Peer defect or stale timer. Never fatal.
			log.WithField("session", s.id).WithField("state", s.state.String()).
				WithField("event", kind.String()).Warn("dropping event with no legal transition")
			continue
		}
		before := s.state
		act(s, ev)
		if s.state != before {
			log.WithField("session", s.id).WithField("event", kind.String()).
				Debugf("state %s -> %s", before, s.state)
		}
	}
}

// Handle pushes one event and drains: the common path for a guard holder.
func (s *Session) Handle(ev Event) {
	s.Push(ev)
	s.Drain()
}

// Status is a monitoring snapshot.
type Status struct {
	SessionID       wire.SessionID
	ConnName        string
	State           State
	Hosts           int
	PlayersHere     uint8
	PlayersExpected uint8
}

// Snapshot captures the session for monitoring. Caller holds the lock.
func (s *Session) Snapshot() Status {
	return Status{
		SessionID:       s.id,
		ConnName:        s.connName,
		State:           s.state,
		Hosts:           len(s.hosts),
		PlayersHere:     s.playersHere,
		PlayersExpected: s.playersExpected,
	}
}

// timer keys: session IDs are process-unique, so these cannot collide
// across recycles.

type connTimerKey struct{ sid wire.SessionID }
type heartTimerKey struct{ sid wire.SessionID }
type ackTimerKey struct {
	sid wire.SessionID
	hid wire.HostID
}

func (s *Session) armConnTimer() {
	sid := s.id
	post := s.deps.Post
	s.deps.Timers.Schedule(connTimerKey{sid}, s.deps.Config.ConnTimeout, 0, func() {
		post(sid, ConnTimeoutEvent{})
	})
}

func (s *Session) cancelConnTimer() {
	s.deps.Timers.Cancel(connTimerKey{s.id})
}

func (s *Session) armHeartSweep() {
	sid := s.id
	post := s.deps.Post
	interval := time.Duration(s.deps.Config.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		return
	}
	s.deps.Timers.Schedule(heartTimerKey{sid}, interval, interval, func() {
		post(sid, heartSweepEvent{})
	})
}

func (s *Session) cancelHeartSweep() {
	s.deps.Timers.Cancel(heartTimerKey{s.id})
}

func (s *Session) armAckTimer(hid wire.HostID) {
	sid := s.id
	post := s.deps.Post
	s.deps.Timers.Schedule(ackTimerKey{sid, hid}, s.deps.Config.AckTimeout, 0, func() {
		post(sid, AckTimeoutEvent{HostID: hid})
	})
}

func (s *Session) cancelAckTimer(hid wire.HostID) {
	s.deps.Timers.Cancel(ackTimerKey{s.id, hid})
}

func (s *Session) hostByEndpoint(epID int64) *HostRecord {
	for _, hr := range s.hosts {
		if hr.Endpoint != nil && hr.Endpoint.ID() == epID {
			return hr
		}
	}
	return nil
}

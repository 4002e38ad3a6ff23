package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-gamerelay/lib/relay/session"
	"github.com/go-i2p/go-gamerelay/lib/relay/storage"
	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

var log = logger.GetGoI2PLogger()

// ErrNoSuchSession rejects a reconnect naming a session that does not exist
// or is already dead.
var ErrNoSuchSession = oops.Errorf("no such session")

// Registry owns every live session and the recycle pool. The persistence
// gateway is the source of truth for matchmaking; the registry keeps the
// in-process objects attached to the durable rows.
type Registry struct {
	mu     sync.Mutex
	bySID  map[wire.SessionID]*session.Session
	byName map[string]*session.Session
	free   []*session.Session
	nextID wire.SessionID

	// Endpoint associations live under their own lock so transport
	// bookkeeping never contends with session resolution.
	epMu       sync.Mutex
	byEndpoint map[int64]wire.SessionID

	ctx        context.Context
	deps       session.Deps
	serverName string
	nameSeq    uint64
}

// New builds an empty registry. deps is the template every session is
// constructed with; serverName prefixes generated connNames.
func New(ctx context.Context, deps session.Deps, serverName string) *Registry {
	return &Registry{
		bySID:      make(map[wire.SessionID]*session.Session),
		byName:     make(map[string]*session.Session),
		byEndpoint: make(map[int64]wire.SessionID),
		ctx:        ctx,
		deps:       deps,
		serverName: serverName,
	}
}

// ForConnect resolves the session a first-time device belongs in: an open
// session matching its game criteria, or a newly created one. Lookup and
// create run under one lock so racing devices with the same criteria cannot
// both miss and split one game across two sessions.
func (r *Registry) ForConnect(ctx context.Context, cookie string, lang uint8, totalPlayers, localPlayers uint8, public bool) (*Guard, error) {
	for {
		r.mu.Lock()
		meta, err := r.deps.Gateway.FindOpenSession(ctx, cookie, lang, totalPlayers, localPlayers, public)
		if err != nil {
			r.mu.Unlock()
			return nil, oops.Errorf("finding open session: %w", err)
		}

		var s *session.Session
		if meta != nil {
			s = r.byName[meta.ConnName]
			if s == nil {
				s = r.attachLocked(*meta)
			}
		} else {
			s, err = r.createLocked(ctx, cookie, lang, totalPlayers, public)
			if err != nil {
				r.mu.Unlock()
				return nil, err
			}
		}
		gen := s.Gen()
		r.mu.Unlock()

		if g := r.acquire(s, gen); g != nil {
			if g.Session().Dead() {
				// Died while we waited for its lock; Release recycles it
				// and the next pass resolves fresh.
				g.Release()
				continue
			}
			return g, nil
		}
		// Recycled between resolution and lock; resolve again.
	}
}

// ForReconnect resolves the named session for a returning device. The
// durable row may outlive the in-process object; a reconnect revives it.
func (r *Registry) ForReconnect(ctx context.Context, connName string) (*Guard, error) {
	for {
		r.mu.Lock()
		s := r.byName[connName]
		if s == nil {
			meta, err := r.deps.Gateway.FindSessionByName(ctx, connName)
			if err != nil {
				r.mu.Unlock()
				return nil, oops.Errorf("finding session %q: %w", connName, err)
			}
			if meta == nil || meta.Dead {
				r.mu.Unlock()
				return nil, ErrNoSuchSession
			}
			s = r.attachLocked(*meta)
		}
		gen := s.Gen()
		r.mu.Unlock()

		if g := r.acquire(s, gen); g != nil {
			if g.Session().Dead() {
				g.Release()
				return nil, ErrNoSuchSession
			}
			return g, nil
		}
	}
}

// ForSessionID locks the identified session if it is still live.
func (r *Registry) ForSessionID(sid wire.SessionID) (*Guard, bool) {
	for {
		r.mu.Lock()
		s, ok := r.bySID[sid]
		if !ok {
			r.mu.Unlock()
			return nil, false
		}
		gen := s.Gen()
		r.mu.Unlock()

		if g := r.acquire(s, gen); g != nil {
			return g, true
		}
	}
}

// ForEndpoint locks the session the endpoint is associated with.
func (r *Registry) ForEndpoint(epID int64) (*Guard, bool) {
	r.epMu.Lock()
	sid, ok := r.byEndpoint[epID]
	r.epMu.Unlock()
	if !ok {
		return nil, false
	}
	return r.ForSessionID(sid)
}

// Associate records which session an endpoint's traffic belongs to.
func (r *Registry) Associate(epID int64, sid wire.SessionID) {
	r.epMu.Lock()
	r.byEndpoint[epID] = sid
	r.epMu.Unlock()
}

// Dissociate forgets an endpoint. Harmless when unknown.
func (r *Registry) Dissociate(epID int64) {
	r.epMu.Lock()
	delete(r.byEndpoint, epID)
	r.epMu.Unlock()
}

// EndpointSession reports the association without locking the session.
func (r *Registry) EndpointSession(epID int64) (wire.SessionID, bool) {
	r.epMu.Lock()
	sid, ok := r.byEndpoint[epID]
	r.epMu.Unlock()
	return sid, ok
}

// SessionIDs snapshots the live session set.
func (r *Registry) SessionIDs() []wire.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.SessionID, 0, len(r.bySID))
	for sid := range r.bySID {
		out = append(out, sid)
	}
	return out
}

// Snapshot collects a status line per live session, for operator output.
func (r *Registry) Snapshot() []session.Status {
	out := make([]session.Status, 0)
	for _, sid := range r.SessionIDs() {
		g, ok := r.ForSessionID(sid)
		if !ok {
			continue
		}
		out = append(out, g.Session().Snapshot())
		g.Release()
	}
	return out
}

// Count reports how many sessions are live.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySID)
}

// acquire locks s and validates it was not recycled while the caller was
// blocked on the lock. Nil means the caller must re-resolve.
func (r *Registry) acquire(s *session.Session, gen uint64) *Guard {
	if !s.LockValid(gen) {
		return nil
	}
	return &Guard{reg: r, sess: s}
}

// attachLocked binds a durable row to an in-process session. Caller holds
// r.mu.
func (r *Registry) attachLocked(meta storage.SessionMeta) *session.Session {
	s := r.takeLocked()
	s.Reinit(meta)
	r.bySID[meta.SessionID] = s
	r.byName[meta.ConnName] = s
	return s
}

// createLocked allocates identity for a brand-new session and persists its
// row. Caller holds r.mu.
func (r *Registry) createLocked(ctx context.Context, cookie string, lang uint8, totalPlayers uint8, public bool) (*session.Session, error) {
	meta := storage.SessionMeta{
		SessionID:    r.allocIDLocked(),
		Cookie:       cookie,
		Lang:         lang,
		TotalPlayers: totalPlayers,
		Public:       public,
	}
	// A generated name can collide with a dead row left by an earlier run;
	// keep counting past those.
	for attempt := 0; ; attempt++ {
		meta.ConnName = r.nextConnNameLocked()
		err := r.deps.Gateway.CreateSession(ctx, meta)
		if err == nil {
			break
		}
		if attempt >= 4 {
			return nil, oops.Errorf("creating session %q: %w", meta.ConnName, err)
		}
	}
	log.WithField("session", meta.SessionID).WithField("conn_name", meta.ConnName).
		WithField("total_players", meta.TotalPlayers).Info("session created")
	return r.attachLocked(meta), nil
}

// takeLocked pops a recycled session or builds a fresh one. Caller holds
// r.mu.
func (r *Registry) takeLocked() *session.Session {
	if n := len(r.free); n > 0 {
		s := r.free[n-1]
		r.free = r.free[:n-1]
		return s
	}
	return session.New(r.ctx, r.deps)
}

// allocIDLocked hands out the next unused session id, skipping zero and
// live ids across uint16 wraparound. Caller holds r.mu.
func (r *Registry) allocIDLocked() wire.SessionID {
	for {
		r.nextID++
		if r.nextID == 0 {
			continue
		}
		if _, inUse := r.bySID[r.nextID]; !inUse {
			return r.nextID
		}
	}
}

// nextConnNameLocked generates the durable session name devices reconnect
// by. Caller holds r.mu.
func (r *Registry) nextConnNameLocked() string {
	for {
		r.nameSeq++
		name := fmt.Sprintf("%s:%d", r.serverName, r.nameSeq)
		if _, taken := r.byName[name]; taken {
			continue
		}
		if meta, err := r.deps.Gateway.FindSessionByName(r.ctx, name); err == nil && meta != nil {
			// Leftover row from an earlier run; keep counting.
			continue
		}
		return name
	}
}

// recycle detaches a dead session and returns it to the free list. A
// session revived between the caller's release and this lock is left alone.
func (r *Registry) recycle(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := s.Gen()
	if !s.LockValid(gen) {
		return
	}
	if !s.Dead() {
		s.Unlock()
		return
	}

	sid := s.ID()
	name := s.ConnName()
	delete(r.bySID, sid)
	delete(r.byName, name)
	s.Clear()
	s.Unlock()
	r.free = append(r.free, s)

	r.epMu.Lock()
	for epID, owner := range r.byEndpoint {
		if owner == sid {
			delete(r.byEndpoint, epID)
		}
	}
	r.epMu.Unlock()

	log.WithField("session", sid).WithField("conn_name", name).Debug("session recycled")
}

// Shutdown pushes a shutdown through every live session so each device gets
// a disconnect before the process exits.
func (r *Registry) Shutdown() {
	for _, sid := range r.SessionIDs() {
		g, ok := r.ForSessionID(sid)
		if !ok {
			continue
		}
		g.Handle(session.ShutdownEvent{})
		g.Release()
	}
}

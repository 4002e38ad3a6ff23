package storage

import (
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

// MemoryGateway is a map-backed Gateway for tests and ephemeral
// deployments. Semantics mirror the SQLite implementation.
type MemoryGateway struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	order    []string // creation order, for FindOpenSession determinism
	messages map[int64]*StoredMessage
	byDest   map[string]map[wire.HostID][]int64
	nextMsg  int64
}

type memSession struct {
	meta    SessionMeta
	devices map[wire.HostID]*memDevice
}

type memDevice struct {
	players   uint8
	seed      wire.Seed
	ackd      bool
	bytesSent int64
}

var _ Gateway = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		sessions: make(map[string]*memSession),
		messages: make(map[int64]*StoredMessage),
		byDest:   make(map[string]map[wire.HostID][]int64),
		nextMsg:  1,
	}
}

func (g *MemoryGateway) FindOpenSession(_ context.Context, cookie string, lang uint8, totalPlayers, localPlayers uint8, public bool) (*SessionMeta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range g.order {
		s, ok := g.sessions[name]
		if !ok || s.meta.Dead {
			continue
		}
		if s.meta.Cookie != cookie || s.meta.Lang != lang ||
			s.meta.TotalPlayers != totalPlayers || s.meta.Public != public {
			continue
		}
		if int(s.playersHere())+int(localPlayers) > int(s.meta.TotalPlayers) {
			continue
		}
		meta := s.meta
		meta.PlayersHere = s.playersHere()
		return &meta, nil
	}
	return nil, nil
}

func (g *MemoryGateway) FindSessionByName(_ context.Context, connName string) (*SessionMeta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[connName]
	if !ok || s.meta.Dead {
		return nil, nil
	}
	meta := s.meta
	meta.PlayersHere = s.playersHere()
	return &meta, nil
}

func (g *MemoryGateway) CreateSession(_ context.Context, meta SessionMeta) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.sessions[meta.ConnName]; exists {
		return oops.Errorf("session %q already exists", meta.ConnName)
	}
	g.sessions[meta.ConnName] = &memSession{
		meta:    meta,
		devices: make(map[wire.HostID]*memDevice),
	}
	g.order = append(g.order, meta.ConnName)
	return nil
}

func (g *MemoryGateway) KillSession(_ context.Context, connName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[connName]; ok {
		s.meta.Dead = true
	}
	return nil
}

func (g *MemoryGateway) AddDevice(_ context.Context, connName string, hid wire.HostID, playerCount uint8, seed wire.Seed) (wire.HostID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[connName]
	if !ok {
		return wire.HostNone, oops.Errorf("no session %q", connName)
	}
	if hid == wire.HostNone {
		hid = wire.HostDesignated
		for {
			if _, used := s.devices[hid]; !used {
				break
			}
			hid++
		}
	}
	// An explicit slot may carry a row from the device's previous life;
	// reconnecting reclaims it.
	s.devices[hid] = &memDevice{players: playerCount, seed: seed}
	return hid, nil
}

func (g *MemoryGateway) RemoveDevice(_ context.Context, connName string, hid wire.HostID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[connName]; ok {
		delete(s.devices, hid)
	}
	return nil
}

func (g *MemoryGateway) SetDeviceAckd(_ context.Context, connName string, hid wire.HostID, ackd bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[connName]; ok {
		if d, ok := s.devices[hid]; ok {
			d.ackd = ackd
		}
	}
	return nil
}

func (g *MemoryGateway) RecordBytesSent(_ context.Context, connName string, hid wire.HostID, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[connName]; ok {
		if d, ok := s.devices[hid]; ok {
			d.bytesSent += int64(n)
		}
	}
	return nil
}

func (g *MemoryGateway) SessionIsFull(_ context.Context, connName string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[connName]
	if !ok {
		return false, nil
	}
	return s.meta.TotalPlayers > 0 && s.playersHere() >= s.meta.TotalPlayers, nil
}

func (g *MemoryGateway) StoreMessage(_ context.Context, connName string, src, dest wire.HostID, body []byte) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextMsg
	g.nextMsg++
	stored := make([]byte, len(body))
	copy(stored, body)
	g.messages[id] = &StoredMessage{ID: id, ConnName: connName, SrcHost: src, DestHost: dest, Body: stored}
	if g.byDest[connName] == nil {
		g.byDest[connName] = make(map[wire.HostID][]int64)
	}
	g.byDest[connName][dest] = append(g.byDest[connName][dest], id)
	return id, nil
}

func (g *MemoryGateway) FetchOldestMessage(_ context.Context, connName string, dest wire.HostID) (*StoredMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.byDest[connName][dest] {
		if msg, ok := g.messages[id]; ok {
			out := *msg
			out.Body = append([]byte(nil), msg.Body...)
			return &out, nil
		}
	}
	return nil, nil
}

func (g *MemoryGateway) RemoveMessage(_ context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := g.messages[id]
	if !ok {
		return nil
	}
	delete(g.messages, id)
	queue := g.byDest[msg.ConnName][msg.DestHost]
	for i, qid := range queue {
		if qid == id {
			g.byDest[msg.ConnName][msg.DestHost] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	return nil
}

func (g *MemoryGateway) Close() error { return nil }

// playersHere sums per-device player counts. Caller holds g.mu.
func (s *memSession) playersHere() uint8 {
	var here uint8
	for _, d := range s.devices {
		here += d.players
	}
	return here
}

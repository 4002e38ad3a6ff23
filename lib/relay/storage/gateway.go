// Package storage is the durable side of the relay: session metadata,
// per-device bookkeeping, and the store-and-forward message queue. The core
// only ever talks to the Gateway interface; the SQLite implementation is
// the production backend and the in-memory one serves tests.
package storage

import (
	"context"

	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

// SessionMeta is the durable record of one session.
type SessionMeta struct {
	SessionID    wire.SessionID
	ConnName     string
	Cookie       string
	Lang         uint8
	TotalPlayers uint8
	PlayersHere  uint8
	Public       bool
	Dead         bool
}

// StoredMessage is one queued payload awaiting an offline destination. The
// source host rides along so redelivery names the real sender.
type StoredMessage struct {
	ID       int64
	ConnName string
	SrcHost  wire.HostID
	DestHost wire.HostID
	Body     []byte
}

// Gateway is the persistence contract the relay core depends on.
//
// AddDevice with wire.HostNone asks the store to assign the lowest unused
// host identifier; an explicit identifier reclaims that slot, replacing any
// row a previous life of the device left behind. Messages are drained
// oldest-first and removed only after a confirmed send.
type Gateway interface {
	// FindOpenSession returns a still-filling session matching the
	// admission criteria, or nil when none exists.
	FindOpenSession(ctx context.Context, cookie string, lang uint8, totalPlayers, localPlayers uint8, public bool) (*SessionMeta, error)
	// FindSessionByName returns the session holding connName, or nil.
	FindSessionByName(ctx context.Context, connName string) (*SessionMeta, error)
	CreateSession(ctx context.Context, meta SessionMeta) error
	// KillSession marks the session dead; dead sessions never match
	// FindOpenSession or FindSessionByName.
	KillSession(ctx context.Context, connName string) error

	AddDevice(ctx context.Context, connName string, hid wire.HostID, playerCount uint8, seed wire.Seed) (wire.HostID, error)
	RemoveDevice(ctx context.Context, connName string, hid wire.HostID) error
	// SetDeviceAckd flips the admission-acknowledged flag.
	SetDeviceAckd(ctx context.Context, connName string, hid wire.HostID, ackd bool) error
	RecordBytesSent(ctx context.Context, connName string, hid wire.HostID, n int) error
	// SessionIsFull reports whether the represented player count has
	// reached the declared total.
	SessionIsFull(ctx context.Context, connName string) (bool, error)

	StoreMessage(ctx context.Context, connName string, src, dest wire.HostID, body []byte) (int64, error)
	// FetchOldestMessage returns the oldest stored message for dest, or
	// nil when the queue is empty.
	FetchOldestMessage(ctx context.Context, connName string, dest wire.HostID) (*StoredMessage, error)
	RemoveMessage(ctx context.Context, id int64) error

	Close() error
}

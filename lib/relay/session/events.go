package session

import "github.com/go-i2p/go-gamerelay/lib/relay/wire"

// Kind tags an event for the transition table.
type Kind int

const (
	KindConnect Kind = iota
	KindReconnect
	KindAck
	KindAckTimeout
	KindDisconnect
	KindDeviceGone
	KindForward
	KindEndpointRemoved
	KindHeartbeat
	KindHeartbeatFailed
	KindAllHere
	KindConnTimeout
	KindShutdown
	// kindHeartSweep drives the periodic staleness scan; internal only.
	kindHeartSweep
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindReconnect:
		return "reconnect"
	case KindAck:
		return "ack"
	case KindAckTimeout:
		return "ack_timeout"
	case KindDisconnect:
		return "disconnect"
	case KindDeviceGone:
		return "device_gone"
	case KindForward:
		return "forward"
	case KindEndpointRemoved:
		return "endpoint_removed"
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatFailed:
		return "heartbeat_failed"
	case KindAllHere:
		return "all_here"
	case KindConnTimeout:
		return "conn_timeout"
	case KindShutdown:
		return "shutdown"
	case kindHeartSweep:
		return "heart_sweep"
	default:
		return "unknown"
	}
}

// Event is one unit of work on a session's private queue. Each event kind
// is its own type; no field is shared across kinds.
type Event interface {
	EventKind() Kind
}

// ConnectEvent is a first-time admission attempt.
type ConnectEvent struct {
	Endpoint     Endpoint
	Cookie       string
	Seed         wire.Seed
	LocalPlayers uint8
	TotalPlayers uint8
	Lang         uint8
	Public       bool
}

func (ConnectEvent) EventKind() Kind { return KindConnect }

// ReconnectEvent re-admits a device into a named session. HostID may be
// wire.HostNone when the device lost its slot assignment.
type ReconnectEvent struct {
	Endpoint     Endpoint
	Cookie       string
	HostID       wire.HostID
	Seed         wire.Seed
	LocalPlayers uint8
	TotalPlayers uint8
	Lang         uint8
	Public       bool
}

func (ReconnectEvent) EventKind() Kind { return KindReconnect }

// AckEvent confirms a device received its admission response.
type AckEvent struct {
	HostID wire.HostID
}

func (AckEvent) EventKind() Kind { return KindAck }

// AckTimeoutEvent fires when an admission was never acknowledged.
type AckTimeoutEvent struct {
	HostID wire.HostID
}

func (AckTimeoutEvent) EventKind() Kind { return KindAckTimeout }

// DisconnectEvent is a device leaving on purpose.
type DisconnectEvent struct {
	HostID wire.HostID
}

func (DisconnectEvent) EventKind() Kind { return KindDisconnect }

// DeviceGoneEvent marks a device permanently gone (reported by an outside
// authority rather than a socket error); its slot is released without a
// reconnect window.
type DeviceGoneEvent struct {
	HostID wire.HostID
}

func (DeviceGoneEvent) EventKind() Kind { return KindDeviceGone }

// ForwardEvent carries one opaque payload from SrcHost to DestHost.
type ForwardEvent struct {
	SrcHost  wire.HostID
	DestHost wire.HostID
	Body     []byte
}

func (ForwardEvent) EventKind() Kind { return KindForward }

// EndpointRemovedEvent reports a transport-level loss (read error, hangup,
// forced kill) of one endpoint.
type EndpointRemovedEvent struct {
	EndpointID int64
}

func (EndpointRemovedEvent) EventKind() Kind { return KindEndpointRemoved }

// HeartbeatEvent records a keepalive from a device.
type HeartbeatEvent struct {
	HostID     wire.HostID
	EndpointID int64
}

func (HeartbeatEvent) EventKind() Kind { return KindHeartbeat }

// HeartbeatFailedEvent fires when a device has not been heard from within
// the heartbeat window.
type HeartbeatFailedEvent struct {
	HostID wire.HostID
}

func (HeartbeatFailedEvent) EventKind() Kind { return KindHeartbeatFailed }

// AllHereEvent is synthesized when the expected player count is met with no
// acknowledgment outstanding.
type AllHereEvent struct{}

func (AllHereEvent) EventKind() Kind { return KindAllHere }

// ConnTimeoutEvent fires when a session failed to fill in time.
type ConnTimeoutEvent struct{}

func (ConnTimeoutEvent) EventKind() Kind { return KindConnTimeout }

// ShutdownEvent tears the session down during relay shutdown.
type ShutdownEvent struct{}

func (ShutdownEvent) EventKind() Kind { return KindShutdown }

// heartSweepEvent scans admitted devices for missed heartbeats.
type heartSweepEvent struct{}

func (heartSweepEvent) EventKind() Kind { return kindHeartSweep }

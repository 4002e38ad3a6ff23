package wire

// SessionID is a transient numeric identifier for a session, valid only
// while the relay process holding it is running.
type SessionID uint16

// HostID identifies one device's slot within a session. Slot 1 is reserved
// for the designated host.
type HostID uint8

const (
	// HostNone marks an unassigned slot.
	HostNone HostID = 0
	// HostDesignated is the slot reserved for the session's designated host.
	HostDesignated HostID = 1
)

// Seed is a per-device random value used to deduplicate repeated admission
// packets and detect endpoint replacement.
type Seed uint16

// Cmd is the command code carried in byte 0 of every frame payload.
type Cmd uint8

const (
	CmdNone Cmd = iota
	CmdConnect
	CmdReconnect
	CmdAck
	CmdDisconnect
	CmdHeartbeat
	CmdMsgToRelay
	CmdMsgFromRelay
	CmdConnectResp
	CmdReconnectResp
	CmdAllHere
	CmdDisconnectYou
	CmdDisconnectOther
	CmdConnectDenied
)

func (c Cmd) String() string {
	switch c {
	case CmdNone:
		return "NONE"
	case CmdConnect:
		return "CONNECT"
	case CmdReconnect:
		return "RECONNECT"
	case CmdAck:
		return "ACK"
	case CmdDisconnect:
		return "DISCONNECT"
	case CmdHeartbeat:
		return "HEARTBEAT"
	case CmdMsgToRelay:
		return "MSG_TORELAY"
	case CmdMsgFromRelay:
		return "MSG_FROMRELAY"
	case CmdConnectResp:
		return "CONNECT_RESP"
	case CmdReconnectResp:
		return "RECONNECT_RESP"
	case CmdAllHere:
		return "ALLHERE"
	case CmdDisconnectYou:
		return "DISCONNECT_YOU"
	case CmdDisconnectOther:
		return "DISCONNECT_OTHER"
	case CmdConnectDenied:
		return "CONNECT_DENIED"
	default:
		return "UNKNOWN"
	}
}

// Reason explains a deny or disconnect frame to the receiving device.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonTimeout: the session never filled before the connect timer fired.
	ReasonTimeout
	// ReasonHeartYou: the receiving device missed its own heartbeats.
	ReasonHeartYou
	// ReasonHeartOther: another device in the session missed heartbeats.
	ReasonHeartOther
	// ReasonLostOther: another device's connection went away.
	ReasonLostOther
	// ReasonAckTimeout: admission was never acknowledged.
	ReasonAckTimeout
	// ReasonShutdown: the relay is going down.
	ReasonShutdown
	// ReasonBadProto: malformed frame or unsupported protocol version.
	ReasonBadProto
	// ReasonCountsBad: admitting the device would exceed the declared
	// player total.
	ReasonCountsBad
	// ReasonSpotTaken: a reconnect named a host slot held by a live device
	// with a different seed.
	ReasonSpotTaken
	// ReasonNoSuchSession: a reconnect named an unknown connection name.
	ReasonNoSuchSession
	// ReasonDeparted: another device left the session on purpose.
	ReasonDeparted
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonHeartYou:
		return "heart_you"
	case ReasonHeartOther:
		return "heart_other"
	case ReasonLostOther:
		return "lost_other"
	case ReasonAckTimeout:
		return "ack_timeout"
	case ReasonShutdown:
		return "shutdown"
	case ReasonBadProto:
		return "bad_proto"
	case ReasonCountsBad:
		return "counts_bad"
	case ReasonSpotTaken:
		return "spot_taken"
	case ReasonNoSuchSession:
		return "no_such_session"
	case ReasonDeparted:
		return "departed"
	default:
		return "unknown"
	}
}

// ProtoVersion is the only admission flags version this relay accepts.
const ProtoVersion = 1

package session

// State is one step of the session lifecycle.
type State int

const (
	// StateEmpty: no endpoints. A session may sit here with queued
	// outbound messages until the registry tears it down.
	StateEmpty State = iota
	// StateWaitingForMore: at least one endpoint, expected count not met.
	StateWaitingForMore
	// StateAllConnected: every expected player is represented.
	StateAllConnected
	// StateDead: torn down, awaiting recycle. Terminal.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWaitingForMore:
		return "waiting_for_more"
	case StateAllConnected:
		return "all_connected"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

type transKey struct {
	state State
	kind  Kind
}

type action func(s *Session, ev Event)

// transitions enumerates every legal (state, event) pair. An event arriving
// outside this table is a peer defect: it is logged and dropped, never
// allowed to take the process down. Actions move the session to its next
// state themselves, since several of them pick the next state from session
// contents rather than from the table.
var transitions = map[transKey]action{
	{StateEmpty, KindConnect}:     (*Session).handleConnect,
	{StateEmpty, KindReconnect}:   (*Session).handleReconnect,
	{StateEmpty, KindForward}:     (*Session).handleForward, // store for later
	{StateEmpty, KindShutdown}:    (*Session).handleShutdown,
	{StateEmpty, KindConnTimeout}: (*Session).handleConnTimeout,

	{StateWaitingForMore, KindConnect}:         (*Session).handleConnect,
	{StateWaitingForMore, KindReconnect}:       (*Session).handleReconnect,
	{StateWaitingForMore, KindAck}:             (*Session).handleAck,
	{StateWaitingForMore, KindAckTimeout}:      (*Session).handleAckTimeout,
	{StateWaitingForMore, KindDisconnect}:      (*Session).handleDisconnect,
	{StateWaitingForMore, KindDeviceGone}:      (*Session).handleDeviceGone,
	{StateWaitingForMore, KindForward}:         (*Session).handleForward,
	{StateWaitingForMore, KindEndpointRemoved}: (*Session).handleEndpointRemoved,
	{StateWaitingForMore, KindHeartbeat}:       (*Session).handleHeartbeat,
	{StateWaitingForMore, KindHeartbeatFailed}: (*Session).handleHeartbeatFailed,
	{StateWaitingForMore, KindAllHere}:         (*Session).handleAllHere,
	{StateWaitingForMore, KindConnTimeout}:     (*Session).handleConnTimeout,
	{StateWaitingForMore, KindShutdown}:        (*Session).handleShutdown,
	{StateWaitingForMore, kindHeartSweep}:      (*Session).handleHeartSweep,

	{StateAllConnected, KindAck}:             (*Session).handleAck,
	{StateAllConnected, KindAckTimeout}:      (*Session).handleAckTimeout,
	{StateAllConnected, KindDisconnect}:      (*Session).handleDisconnect,
	{StateAllConnected, KindDeviceGone}:      (*Session).handleDeviceGone,
	{StateAllConnected, KindForward}:         (*Session).handleForward,
	{StateAllConnected, KindEndpointRemoved}: (*Session).handleEndpointRemoved,
	{StateAllConnected, KindHeartbeat}:       (*Session).handleHeartbeat,
	{StateAllConnected, KindHeartbeatFailed}: (*Session).handleHeartbeatFailed,
	{StateAllConnected, KindShutdown}:        (*Session).handleShutdown,
	{StateAllConnected, KindConnTimeout}:     (*Session).handleStaleConnTimeout,
	{StateAllConnected, kindHeartSweep}:      (*Session).handleHeartSweep,
}

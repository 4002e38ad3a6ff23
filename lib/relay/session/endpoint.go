package session

// Endpoint is one device's transport connection as the session machine sees
// it. Stream and datagram transports both satisfy this, keeping the state
// machine transport-agnostic.
type Endpoint interface {
	// ID is a stable identity for the life of the connection.
	ID() int64
	// WriteFrame frames payload and writes it atomically with respect to
	// other WriteFrame calls on the same endpoint.
	WriteFrame(payload []byte) error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
	Close() error
}

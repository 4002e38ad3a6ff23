//go:build linux

package dispatch

import (
	"sync"

	"github.com/samber/oops"
	"golang.org/x/sys/unix"

	"github.com/go-i2p/go-gamerelay/lib/relay/session"
	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

var _ session.Endpoint = (*endpoint)(nil)

// endpoint is one accepted connection. Reads happen on the dispatcher loop
// only; writes can come from any goroutine holding a session lock, so they
// serialize on wmu.
type endpoint struct {
	id   int64
	fd   int
	addr string

	reader wire.FrameReader

	wmu    sync.Mutex
	closed bool
}

func (e *endpoint) ID() int64          { return e.id }
func (e *endpoint) RemoteAddr() string { return e.addr }

// WriteFrame length-prefixes payload and writes it whole. The socket is
// nonblocking; a full send buffer is waited out briefly rather than
// buffered, since relay frames are small.
func (e *endpoint) WriteFrame(payload []byte) error {
	frame, err := wire.Frame(payload)
	if err != nil {
		return err
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed {
		return oops.Errorf("endpoint %d closed", e.id)
	}

	for len(frame) > 0 {
		n, err := unix.Write(e.fd, frame)
		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLOUT}}
			ready, perr := unix.Poll(pfd, writeStallMs)
			if perr != nil && perr != unix.EINTR {
				return oops.Errorf("waiting to write endpoint %d: %w", e.id, perr)
			}
			if ready == 0 && perr == nil {
				return oops.Errorf("write to endpoint %d stalled for %dms", e.id, writeStallMs)
			}
			continue
		}
		if err != nil {
			return oops.Errorf("writing endpoint %d: %w", e.id, err)
		}
		frame = frame[n:]
	}
	return nil
}

// writeStallMs bounds how long one frame may wait on a congested socket.
const writeStallMs = 5000

// Close shuts the socket down so the dispatcher loop observes the hangup
// and runs the real teardown. Session code calls this while holding its
// lock; doing the map cleanup here instead would invert the lock order.
func (e *endpoint) Close() error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return unix.Shutdown(e.fd, unix.SHUT_RDWR)
}

// teardown releases the descriptor after the dispatcher dropped the
// endpoint. No write can be in flight once this returns.
func (e *endpoint) teardown() {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	e.closed = true
	if e.fd >= 0 {
		unix.Close(e.fd)
		e.fd = -1
	}
}

//go:build linux

package dispatch

import (
	"github.com/samber/oops"
	"golang.org/x/sys/unix"
)

// poller wraps an epoll set plus a self-wake pipe. The owning loop blocks
// in Wait; any goroutine can Wake it to force a pass over the timers or a
// shutdown check.
type poller struct {
	epfd   int
	wakeR  int
	wakeW  int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, oops.Errorf("epoll create: %w", err)
	}

	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, oops.Errorf("wake pipe: %w", err)
	}

	p := &poller{
		epfd:   epfd,
		wakeR:  pipefds[0],
		wakeW:  pipefds[1],
		events: make([]unix.EpollEvent, maxEvents),
	}
	if err := p.Add(p.wakeR); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Add registers fd for read and hangup readiness.
func (p *poller) Add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return oops.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// Remove drops fd from the interest set. A fd already closed by the kernel
// is fine to remove twice.
func (p *poller) Remove(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until readiness or timeout. timeoutMs < 0 blocks until woken.
func (p *poller) Wait(timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, oops.Errorf("epoll wait: %w", err)
	}
	return p.events[:n], nil
}

// Wake nudges a blocked Wait. Safe from any goroutine; a full pipe already
// guarantees a wakeup.
func (p *poller) Wake() {
	var b [1]byte
	_, _ = unix.Write(p.wakeW, b[:])
}

// drainWake empties the wake pipe after a wakeup was observed.
func (p *poller) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *poller) isWake(fd int32) bool { return int(fd) == p.wakeR }

func (p *poller) Close() {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	unix.Close(p.epfd)
}

//go:build linux

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-gamerelay/lib/relay/registry"
	"github.com/go-i2p/go-gamerelay/lib/relay/session"
	"github.com/go-i2p/go-gamerelay/lib/relay/timer"
	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

var log = logger.GetGoI2PLogger()

// Config are the transport tunables.
type Config struct {
	Port         int
	Workers      int
	QueueDepth   int
	MaxEvents    int
	AcceptPerSec float64
	AcceptBurst  int
}

// Dispatcher owns the listening socket, the epoll loop, and the worker
// pool. The loop only reads and accepts; decoded commands run on workers
// so one slow session cannot stall the socket set.
type Dispatcher struct {
	cfg     Config
	ctx     context.Context
	reg     *registry.Registry
	timers  *timer.Service
	poller  *poller
	pool    *workerPool
	limiter *rate.Limiter

	listenFD  int
	endpoints map[int]*endpoint // by fd; loop-owned
	nextID    atomic.Int64
	stopped   atomic.Bool
}

// New binds the listening socket and prepares the loop. Run starts it.
func New(ctx context.Context, cfg Config, reg *registry.Registry, timers *timer.Service) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 128
	}
	if cfg.AcceptPerSec <= 0 {
		cfg.AcceptPerSec = 100
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = 50
	}

	lfd, err := listen(cfg.Port)
	if err != nil {
		return nil, err
	}
	p, err := newPoller(cfg.MaxEvents)
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}
	if err := p.Add(lfd); err != nil {
		unix.Close(lfd)
		p.Close()
		return nil, err
	}

	return &Dispatcher{
		cfg:       cfg,
		ctx:       ctx,
		reg:       reg,
		timers:    timers,
		poller:    p,
		pool:      newWorkerPool(cfg.Workers, cfg.QueueDepth),
		limiter:   rate.NewLimiter(rate.Limit(cfg.AcceptPerSec), cfg.AcceptBurst),
		listenFD:  lfd,
		endpoints: make(map[int]*endpoint),
	}, nil
}

func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, oops.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, oops.Errorf("reuseaddr: %w", err)
	}
	// Dual-stack: IPv4 devices connect over the mapped range.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return -1, oops.Errorf("binding port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, oops.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Run drives the loop until Stop. The epoll timeout tracks the earliest
// pending relay timer so timeouts fire without a dedicated clock goroutine.
func (d *Dispatcher) Run() error {
	log.WithField("port", d.cfg.Port).WithField("workers", d.cfg.Workers).
		Info("dispatcher listening")

	for {
		if d.stopped.Load() {
			d.shutdown()
			return nil
		}

		timeout := -1
		if due, ok := d.timers.NextDueIn(); ok {
			timeout = int(due.Milliseconds())
			if timeout < 0 {
				timeout = 0
			}
		}

		ready, err := d.poller.Wait(timeout)
		if err != nil {
			d.shutdown()
			return err
		}
		for _, ev := range ready {
			fd := int(ev.Fd)
			switch {
			case d.poller.isWake(ev.Fd):
				d.poller.drainWake()
			case fd == d.listenFD:
				d.acceptReady()
			default:
				d.readReady(fd, ev.Events)
			}
		}
		d.timers.FireDue()
	}
}

// Port reports the bound listen port, which differs from the configured
// one when that was zero.
func (d *Dispatcher) Port() int {
	sa, err := unix.Getsockname(d.listenFD)
	if err != nil {
		return d.cfg.Port
	}
	if a, ok := sa.(*unix.SockaddrInet6); ok {
		return a.Port
	}
	return d.cfg.Port
}

// Stop makes Run return after tearing everything down. Idempotent.
func (d *Dispatcher) Stop() {
	if d.stopped.CompareAndSwap(false, true) {
		d.poller.Wake()
	}
}

func (d *Dispatcher) acceptReady() {
	for {
		fd, sa, err := unix.Accept4(d.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.WithError(err).Warn("accept failed")
			return
		}
		if !d.limiter.Allow() {
			log.Warn("accept rate exceeded, dropping connection")
			unix.Close(fd)
			continue
		}

		ep := &endpoint{
			id:   d.nextID.Add(1),
			fd:   fd,
			addr: sockaddrString(sa),
		}
		if err := d.poller.Add(fd); err != nil {
			log.WithError(err).Warn("registering accepted socket failed")
			unix.Close(fd)
			continue
		}
		d.endpoints[fd] = ep
		log.WithField("endpoint", ep.id).WithField("remote", ep.addr).
			Debug("connection accepted")
	}
}

func (d *Dispatcher) readReady(fd int, events uint32) {
	ep, ok := d.endpoints[fd]
	if !ok {
		d.poller.Remove(fd)
		return
	}

	var buf [4096]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			frames, ferr := ep.reader.Feed(buf[:n])
			for _, frame := range frames {
				payload := frame
				d.pool.Submit(ep.id, func() { d.handleFrame(ep, payload) })
			}
			if ferr != nil {
				log.WithError(ferr).WithField("endpoint", ep.id).
					Warn("framing violation")
				d.pool.Submit(ep.id, func() { d.denyAndClose(ep, wire.ReasonBadProto) })
				d.dropEndpoint(ep)
				return
			}
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		// n == 0 is orderly hangup; anything else is a dead socket.
		d.dropEndpoint(ep)
		return
	}

	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		d.dropEndpoint(ep)
	}
}

// dropEndpoint detaches the socket from the loop and queues the session
// notification behind any frames already in flight for it.
func (d *Dispatcher) dropEndpoint(ep *endpoint) {
	d.poller.Remove(ep.fd)
	delete(d.endpoints, ep.fd)
	d.pool.Submit(ep.id, func() {
		if g, ok := d.reg.ForEndpoint(ep.id); ok {
			g.Handle(session.EndpointRemovedEvent{EndpointID: ep.id})
			g.Release()
		}
		d.reg.Dissociate(ep.id)
		ep.teardown()
		log.WithField("endpoint", ep.id).Debug("connection closed")
	})
}

// handleFrame decodes and routes one command. Runs on a worker.
func (d *Dispatcher) handleFrame(ep *endpoint, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		log.WithError(err).WithField("endpoint", ep.id).Warn("undecodable frame")
		d.denyAndClose(ep, wire.ReasonBadProto)
		return
	}

	switch m := msg.(type) {
	case *wire.Connect:
		d.handleConnect(ep, m)
	case *wire.Reconnect:
		d.handleReconnect(ep, m)
	case *wire.Ack:
		d.withSession(ep, session.AckEvent{HostID: m.HostID})
	case *wire.Heartbeat:
		d.handleHeartbeat(ep, m)
	case *wire.Disconnect:
		d.withSession(ep, session.DisconnectEvent{HostID: m.HostID})
	case *wire.FwdMessage:
		if m.Relayed {
			d.denyAndClose(ep, wire.ReasonBadProto)
			return
		}
		d.withSession(ep, session.ForwardEvent{
			SrcHost:  m.SrcHost,
			DestHost: m.DestHost,
			Body:     m.Body,
		})
	default:
		// Relay-to-device commands have no business arriving inbound.
		log.WithField("endpoint", ep.id).WithField("cmd", msg.Cmd().String()).
			Warn("inbound frame carries outbound command")
		d.denyAndClose(ep, wire.ReasonBadProto)
	}
}

func (d *Dispatcher) handleConnect(ep *endpoint, m *wire.Connect) {
	public := m.WantsPublic || m.MakePublic
	g, err := d.reg.ForConnect(d.ctx, m.Cookie, m.Lang, m.TotalPlayers, m.LocalPlayers, public)
	if err != nil {
		log.WithError(err).WithField("endpoint", ep.id).Error("resolving connect failed")
		d.denyAndClose(ep, wire.ReasonNone)
		return
	}
	d.reg.Associate(ep.id, g.Session().ID())
	g.Handle(session.ConnectEvent{
		Endpoint:     ep,
		Cookie:       m.Cookie,
		Seed:         m.GameSeed,
		LocalPlayers: m.LocalPlayers,
		TotalPlayers: m.TotalPlayers,
		Lang:         m.Lang,
		Public:       public,
	})
	g.Release()
}

func (d *Dispatcher) handleReconnect(ep *endpoint, m *wire.Reconnect) {
	public := m.WantsPublic || m.MakePublic
	var (
		g   *registry.Guard
		err error
	)
	if m.ConnName != "" {
		g, err = d.reg.ForReconnect(d.ctx, m.ConnName)
	} else {
		// Old enough devices reconnect without a name; match by game.
		g, err = d.reg.ForConnect(d.ctx, m.Cookie, m.Lang, m.TotalPlayers, m.LocalPlayers, public)
	}
	if errors.Is(err, registry.ErrNoSuchSession) {
		d.denyAndClose(ep, wire.ReasonNoSuchSession)
		return
	}
	if err != nil {
		log.WithError(err).WithField("endpoint", ep.id).Error("resolving reconnect failed")
		d.denyAndClose(ep, wire.ReasonNone)
		return
	}
	d.reg.Associate(ep.id, g.Session().ID())
	g.Handle(session.ReconnectEvent{
		Endpoint:     ep,
		Cookie:       m.Cookie,
		HostID:       m.HostID,
		Seed:         m.GameSeed,
		LocalPlayers: m.LocalPlayers,
		TotalPlayers: m.TotalPlayers,
		Lang:         m.Lang,
		Public:       public,
	})
	g.Release()
}

func (d *Dispatcher) handleHeartbeat(ep *endpoint, m *wire.Heartbeat) {
	g, ok := d.reg.ForEndpoint(ep.id)
	if !ok {
		d.denyAndClose(ep, wire.ReasonBadProto)
		return
	}
	if g.Session().ID() != m.SessionID {
		// Claimed identity disagrees with the association. Logged, not
		// punished.
		log.WithField("endpoint", ep.id).WithField("claimed", m.SessionID).
			WithField("actual", g.Session().ID()).Warn("heartbeat names wrong session")
	}
	g.Handle(session.HeartbeatEvent{HostID: m.HostID, EndpointID: ep.id})
	g.Release()
}

// withSession routes an event through the endpoint's associated session. A
// command arriving before any admission is a protocol violation.
func (d *Dispatcher) withSession(ep *endpoint, ev session.Event) {
	g, ok := d.reg.ForEndpoint(ep.id)
	if !ok {
		d.denyAndClose(ep, wire.ReasonBadProto)
		return
	}
	g.Handle(ev)
	g.Release()
}

// denyAndClose sends a denial when the socket still accepts one and shuts
// the endpoint down. The loop finishes the teardown on hangup.
func (d *Dispatcher) denyAndClose(ep *endpoint, why wire.Reason) {
	if payload, err := wire.Encode(&wire.ConnectDenied{Reason: why}); err == nil {
		_ = ep.WriteFrame(payload)
	}
	_ = ep.Close()
}

func (d *Dispatcher) shutdown() {
	d.pool.Stop()
	d.reg.Shutdown()
	for fd, ep := range d.endpoints {
		d.poller.Remove(fd)
		d.reg.Dissociate(ep.id)
		ep.teardown()
	}
	d.endpoints = make(map[int]*endpoint)
	unix.Close(d.listenFD)
	d.poller.Close()
	log.Info("dispatcher stopped")
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return "unknown"
	}
}

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-gamerelay/lib/config"
	"github.com/go-i2p/go-gamerelay/lib/relay/ack"
	"github.com/go-i2p/go-gamerelay/lib/relay/dispatch"
	"github.com/go-i2p/go-gamerelay/lib/relay/registry"
	"github.com/go-i2p/go-gamerelay/lib/relay/session"
	"github.com/go-i2p/go-gamerelay/lib/relay/storage"
	"github.com/go-i2p/go-gamerelay/lib/relay/timer"
	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

var log = logger.GetGoI2PLogger()

// game relay type
type Relay struct {
	cfg     *config.RelayConfig
	gateway storage.Gateway
	timers  *timer.Service
	acks    *ack.Tracker
	reg     *registry.Registry
	disp    *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// close channel
	closeChnl chan bool
	// running flag and mutex for thread-safe access
	running bool
	runMux  sync.RWMutex
}

// CreateRelay creates a relay with the provided configuration
func CreateRelay(cfg *config.RelayConfig) (*Relay, error) {
	log.Debug("Creating relay with provided configuration")

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		timers:    timer.NewService(),
		acks:      ack.NewTracker(),
		closeChnl: make(chan bool, 1),
	}

	if err := initializeGateway(r, cfg); err != nil {
		cancel()
		return nil, err
	}
	initializeRegistry(r, cfg)
	if err := initializeDispatcher(r, cfg); err != nil {
		cancel()
		r.gateway.Close()
		return nil, err
	}
	return r, nil
}

// initializeGateway opens the persistence layer backing session matchmaking
// and store-and-forward.
func initializeGateway(r *Relay, cfg *config.RelayConfig) error {
	if cfg.DBPath == "" {
		log.Warn("no database path configured, sessions will not survive restart")
		r.gateway = storage.NewMemoryGateway()
		return nil
	}
	gw, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.WithError(err).Error("Failed to open session database")
		return err
	}
	log.WithField("db_path", cfg.DBPath).Debug("session database opened")
	r.gateway = gw
	return nil
}

// initializeRegistry wires the session registry and the event posting path
// timers and workers both use.
func initializeRegistry(r *Relay, cfg *config.RelayConfig) {
	deps := session.Deps{
		Gateway: r.gateway,
		Timers:  r.timers,
		Acks:    r.acks,
		Post:    r.postEvent,
		Config: session.Config{
			HeartbeatSeconds: uint16(cfg.HeartbeatSeconds),
			ConnTimeout:      time.Duration(cfg.ConnTimeoutSeconds) * time.Second,
			AckTimeout:       time.Duration(cfg.AckTimeoutSeconds) * time.Second,
		},
	}
	r.reg = registry.New(r.ctx, deps, cfg.ServerName)
}

func initializeDispatcher(r *Relay, cfg *config.RelayConfig) error {
	disp, err := dispatch.New(r.ctx, dispatch.Config{
		Port:         cfg.Port,
		Workers:      cfg.Workers,
		AcceptPerSec: cfg.AcceptPerSec,
		AcceptBurst:  cfg.AcceptBurst,
	}, r.reg, r.timers)
	if err != nil {
		log.WithError(err).Error("Failed to create dispatcher")
		return err
	}
	r.disp = disp
	return nil
}

// postEvent delivers an event raised outside any session lock, timer
// expiries mostly, through the guard path.
func (r *Relay) postEvent(sid wire.SessionID, ev session.Event) {
	g, ok := r.reg.ForSessionID(sid)
	if !ok {
		log.WithField("session", sid).Debug("dropping event for recycled session")
		return
	}
	g.Handle(ev)
	g.Release()
}

// Start starts relay mainloop
func (r *Relay) Start() {
	r.runMux.Lock()
	defer r.runMux.Unlock()

	if r.running {
		log.WithFields(logger.Fields{
			"at":     "(Relay) Start",
			"reason": "relay is already running",
		}).Error("Error starting relay")
		return
	}
	log.Debug("Starting relay")
	r.running = true
	go r.mainloop()
}

func (r *Relay) mainloop() {
	if err := r.disp.Run(); err != nil {
		log.WithError(err).Error("dispatcher loop failed")
	}
	r.Stop()
}

// Port reports the bound listen port, which differs from the configured
// one when that was zero.
func (r *Relay) Port() int {
	return r.disp.Port()
}

// Wait blocks until the relay stops
func (r *Relay) Wait() {
	log.Debug("Waiting for relay to stop")
	<-r.closeChnl
	log.Debug("Relay has stopped")
}

// Stop starts stopping internal state of relay
func (r *Relay) Stop() {
	r.runMux.Lock()
	defer r.runMux.Unlock()

	if !r.running {
		log.Debug("Relay already stopped")
		return
	}
	r.running = false
	r.disp.Stop()
	r.cancel()

	select {
	case r.closeChnl <- true:
		log.Debug("Relay stop signal sent")
	default:
		log.Debug("Relay stop signal already sent or channel full")
	}
}

// Close finalizes relay resources so that nothing can start up again
func (r *Relay) Close() error {
	r.acks.Close()
	if err := r.gateway.Close(); err != nil {
		log.WithError(err).Warn("closing session database failed")
		return err
	}
	return nil
}

// LogStatus writes one line per live session, for the reload signal.
func (r *Relay) LogStatus() {
	snaps := r.reg.Snapshot()
	log.WithField("sessions", len(snaps)).Info("relay status")
	for _, st := range snaps {
		log.WithField("session", st.SessionID).
			WithField("conn_name", st.ConnName).
			WithField("state", st.State.String()).
			WithField("players", st.PlayersHere).
			WithField("expected", st.PlayersExpected).
			Info("session status")
	}
}

// Package engine implements the DPU-side data-plane core: the connection
// manager, the control-plane dispatcher, the per-buffer-connection polling
// state machine, and the single-threaded agent loop that drives them.
package engine

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ddsengine/internal/cache"
	"github.com/piwi3910/ddsengine/internal/fileservice"
	"github.com/piwi3910/ddsengine/internal/metrics"
	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// Engine errors.
var (
	ErrNoFreeSlot = errors.New("engine: no available connection slot")
	ErrTerminated = errors.New("engine: terminated")
)

// Config parameterizes the engine.
type Config struct {
	// ListenAddr is the ip:port the connection manager binds.
	ListenAddr string

	// DeviceName selects the RNIC.
	DeviceName string

	// MaxClients and MaxBuffs size the preallocated connection arrays.
	MaxClients int
	MaxBuffs   int

	// MaxOutstandingIO sizes each buffer connection's request-context arena.
	MaxOutstandingIO int

	// DataPlaneWeight is the number of agent iterations between control-plane
	// passes.
	DataPlaneWeight int

	// BatchResponses enables batch framing and batched file-service
	// submission.
	BatchResponses bool

	// NotifyInterrupt publishes the response tail with write-with-immediate
	// so the host can block on a completion instead of polling.
	NotifyInterrupt bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:4420",
		DeviceName:       "mlx5_0",
		MaxClients:       8,
		MaxBuffs:         8,
		MaxOutstandingIO: 256,
		DataPlaneWeight:  8,
		BatchResponses:   true,
	}
}

// Engine is the DPU-side agent. All connection state is owned by the single
// goroutine running Run; the file service submission and completion APIs are
// the only cross-thread boundary.
type Engine struct {
	cfg   Config
	be    verbs.Backend
	dev   verbs.Device
	fs    fileservice.Service
	table *cache.Table
	logg  zerolog.Logger

	ctrlConns []ctrlConn
	buffConns []buffConn

	forceQuit atomic.Bool
}

// New opens the device, binds the listener, and preallocates the connection
// arrays. The cache table is created by the caller and shared with the file
// service.
func New(cfg Config, be verbs.Backend, fs fileservice.Service, table *cache.Table) (*Engine, error) {
	dev, err := be.OpenDevice(cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	if err := be.Listen(cfg.ListenAddr); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		be:        be,
		dev:       dev,
		fs:        fs,
		table:     table,
		logg:      log.With().Str("component", "engine").Logger(),
		ctrlConns: make([]ctrlConn, cfg.MaxClients),
		buffConns: make([]buffConn, cfg.MaxBuffs),
	}
	for i := range e.ctrlConns {
		e.ctrlConns[i].id = uint32(i)
	}
	for i := range e.buffConns {
		e.buffConns[i].id = uint32(i)
	}

	e.logg.Info().
		Str("listen", cfg.ListenAddr).
		Str("device", cfg.DeviceName).
		Int("max_clients", cfg.MaxClients).
		Int("max_buffs", cfg.MaxBuffs).
		Msg("engine ready")
	return e, nil
}

// Stop flags the agent loop to terminate.
func (e *Engine) Stop() {
	e.forceQuit.Store(true)
}

// fatal records an unrecoverable transport error and terminates the agent.
func (e *Engine) fatal(err error, what string) {
	e.logg.Error().Err(err).Msg(what)
	e.forceQuit.Store(true)
}

// Run executes the agent loop until Stop, a fatal transport error, or ctx
// cancellation. Every iteration services the buffer connections; every
// DataPlaneWeight-th iteration additionally services CM events and the
// control plane. All polls are non-blocking.
func (e *Engine) Run(ctx context.Context) error {
	dataPlaneCounter := 0
	for !e.forceQuit.Load() {
		select {
		case <-ctx.Done():
			e.forceQuit.Store(true)
			continue
		default:
		}

		e.iterate(dataPlaneCounter == 0)

		dataPlaneCounter++
		if dataPlaneCounter == e.cfg.DataPlaneWeight {
			dataPlaneCounter = 0
		}

		runtime.Gosched()
	}

	e.shutdown()
	return nil
}

// iterate runs one agent pass: the buffer connections always, the control
// plane when controlPass is set.
func (e *Engine) iterate(controlPass bool) {
	if controlPass {
		e.processCMEvents()
		e.processCtrlCQs()
		e.processCtrlCompletions()
	}
	e.processBuffCQs()
	e.processIOCompletions()
}

func (e *Engine) shutdown() {
	for i := range e.ctrlConns {
		if e.ctrlConns[i].state != connStateAvailable {
			e.be.Disconnect(e.ctrlConns[i].qp)
			e.tearDownCtrlConn(&e.ctrlConns[i])
		}
	}
	for i := range e.buffConns {
		if e.buffConns[i].state != connStateAvailable {
			e.be.Disconnect(e.buffConns[i].qp)
			e.tearDownBuffConn(&e.buffConns[i])
		}
	}
	e.logg.Info().Msg("engine stopped")
}

// findConn locates the slot owning a CM connection id.
func (e *Engine) findConn(connID uint64) (isCtrl bool, idx int) {
	for i := range e.ctrlConns {
		if e.ctrlConns[i].state != connStateAvailable && e.ctrlConns[i].connID == connID {
			return true, i
		}
	}
	for i := range e.buffConns {
		if e.buffConns[i].state != connStateAvailable && e.buffConns[i].connID == connID {
			return false, i
		}
	}
	return false, -1
}

func (e *Engine) processCMEvents() {
	for {
		ev, ok := e.be.GetCMEvent()
		if !ok {
			return
		}

		switch ev.Type {
		case verbs.CMConnectRequest:
			e.handleConnectRequest(ev)

		case verbs.CMEstablished:
			isCtrl, idx := e.findConn(ev.ConnID)
			if idx < 0 {
				e.logg.Error().Uint64("conn", ev.ConnID).Msg("established for unrecognized connection")
				continue
			}
			if isCtrl {
				e.ctrlConns[idx].state = connStateConnected
				metrics.ConnectionsActive.WithLabelValues("ctrl").Inc()
			} else {
				e.buffConns[idx].state = connStateConnected
				metrics.ConnectionsActive.WithLabelValues("buff").Inc()
			}

		case verbs.CMDisconnected:
			isCtrl, idx := e.findConn(ev.ConnID)
			if idx < 0 {
				e.logg.Error().Uint64("conn", ev.ConnID).Msg("disconnect for unrecognized connection")
				continue
			}
			if isCtrl {
				e.tearDownCtrlConn(&e.ctrlConns[idx])
				metrics.ConnectionsActive.WithLabelValues("ctrl").Dec()
			} else {
				e.tearDownBuffConn(&e.buffConns[idx])
				metrics.ConnectionsActive.WithLabelValues("buff").Dec()
			}
			e.logg.Info().Uint64("conn", ev.ConnID).Bool("ctrl", isCtrl).Msg("connection closed")

		case verbs.CMAddrError, verbs.CMRouteError, verbs.CMConnectError,
			verbs.CMUnreachable, verbs.CMRejected, verbs.CMDeviceRemoval:
			// The per-connection attempt failed; free the slot without
			// aborting the process.
			e.logg.Warn().Str("event", ev.Type.String()).Uint64("conn", ev.ConnID).Msg("cm error event")
			if isCtrl, idx := e.findConn(ev.ConnID); idx >= 0 {
				if isCtrl {
					e.tearDownCtrlConn(&e.ctrlConns[idx])
				} else {
					e.tearDownBuffConn(&e.buffConns[idx])
				}
			}
		}
	}
}

func (e *Engine) handleConnectRequest(ev *verbs.CMEvent) {
	switch ev.PrivData {
	case proto.CtrlConnPrivData:
		for i := range e.ctrlConns {
			if e.ctrlConns[i].state == connStateAvailable {
				if err := e.setUpCtrlConn(&e.ctrlConns[i], ev.ConnID); err != nil {
					e.logg.Error().Err(err).Msg("control connection setup")
					e.be.Reject(ev.ConnID)
					return
				}
				metrics.ConnectionsAccepted.WithLabelValues("ctrl").Inc()
				e.logg.Info().Uint32("ctrl_id", e.ctrlConns[i].id).Msg("control connection accepted")
				return
			}
		}
		metrics.ConnectionsRejected.Inc()
		e.logg.Error().Msg("no available control connection")
		e.be.Reject(ev.ConnID)

	case proto.BuffConnPrivData:
		for i := range e.buffConns {
			if e.buffConns[i].state == connStateAvailable {
				if err := e.setUpBuffConn(&e.buffConns[i], ev.ConnID); err != nil {
					e.logg.Error().Err(err).Msg("buffer connection setup")
					e.be.Reject(ev.ConnID)
					return
				}
				metrics.ConnectionsAccepted.WithLabelValues("buff").Inc()
				e.logg.Info().Uint32("buff_id", e.buffConns[i].id).Msg("buffer connection accepted")
				return
			}
		}
		metrics.ConnectionsRejected.Inc()
		e.logg.Error().Msg("no available buffer connection")
		e.be.Reject(ev.ConnID)

	default:
		e.logg.Error().Uint8("priv", ev.PrivData).Msg("unrecognized connection type")
		e.be.Reject(ev.ConnID)
	}
}

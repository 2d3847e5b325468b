package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	retryBase      = time.Second
	retryMax       = 30 * time.Second
	healthInterval = 2 * time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > retryMax {
		d = retryMax
	}
	return d
}

// statusQuery is answered from inside the orchestrator loop so BridgeState is
// never read concurrently with a mutation.
type statusQuery struct {
	reply chan IPCResponse
}

// orchestrator consumes monitor events and drives the controller so that a
// loopback route exists exactly when both endpoints are present. All fields
// below the constructor arguments are owned by the Run goroutine.
type orchestrator struct {
	ctrl    Controller
	cfg     *Config
	log     *slog.Logger
	events  <-chan Event
	queries chan statusQuery

	// snapshot returns the monitors' current view, used to re-derive state
	// after the sound server comes back.
	snapshot func() (source string, sinkPresent bool)

	// test hooks
	retryBase      time.Duration
	healthInterval time.Duration

	state    BridgeState
	source   string
	sink     bool
	route    RouteHandle
	hasRoute bool

	retryDelay time.Duration
	retryTimer *time.Timer
	retryC     <-chan time.Time
}

func newOrchestrator(ctrl Controller, cfg *Config, events <-chan Event, snapshot func() (string, bool), log *slog.Logger) *orchestrator {
	return &orchestrator{
		ctrl:           ctrl,
		cfg:            cfg,
		log:            log,
		events:         events,
		queries:        make(chan statusQuery),
		snapshot:       snapshot,
		retryBase:      retryBase,
		healthInterval: healthInterval,
		state:          StateIdle,
		retryDelay:     retryBase,
	}
}

// Status asks the orchestrator for its current state.
func (o *orchestrator) Status(ctx context.Context) (IPCResponse, error) {
	q := statusQuery{reply: make(chan IPCResponse, 1)}
	select {
	case o.queries <- q:
	case <-ctx.Done():
		return IPCResponse{}, ctx.Err()
	}
	select {
	case resp := <-q.reply:
		return resp, nil
	case <-ctx.Done():
		return IPCResponse{}, ctx.Err()
	}
}

func (o *orchestrator) Run(ctx context.Context) error {
	o.retryDelay = o.retryBase
	health := time.NewTicker(o.healthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case ev := <-o.events:
			o.handleEvent(ev)
		case <-o.retryC:
			o.retryC = nil
			o.reconcile()
		case <-health.C:
			o.checkHealth()
		case q := <-o.queries:
			q.reply <- IPCResponse{
				State:       string(o.state),
				Source:      o.source,
				SinkPresent: o.sink,
			}
		}
	}
}

func (o *orchestrator) handleEvent(ev Event) {
	if o.state == StateRecovering {
		// Acting on events now would race the dead server; state is
		// re-derived from fresh monitor snapshots once it is back.
		o.log.Info("event deferred until sound server recovers", "event", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case SourceAppeared:
		if ev.Addr == o.source {
			return
		}
		if o.source != "" {
			// Phone switch: most recent source wins the single route.
			o.log.Info("audio source replaced", "old", o.source, "new", ev.Addr)
		} else {
			o.log.Info("audio source appeared", "source", ev.Addr)
		}
		o.source = ev.Addr
		if o.hasRoute {
			// The held route still pipes the old phone; rebuild it.
			o.dropRoute()
		}
		o.resetRetry()
	case SourceGone:
		if o.source == "" {
			return
		}
		o.log.Info("audio source gone", "source", o.source)
		o.source = ""
		o.resetRetry()
	case SinkAppeared:
		if o.sink {
			return
		}
		o.log.Info("gadget sink appeared", "sink", o.cfg.GadgetSink)
		o.sink = true
		o.resetRetry()
	case SinkGone:
		if !o.sink {
			return
		}
		o.log.Info("gadget sink gone", "sink", o.cfg.GadgetSink)
		o.sink = false
		o.resetRetry()
	}
	o.reconcile()
}

// reconcile drives the actual route toward the desired one. Teardown happens
// after the state has already left Bridged, so the route is never observable
// outside Bridged; establishment success is what enters Bridged.
func (o *orchestrator) reconcile() {
	if o.state == StateRecovering {
		return
	}

	if o.hasRoute && (o.source == "" || !o.sink) {
		o.dropRoute()
		if o.state == StateRecovering {
			return
		}
	}

	if !o.hasRoute && o.source != "" && o.sink && o.retryC == nil {
		o.establish()
		if o.state == StateRecovering {
			return
		}
	}

	o.setState(o.presenceState())
}

// presenceState derives the state from endpoint presence. With both endpoints
// present but no route yet (establishment pending retry), the state stays at
// the single-endpoint state it was in, per the transition table.
func (o *orchestrator) presenceState() BridgeState {
	switch {
	case o.hasRoute:
		return StateBridged
	case o.source != "" && o.sink:
		if o.state == StateSourceOnly || o.state == StateSinkOnly {
			return o.state
		}
		return StateSourceOnly
	case o.source != "":
		return StateSourceOnly
	case o.sink:
		return StateSinkOnly
	default:
		return StateIdle
	}
}

func (o *orchestrator) setState(s BridgeState) {
	if s == o.state {
		return
	}
	o.log.Info("bridge state transition", "from", string(o.state), "to", string(s))
	o.state = s
}

// dropRoute leaves Bridged first, then tears the route down.
func (o *orchestrator) dropRoute() {
	handle := o.route
	o.hasRoute = false
	o.setState(o.presenceState())
	if err := o.ctrl.TeardownRoute(handle); err != nil {
		if errors.Is(err, ErrServerUnavailable) {
			o.enterRecovering(err)
			return
		}
		o.log.Warn("route teardown failed", "handle", uint32(handle), "err", err)
	}
}

func (o *orchestrator) establish() {
	handle, err := o.ctrl.EstablishRoute(o.source, o.cfg.GadgetSink, o.cfg.LatencyMsec)
	if err != nil {
		if errors.Is(err, ErrServerUnavailable) {
			o.enterRecovering(err)
			return
		}
		o.log.Warn("route establish failed",
			"source", o.source, "sink", o.cfg.GadgetSink, "err", err, "retry_in", o.retryDelay)
		o.scheduleRetry()
		return
	}
	o.route, o.hasRoute = handle, true
	o.resetRetry()
	o.log.Info("route established",
		"source", o.source, "sink", o.cfg.GadgetSink, "handle", uint32(handle), "latency_msec", o.cfg.LatencyMsec)
}

func (o *orchestrator) scheduleRetry() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	o.retryTimer = time.NewTimer(o.retryDelay)
	o.retryC = o.retryTimer.C
	o.retryDelay = nextBackoff(o.retryDelay)
}

// resetRetry cancels a pending retry and resets the backoff: endpoint changes
// and successes both start the next failure sequence from scratch.
func (o *orchestrator) resetRetry() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.retryC = nil
	o.retryDelay = o.retryBase
}

func (o *orchestrator) enterRecovering(cause error) {
	// A handle held across a server restart is meaningless; the replacement
	// server never saw the module.
	o.hasRoute = false
	o.resetRetry()
	o.log.Warn("sound server unreachable, entering recovery", "err", cause)
	o.setState(StateRecovering)
}

func (o *orchestrator) checkHealth() {
	alive := o.ctrl.Alive()
	if o.state == StateRecovering {
		if alive {
			o.recover()
		}
		return
	}
	if !alive {
		o.enterRecovering(ErrServerUnavailable)
	}
}

// recover re-derives state from the monitors' current snapshots rather than
// replaying events that accumulated while the server was down.
func (o *orchestrator) recover() {
	o.source, o.sink = o.snapshot()
	o.log.Info("sound server back, re-deriving state",
		"source", o.source, "sink_present", o.sink)
	o.setState(StateIdle)
	o.reconcile()
}

// shutdown runs on process exit: a route must not outlive the daemon.
func (o *orchestrator) shutdown() {
	if !o.hasRoute {
		return
	}
	o.log.Info("shutting down, tearing down route", "handle", uint32(o.route))
	handle := o.route
	o.hasRoute = false
	o.setState(o.presenceState())
	if err := o.ctrl.TeardownRoute(handle); err != nil {
		o.log.Warn("shutdown teardown failed", "handle", uint32(handle), "err", err)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// notFoundLogInterval rate-limits the "sink never seen" complaint: a wrong
// sink name (or a gadget that is simply not plugged in yet) is logged, not
// fatal.
const notFoundLogInterval = time.Minute

// sinkMonitor polls the sound-server sink inventory for the gadget sink.
// A single absent poll is not reported as gone: device re-enumeration when the
// USB cable is plugged in can make the sink flap for one cycle.
type sinkMonitor struct {
	inv      sinkInventory
	name     string
	interval time.Duration
	events   chan<- Event
	log      *slog.Logger

	mu      sync.Mutex
	present bool

	reported bool // last state delivered to the orchestrator
	missed   bool // reported present, absent on the last poll
	everSeen bool
	lastNag  time.Time
}

func newSinkMonitor(inv sinkInventory, name string, interval time.Duration, events chan<- Event, log *slog.Logger) *sinkMonitor {
	return &sinkMonitor{
		inv:      inv,
		name:     name,
		interval: interval,
		events:   events,
		log:      log,
	}
}

// Present returns the result of the most recent poll.
func (m *sinkMonitor) Present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

func (m *sinkMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *sinkMonitor) poll(ctx context.Context) {
	names, err := m.inv.Sinks()
	if err != nil {
		// Server trouble is the orchestrator's recovering path, not a
		// sink-gone event; keep the last observation.
		if !errors.Is(err, ErrServerUnavailable) {
			m.log.Warn("sink inventory query failed", "err", err)
		}
		return
	}

	found := false
	for _, n := range names {
		if n == m.name {
			found = true
			break
		}
	}

	m.mu.Lock()
	m.present = found
	var ev *Event
	switch {
	case found:
		m.everSeen = true
		m.missed = false
		if !m.reported {
			m.reported = true
			ev = &Event{Kind: SinkAppeared}
		}
	case m.reported && !m.missed:
		// Debounce: wait one more poll before declaring the sink gone.
		m.missed = true
	case m.reported && m.missed:
		m.reported = false
		m.missed = false
		ev = &Event{Kind: SinkGone}
	case !m.everSeen:
		if time.Since(m.lastNag) >= notFoundLogInterval {
			m.lastNag = time.Now()
			m.log.Warn("gadget sink not found — gadget module unloaded or sink name misconfigured",
				"sink", m.name)
		}
	}
	m.mu.Unlock()

	if ev != nil {
		select {
		case m.events <- *ev:
		case <-ctx.Done():
		}
	}
}

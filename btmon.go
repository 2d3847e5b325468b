package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// btDevice is the monitor's view of one paired phone.
type btDevice struct {
	path      dbus.ObjectPath
	addr      string
	connected bool
	resolved  bool
	audio     bool // advertises an A2DP service
}

// qualifies reports whether the device counts as a usable audio source: it is
// connected, service discovery finished, and it can stream A2DP. Transport
// play/pause state deliberately does not gate this — a paused phone keeps its
// route so playback resumes without re-bridging.
func (d *btDevice) qualifies() bool {
	return d.connected && d.resolved && d.audio
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) *btDevice {
	d := &btDevice{path: path, addr: variantString(props["Address"])}
	if d.addr == "" {
		d.addr = macFromPath(path)
	}
	d.connected = variantBool(props["Connected"])
	d.resolved = variantBool(props["ServicesResolved"])
	d.audio = hasAudioUUID(variantStrings(props["UUIDs"]))
	return d
}

func applyDeviceProps(d *btDevice, changed map[string]dbus.Variant) {
	if v, ok := changed["Connected"]; ok {
		d.connected = variantBool(v)
	}
	if v, ok := changed["ServicesResolved"]; ok {
		d.resolved = variantBool(v)
	}
	if v, ok := changed["UUIDs"]; ok {
		d.audio = hasAudioUUID(variantStrings(v))
	}
}

func hasAudioUUID(uuids []string) bool {
	for _, u := range uuids {
		if u == audioSinkUUID || u == a2dpUUID {
			return true
		}
	}
	return false
}

// btMonitor watches BlueZ for connected A2DP-capable phones and reduces them
// to a single current source. It reconnects to the bus with backoff when the
// bus is unreachable and never takes the daemon down.
type btMonitor struct {
	events chan<- Event
	log    *slog.Logger

	mu      sync.Mutex
	bz      *bluez
	devs    map[dbus.ObjectPath]*btDevice
	cur     dbus.ObjectPath
	curAddr string
	player  dbus.ObjectPath // cached MediaPlayer1 path for the current source
}

func newBTMonitor(events chan<- Event, log *slog.Logger) *btMonitor {
	return &btMonitor{
		events: events,
		log:    log,
		devs:   make(map[dbus.ObjectPath]*btDevice),
	}
}

// Current returns the MAC address of the current source, or "".
func (m *btMonitor) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curAddr
}

func (m *btMonitor) Run(ctx context.Context) error {
	delay := time.Second
	for {
		bz, err := newBluez()
		if err != nil {
			m.log.Warn("bluetooth unavailable", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = nextBackoff(delay)
			continue
		}
		delay = time.Second
		m.session(ctx, bz)
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("bluetooth bus connection lost, reconnecting")
	}
}

// session runs one bus connection to completion: snapshot, then signals until
// the connection dies or ctx is cancelled.
func (m *btMonitor) session(ctx context.Context, bz *bluez) {
	sig := bz.subscribeSignals()

	m.mu.Lock()
	m.bz = bz
	m.devs = make(map[dbus.ObjectPath]*btDevice)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.bz = nil
		m.player = ""
		var evs []Event
		if m.cur != "" {
			m.cur, m.curAddr = "", ""
			evs = append(evs, Event{Kind: SourceGone})
		}
		m.mu.Unlock()
		bz.close()
		m.emit(ctx, evs)
	}()

	objects, err := bz.managedObjects()
	if err != nil {
		m.log.Warn("bluetooth snapshot failed", "err", err)
		return
	}
	m.mu.Lock()
	for path, ifaces := range objects {
		if props, ok := ifaces[deviceIface]; ok {
			m.devs[path] = deviceFromProps(path, props)
		}
	}
	evs := m.evaluateLocked("")
	m.mu.Unlock()
	m.emit(ctx, evs)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := bz.ping(); err != nil {
				return
			}
		case s, ok := <-sig:
			if !ok {
				return
			}
			m.handleSignal(ctx, s)
		}
	}
}

func (m *btMonitor) emit(ctx context.Context, evs []Event) {
	for _, ev := range evs {
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// evaluateLocked recomputes the current source after a device change.
// preferred is the device whose update triggered the evaluation: when several
// phones qualify at once, the most recent one wins.
func (m *btMonitor) evaluateLocked(preferred dbus.ObjectPath) []Event {
	next := m.cur
	if next != "" {
		if d, ok := m.devs[next]; !ok || !d.qualifies() {
			next = ""
		}
	}
	if preferred != "" && preferred != m.cur {
		if d, ok := m.devs[preferred]; ok && d.qualifies() {
			next = preferred
		}
	}
	if next == "" {
		for path, d := range m.devs {
			if d.qualifies() {
				next = path
				break
			}
		}
	}
	if next == m.cur {
		return nil
	}
	m.cur = next
	m.player = ""
	if next == "" {
		m.curAddr = ""
		return []Event{{Kind: SourceGone}}
	}
	m.curAddr = m.devs[next].addr
	return []Event{{Kind: SourceAppeared, Addr: m.curAddr}}
}

func (m *btMonitor) handleSignal(ctx context.Context, s *dbus.Signal) {
	m.mu.Lock()
	var evs []Event
	switch s.Name {
	case propsSignal:
		if len(s.Body) < 2 {
			break
		}
		iface, _ := s.Body[0].(string)
		changed, ok := s.Body[1].(map[string]dbus.Variant)
		if !ok {
			break
		}
		switch iface {
		case deviceIface:
			d, ok := m.devs[s.Path]
			if !ok {
				break
			}
			applyDeviceProps(d, changed)
			evs = m.evaluateLocked(s.Path)
		case transportIface:
			if v, ok := changed["State"]; ok {
				m.log.Info("a2dp transport state", "device", macFromPath(s.Path), "state", variantString(v))
			}
		}
	case ifacesAddedSignal:
		if len(s.Body) < 2 {
			break
		}
		path, _ := s.Body[0].(dbus.ObjectPath)
		ifaces, ok := s.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			break
		}
		if props, ok := ifaces[deviceIface]; ok {
			m.devs[path] = deviceFromProps(path, props)
			evs = m.evaluateLocked(path)
		}
		if _, ok := ifaces[playerIface]; ok && m.cur != "" && devicePathPrefix(path, m.cur) {
			m.player = path
		}
	case ifacesRemovedSignal:
		if len(s.Body) < 2 {
			break
		}
		path, _ := s.Body[0].(dbus.ObjectPath)
		removed, _ := s.Body[1].([]string)
		for _, iface := range removed {
			switch iface {
			case deviceIface:
				if _, ok := m.devs[path]; ok {
					delete(m.devs, path)
					evs = m.evaluateLocked("")
				}
			case playerIface:
				if path == m.player {
					m.player = ""
				}
			}
		}
	}
	m.mu.Unlock()
	m.emit(ctx, evs)
}

// --- AVRCP relay helpers (used by the iPod client supervisor) ---

// TrackInfo reads current track metadata from the phone's media player.
// The second return is false when no source or no player is available.
func (m *btMonitor) TrackInfo() (TrackInfo, bool) {
	bz, cur, player := m.playerTarget()
	if bz == nil {
		return TrackInfo{}, false
	}
	if player == "" {
		p, ok := bz.findPlayer(cur)
		if !ok {
			return TrackInfo{}, false
		}
		player = p
		m.cachePlayer(cur, p)
	}
	ti, err := bz.trackInfo(player)
	if err != nil {
		m.dropPlayer(player)
		return TrackInfo{}, false
	}
	return ti, true
}

// Control sends a MediaPlayer1 method (Play, Pause, Next, Previous, Stop) to
// the phone.
func (m *btMonitor) Control(method string) error {
	bz, cur, player := m.playerTarget()
	if bz == nil {
		return fmt.Errorf("no connected audio source")
	}
	if player == "" {
		p, ok := bz.findPlayer(cur)
		if !ok {
			return fmt.Errorf("source %s has no media player", macFromPath(cur))
		}
		player = p
		m.cachePlayer(cur, p)
	}
	if err := bz.playerCall(player, method); err != nil {
		m.dropPlayer(player)
		return err
	}
	return nil
}

func (m *btMonitor) playerTarget() (*bluez, dbus.ObjectPath, dbus.ObjectPath) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bz == nil || m.cur == "" {
		return nil, "", ""
	}
	return m.bz, m.cur, m.player
}

func (m *btMonitor) cachePlayer(cur, player dbus.ObjectPath) {
	m.mu.Lock()
	if m.cur == cur {
		m.player = player
	}
	m.mu.Unlock()
}

func (m *btMonitor) dropPlayer(player dbus.ObjectPath) {
	m.mu.Lock()
	if m.player == player {
		m.player = ""
	}
	m.mu.Unlock()
}

package main

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName        = "org.bluez"
	deviceIface    = "org.bluez.Device1"
	playerIface    = "org.bluez.MediaPlayer1"
	transportIface = "org.bluez.MediaTransport1"
	propsIface     = "org.freedesktop.DBus.Properties"
	objMgrIface    = "org.freedesktop.DBus.ObjectManager"

	propsSignal         = propsIface + ".PropertiesChanged"
	ifacesAddedSignal   = objMgrIface + ".InterfacesAdded"
	ifacesRemovedSignal = objMgrIface + ".InterfacesRemoved"

	// A2DP service UUIDs advertised by phones that can stream audio to us.
	audioSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"
	a2dpUUID      = "0000110d-0000-1000-8000-00805f9b34fb"
)

// macFromPath extracts a MAC address from a BlueZ object path, e.g.
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/player0" -> "AA:BB:CC:DD:EE:FF".
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return ""
	}
	s = s[i+len("/dev_"):]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	return strings.ReplaceAll(s, "_", ":")
}

// devicePathPrefix reports whether path belongs to the device at devPath
// (the device object itself or one of its children: transports, players).
func devicePathPrefix(path, devPath dbus.ObjectPath) bool {
	return path == devPath || strings.HasPrefix(string(path), string(devPath)+"/")
}

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn *dbus.Conn
}

func newBluez() (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus — is bluetooth.service running?")
	}
	return &bluez{conn: conn}, nil
}

func (b *bluez) close() {
	b.conn.Close()
}

// ping verifies the bus connection is still usable.
func (b *bluez) ping() error {
	var names []string
	return b.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
}

// managedObjects returns the full BlueZ object tree: object path ->
// interface name -> property name -> value.
func (b *bluez) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := b.conn.Object(busName, "/")
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call(objMgrIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

// subscribeSignals registers for device property changes and object
// add/remove under /org/bluez and returns the delivery channel.
func (b *bluez) subscribeSignals() chan *dbus.Signal {
	b.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	b.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+objMgrIface+"',member='InterfacesAdded'",
	)
	b.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+objMgrIface+"',member='InterfacesRemoved'",
	)
	ch := make(chan *dbus.Signal, 32)
	b.conn.Signal(ch)
	return ch
}

// --- media player ---

// findPlayer locates the MediaPlayer1 object belonging to the device at
// devPath, if the phone has registered one.
func (b *bluez) findPlayer(devPath dbus.ObjectPath) (dbus.ObjectPath, bool) {
	objects, err := b.managedObjects()
	if err != nil {
		return "", false
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[playerIface]; !ok {
			continue
		}
		if devicePathPrefix(path, devPath) {
			return path, true
		}
	}
	return "", false
}

// trackInfo reads the current AVRCP track metadata from a media player.
func (b *bluez) trackInfo(player dbus.ObjectPath) (TrackInfo, error) {
	obj := b.conn.Object(busName, player)
	var props map[string]dbus.Variant
	if err := obj.Call(propsIface+".GetAll", 0, playerIface).Store(&props); err != nil {
		return TrackInfo{}, fmt.Errorf("get player properties: %w", err)
	}
	return trackFromProps(props), nil
}

// playerCall invokes a MediaPlayer1 method (Play, Pause, Next, Previous, Stop).
func (b *bluez) playerCall(player dbus.ObjectPath, method string) error {
	obj := b.conn.Object(busName, player)
	if err := obj.Call(playerIface+"."+method, 0).Err; err != nil {
		return fmt.Errorf("player %s: %w", method, err)
	}
	return nil
}

// trackFromProps extracts track metadata from MediaPlayer1 properties. The
// Track property is a dict of variants; phones routinely omit fields.
func trackFromProps(props map[string]dbus.Variant) TrackInfo {
	var ti TrackInfo
	tv, ok := props["Track"]
	if !ok {
		return ti
	}
	track, ok := tv.Value().(map[string]dbus.Variant)
	if !ok {
		return ti
	}
	ti.Title = variantString(track["Title"])
	ti.Artist = variantString(track["Artist"])
	ti.Album = variantString(track["Album"])
	ti.Duration = variantInt(track["Duration"])
	return ti
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantInt(v dbus.Variant) int64 {
	switch n := v.Value().(type) {
	case uint32:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantStrings(v dbus.Variant) []string {
	s, _ := v.Value().([]string)
	return s
}

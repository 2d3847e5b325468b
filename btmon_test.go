package main

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pathA = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	pathB = dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
)

func connectedPhoneProps(addr string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Address":          dbus.MakeVariant(addr),
		"Connected":        dbus.MakeVariant(true),
		"ServicesResolved": dbus.MakeVariant(true),
		"UUIDs":            dbus.MakeVariant([]string{a2dpUUID, "00001101-0000-1000-8000-00805f9b34fb"}),
	}
}

func TestMacFromPath(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath(pathA))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath(pathA+"/player0"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath(pathA+"/fd3"))
	assert.Equal(t, "", macFromPath("/org/bluez/hci0"))
}

func TestDeviceQualification(t *testing.T) {
	d := deviceFromProps(pathA, connectedPhoneProps("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.addr)
	assert.True(t, d.qualifies())

	applyDeviceProps(d, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})
	assert.False(t, d.qualifies())

	applyDeviceProps(d, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)})
	assert.True(t, d.qualifies())

	// A connected device without audio profiles is not a source.
	applyDeviceProps(d, map[string]dbus.Variant{
		"UUIDs": dbus.MakeVariant([]string{"00001101-0000-1000-8000-00805f9b34fb"}),
	})
	assert.False(t, d.qualifies())
}

func TestDeviceAddrFallsBackToPath(t *testing.T) {
	d := deviceFromProps(pathA, map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(true),
	})
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.addr)
}

func TestEvaluateMostRecentWins(t *testing.T) {
	m := newBTMonitor(make(chan Event, 8), testLogger())
	m.devs[pathA] = deviceFromProps(pathA, connectedPhoneProps(phoneA))

	evs := m.evaluateLocked(pathA)
	require.Equal(t, []Event{{Kind: SourceAppeared, Addr: phoneA}}, evs)
	assert.Equal(t, phoneA, m.Current())

	// A second qualifying phone whose update triggered evaluation takes over.
	m.devs[pathB] = deviceFromProps(pathB, connectedPhoneProps(phoneB))
	evs = m.evaluateLocked(pathB)
	require.Equal(t, []Event{{Kind: SourceAppeared, Addr: phoneB}}, evs)

	// A re-evaluation not triggered by either phone keeps the current one.
	evs = m.evaluateLocked("")
	assert.Empty(t, evs)
	assert.Equal(t, phoneB, m.Current())

	// The current phone dropping falls back to the remaining one.
	applyDeviceProps(m.devs[pathB], map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})
	evs = m.evaluateLocked(pathB)
	require.Equal(t, []Event{{Kind: SourceAppeared, Addr: phoneA}}, evs)
}

func TestEvaluateSourceGone(t *testing.T) {
	m := newBTMonitor(make(chan Event, 8), testLogger())
	m.devs[pathA] = deviceFromProps(pathA, connectedPhoneProps(phoneA))
	m.evaluateLocked(pathA)

	applyDeviceProps(m.devs[pathA], map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})
	evs := m.evaluateLocked(pathA)
	require.Equal(t, []Event{{Kind: SourceGone}}, evs)
	assert.Equal(t, "", m.Current())
}

func TestHandleSignalPropertyChange(t *testing.T) {
	ctx := context.Background()
	events := make(chan Event, 8)
	m := newBTMonitor(events, testLogger())
	m.devs[pathA] = deviceFromProps(pathA, connectedPhoneProps(phoneA))
	m.evaluateLocked(pathA)
	drainEvents(events)

	m.handleSignal(ctx, &dbus.Signal{
		Name: propsSignal,
		Path: pathA,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{
			"Connected": dbus.MakeVariant(false),
		}, []string{}},
	})
	require.Equal(t, []Event{{Kind: SourceGone}}, drainEvents(events))
}

func TestHandleSignalInterfacesAddedAndRemoved(t *testing.T) {
	ctx := context.Background()
	events := make(chan Event, 8)
	m := newBTMonitor(events, testLogger())

	m.handleSignal(ctx, &dbus.Signal{
		Name: ifacesAddedSignal,
		Path: "/",
		Body: []interface{}{pathA, map[string]map[string]dbus.Variant{
			deviceIface: connectedPhoneProps(phoneA),
		}},
	})
	require.Equal(t, []Event{{Kind: SourceAppeared, Addr: phoneA}}, drainEvents(events))

	// The phone registering its media player is cached for the AVRCP relay.
	playerPath := pathA + "/player0"
	m.handleSignal(ctx, &dbus.Signal{
		Name: ifacesAddedSignal,
		Path: "/",
		Body: []interface{}{playerPath, map[string]map[string]dbus.Variant{
			playerIface: {},
		}},
	})
	m.mu.Lock()
	assert.Equal(t, playerPath, m.player)
	m.mu.Unlock()

	m.handleSignal(ctx, &dbus.Signal{
		Name: ifacesRemovedSignal,
		Path: "/",
		Body: []interface{}{pathA, []string{deviceIface}},
	})
	require.Equal(t, []Event{{Kind: SourceGone}}, drainEvents(events))
}

func TestHandleSignalIgnoresUnknownDevices(t *testing.T) {
	ctx := context.Background()
	events := make(chan Event, 8)
	m := newBTMonitor(events, testLogger())

	m.handleSignal(ctx, &dbus.Signal{
		Name: propsSignal,
		Path: pathA,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{
			"Connected": dbus.MakeVariant(true),
		}, []string{}},
	})
	assert.Empty(t, drainEvents(events))
}

func TestTrackFromProps(t *testing.T) {
	props := map[string]dbus.Variant{
		"Track": dbus.MakeVariant(map[string]dbus.Variant{
			"Title":    dbus.MakeVariant("Dancing Queen"),
			"Artist":   dbus.MakeVariant("ABBA"),
			"Album":    dbus.MakeVariant("Arrival"),
			"Duration": dbus.MakeVariant(uint32(230000)),
		}),
		"Status": dbus.MakeVariant("playing"),
	}
	ti := trackFromProps(props)
	assert.Equal(t, TrackInfo{
		Title:    "Dancing Queen",
		Artist:   "ABBA",
		Album:    "Arrival",
		Duration: 230000,
	}, ti)

	// Phones routinely omit fields.
	assert.True(t, trackFromProps(map[string]dbus.Variant{}).Empty())
	assert.True(t, trackFromProps(map[string]dbus.Variant{
		"Track": dbus.MakeVariant(map[string]dbus.Variant{}),
	}).Empty())
}

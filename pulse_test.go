package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchBluezSource(t *testing.T) {
	names := []string{
		"alsa_output.platform-g_ipod_audio.0.analog-stereo.monitor",
		"bluez_source.AA_BB_CC_DD_EE_FF.a2dp_source",
	}
	src, ok := matchBluezSource(names, "AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Equal(t, "bluez_source.AA_BB_CC_DD_EE_FF.a2dp_source", src)

	_, ok = matchBluezSource(names, "11:22:33:44:55:66")
	assert.False(t, ok)

	// Some bluez module versions expose the card name instead.
	src, ok = matchBluezSource([]string{"bluez_card.11_22_33_44_55_66.a2dp_source"}, "11:22:33:44:55:66")
	require.True(t, ok)
	assert.Equal(t, "bluez_card.11_22_33_44_55_66.a2dp_source", src)
}

func TestLoopbackArgs(t *testing.T) {
	args := loopbackArgs("bluez_source.AA_BB_CC_DD_EE_FF.a2dp_source", gadget, 50)
	assert.Equal(t,
		"source=bluez_source.AA_BB_CC_DD_EE_FF.a2dp_source sink="+gadget+" latency_msec=50",
		args)
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"gadget_sink": "alsa_output.usb-gadget.stereo",
		"latency_msec": 80,
		"ipod_client": ""
	}`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "alsa_output.usb-gadget.stereo", cfg.GadgetSink)
	assert.Equal(t, 80, cfg.LatencyMsec)
	assert.Empty(t, cfg.IPodClient, "explicit empty path disables the relay")
	// Unset fields keep their defaults.
	assert.Equal(t, defaultConfig().LogPath, cfg.LogPath)
	assert.Equal(t, defaultConfig().PollIntervalMsec, cfg.PollIntervalMsec)
}

func TestLoadConfigRejectsEmptySink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gadget_sink": ""}`), 0644))
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigClampsPollInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"poll_interval_msec": 60000}`), 0644))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	// Responsive bridging needs a short poll cadence.
	assert.Equal(t, defaultConfig().PollIntervalMsec, cfg.PollIntervalMsec)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds daemon settings. Every field has a working default; the config
// file only needs to override what differs on a given install.
type Config struct {
	// GadgetSink is the sound-server name of the USB-gadget audio output.
	// Provisioned by the installer along with the gadget kernel modules.
	GadgetSink string `json:"gadget_sink"`

	// LatencyMsec is the target latency passed to module-loopback.
	LatencyMsec int `json:"latency_msec"`

	// PollIntervalMsec is the gadget-sink poll cadence.
	PollIntervalMsec int `json:"poll_interval_msec"`

	LogPath    string `json:"log_path"`
	SocketPath string `json:"socket_path"`

	// IPodClient is the path to the externally supplied iPod-protocol program.
	// Empty disables the metadata/control relay.
	IPodClient string `json:"ipod_client"`
	IPodDevice string `json:"ipod_device"`
	IPodTrace  string `json:"ipod_trace"`
}

func defaultConfig() *Config {
	return &Config{
		GadgetSink:       "alsa_output.platform-g_ipod_audio.0.analog-stereo",
		LatencyMsec:      50,
		PollIntervalMsec: 2000,
		LogPath:          "/var/log/bridgectl.log",
		SocketPath:       socketPath(),
		IPodClient:       "/opt/ipod/ipod",
		IPodDevice:       "/dev/iap0",
		IPodTrace:        "/tmp/ipod.trace",
	}
}

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "bridgectl.sock")
}

func configPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "bridgectl", "config.json")
}

// loadConfig reads the config file at path, or the default location when path
// is empty. A missing file is not an error: the defaults are a complete
// working configuration.
func loadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.GadgetSink == "" {
		return nil, fmt.Errorf("config %s: gadget_sink must not be empty", path)
	}
	if cfg.LatencyMsec <= 0 {
		cfg.LatencyMsec = defaultConfig().LatencyMsec
	}
	if cfg.PollIntervalMsec <= 0 || cfg.PollIntervalMsec > 2000 {
		cfg.PollIntervalMsec = defaultConfig().PollIntervalMsec
	}
	return cfg, nil
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMsec) * time.Millisecond
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// Error taxonomy for sound-server operations. Both are transient: the
// orchestrator retries ErrModuleLoad with backoff and answers
// ErrServerUnavailable by entering the recovering state.
var (
	ErrModuleLoad        = errors.New("loopback module load failed")
	ErrServerUnavailable = errors.New("sound server unreachable")
)

// RouteHandle is the opaque id of a loaded loopback module.
type RouteHandle uint32

// Controller is the sound-server surface the orchestrator depends on.
type Controller interface {
	EstablishRoute(sourceAddr, sinkName string, latencyMsec int) (RouteHandle, error)
	TeardownRoute(handle RouteHandle) error
	Alive() bool
}

// sinkInventory is the slice of the controller the gadget-sink monitor needs.
type sinkInventory interface {
	Sinks() ([]string, error)
}

const requestTimeout = 5 * time.Second

// pulseController talks the PulseAudio native protocol. It reconnects lazily
// after the server restarts; a dropped connection surfaces as
// ErrServerUnavailable until a later call succeeds.
type pulseController struct {
	log *slog.Logger

	mu     sync.Mutex
	client *pulse.Client
}

func newPulseController(log *slog.Logger) *pulseController {
	return &pulseController{log: log}
}

func (c *pulseController) ensureLocked() error {
	if c.client != nil {
		return nil
	}
	client, err := pulse.NewClient(pulse.ClientApplicationName("bridgectl"))
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *pulseController) dropLocked() {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// request performs one raw protocol round trip with a hard timeout. A server
// reply carrying an error code is returned as-is (the server is alive, the
// command failed); anything else drops the connection and maps to
// ErrServerUnavailable.
func (c *pulseController) request(req proto.RequestArgs, rep proto.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	client := c.client
	done := make(chan error, 1)
	go func() { done <- client.RawRequest(req, rep) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var perr proto.Error
		if errors.As(err, &perr) {
			return err
		}
		c.dropLocked()
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	case <-time.After(requestTimeout):
		// The stale connection would deliver the late reply to the next
		// caller; drop it instead.
		c.dropLocked()
		return fmt.Errorf("%w: request timed out after %s", ErrServerUnavailable, requestTimeout)
	}
}

// Alive reports whether the server answers a server-info round trip.
func (c *pulseController) Alive() bool {
	var rep proto.GetServerInfoReply
	return c.request(&proto.GetServerInfo{}, &rep) == nil
}

// Sinks returns the names of all sinks the server currently knows.
func (c *pulseController) Sinks() ([]string, error) {
	var rep proto.GetSinkInfoListReply
	if err := c.request(&proto.GetSinkInfoList{}, &rep); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rep))
	for _, info := range rep {
		if info != nil {
			names = append(names, info.SinkName)
		}
	}
	return names, nil
}

func (c *pulseController) sources() ([]string, error) {
	var rep proto.GetSourceInfoListReply
	if err := c.request(&proto.GetSourceInfoList{}, &rep); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rep))
	for _, info := range rep {
		if info != nil {
			names = append(names, info.SourceName)
		}
	}
	return names, nil
}

// EstablishRoute loads module-loopback from the bluez source belonging to
// sourceAddr into sinkName. The bluez source may lag device connection while
// the sound server registers the A2DP stream; a missing source is an
// ErrModuleLoad the orchestrator retries.
func (c *pulseController) EstablishRoute(sourceAddr, sinkName string, latencyMsec int) (RouteHandle, error) {
	names, err := c.sources()
	if err != nil {
		return 0, err
	}
	source, ok := matchBluezSource(names, sourceAddr)
	if !ok {
		return 0, fmt.Errorf("%w: no bluez source registered for %s yet", ErrModuleLoad, sourceAddr)
	}

	var rep proto.LoadModuleReply
	req := &proto.LoadModule{
		Name: "module-loopback",
		Args: loopbackArgs(source, sinkName, latencyMsec),
	}
	if err := c.request(req, &rep); err != nil {
		if errors.Is(err, ErrServerUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrModuleLoad, err)
	}
	c.log.Info("loaded module-loopback", "source", source, "sink", sinkName, "module", rep.ModuleIndex)
	return RouteHandle(rep.ModuleIndex), nil
}

// TeardownRoute unloads the loopback module. Unloading a module the server no
// longer has is a no-op: the endpoints may have vanished between the decision
// to tear down and this call.
func (c *pulseController) TeardownRoute(handle RouteHandle) error {
	err := c.request(&proto.UnloadModule{ModuleIndex: uint32(handle)}, nil)
	if err == nil {
		c.log.Info("unloaded module-loopback", "module", uint32(handle))
		return nil
	}
	if errors.Is(err, ErrServerUnavailable) {
		return err
	}
	// Server is alive and rejected the unload: the module is already gone.
	c.log.Debug("unload of absent module ignored", "module", uint32(handle), "err", err)
	return nil
}

// CleanupStaleLoopbacks unloads loopback modules left behind by a previous
// run (the process may have been killed while bridged).
func (c *pulseController) CleanupStaleLoopbacks() error {
	var rep proto.GetModuleInfoListReply
	if err := c.request(&proto.GetModuleInfoList{}, &rep); err != nil {
		return err
	}
	for _, info := range rep {
		if info == nil || info.ModuleName != "module-loopback" {
			continue
		}
		c.log.Warn("unloading stale loopback from previous run", "module", info.ModuleIndex)
		if err := c.TeardownRoute(RouteHandle(info.ModuleIndex)); err != nil {
			return err
		}
	}
	return nil
}

func (c *pulseController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

// matchBluezSource finds the sound-server source for a bluetooth device
// address, e.g. "bluez_source.AA_BB_CC_DD_EE_FF.a2dp_source" for
// "AA:BB:CC:DD:EE:FF". The suffix varies across bluez module versions, so
// only the prefix is matched.
func matchBluezSource(names []string, addr string) (string, bool) {
	escaped := strings.ReplaceAll(addr, ":", "_")
	prefixes := []string{
		"bluez_source." + escaped,
		"bluez_card." + escaped,
	}
	for _, name := range names {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return name, true
			}
		}
	}
	return "", false
}

func loopbackArgs(source, sink string, latencyMsec int) string {
	return fmt.Sprintf("source=%s sink=%s latency_msec=%d", source, sink, latencyMsec)
}

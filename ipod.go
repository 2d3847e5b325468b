package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const metadataInterval = 2 * time.Second

// mediaRelay is the AVRCP surface the iPod supervisor needs from the
// bluetooth monitor.
type mediaRelay interface {
	Current() string
	TrackInfo() (TrackInfo, bool)
	Control(method string) error
}

// ipodSupervisor runs the externally supplied iPod-protocol client as a child
// process: track metadata flows in through its stdin, head-unit transport
// commands flow out through its stdout. The child is restarted with backoff
// whenever it exits; a missing binary is retried too, since the head unit may
// be provisioned after the daemon starts.
type ipodSupervisor struct {
	cfg   *Config
	relay mediaRelay
	log   *slog.Logger

	mu       sync.Mutex
	stdin    io.Writer
	lastSent TrackInfo
	haveSent bool
}

func newIPodSupervisor(cfg *Config, relay mediaRelay, log *slog.Logger) *ipodSupervisor {
	return &ipodSupervisor{cfg: cfg, relay: relay, log: log}
}

func (s *ipodSupervisor) Run(ctx context.Context) error {
	if s.cfg.IPodClient == "" {
		s.log.Info("ipod client disabled, metadata relay off")
		return nil
	}
	delay := time.Second
	for {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			delay = time.Second
		}
		s.log.Warn("ipod client exited", "err", err, "restart_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextBackoff(delay)
	}
}

func (s *ipodSupervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.IPodClient,
		"-d", "serve", "-w", s.cfg.IPodTrace, s.cfg.IPodDevice)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.IPodClient, err)
	}
	s.log.Info("ipod client started", "path", s.cfg.IPodClient, "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.stdin = stdin
	s.haveSent = false
	s.mu.Unlock()

	go s.readControls(stdout)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(metadataInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return <-exited
		case err := <-exited:
			s.mu.Lock()
			s.stdin = nil
			s.mu.Unlock()
			return err
		case <-ticker.C:
			s.syncMetadata()
		}
	}
}

// syncMetadata pushes track metadata to the child when it changed since the
// last send. When the phone goes away an empty record is sent once so the
// head unit clears its display.
func (s *ipodSupervisor) syncMetadata() {
	var ti TrackInfo
	if s.relay.Current() != "" {
		ti, _ = s.relay.TrackInfo()
	}

	s.mu.Lock()
	stdin := s.stdin
	send := stdin != nil && (!s.haveSent || ti != s.lastSent)
	if send && ti.Empty() && (!s.haveSent || s.lastSent.Empty()) {
		send = false
	}
	s.mu.Unlock()
	if !send {
		return
	}

	if _, err := io.WriteString(stdin, formatMetadata(ti)); err != nil {
		s.log.Warn("metadata write failed", "err", err)
		return
	}
	s.mu.Lock()
	s.lastSent = ti
	s.haveSent = true
	s.mu.Unlock()
	s.log.Info("metadata sent", "title", ti.Title, "artist", ti.Artist)
}

func (s *ipodSupervisor) readControls(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		method, ok := parseControl(line)
		if !ok {
			s.log.Warn("unknown control from ipod client", "line", line)
			continue
		}
		s.log.Info("head unit control", "command", line, "method", method)
		if err := s.relay.Control(method); err != nil {
			s.log.Warn("control relay failed", "method", method, "err", err)
		}
	}
}

// parseControl maps a head-unit command line to a MediaPlayer1 method name.
func parseControl(line string) (string, bool) {
	switch strings.ToUpper(line) {
	case "PLAY":
		return "Play", true
	case "PAUSE":
		return "Pause", true
	case "NEXT":
		return "Next", true
	case "PREVIOUS", "PREV":
		return "Previous", true
	case "STOP":
		return "Stop", true
	}
	return "", false
}

// formatMetadata renders the KEY=value lines the iPod client reads on stdin.
// Empty text fields are omitted; duration is always present so the head unit
// can reset its progress bar.
func formatMetadata(ti TrackInfo) string {
	var b strings.Builder
	if ti.Title != "" {
		fmt.Fprintf(&b, "TITLE=%s\n", ti.Title)
	}
	if ti.Artist != "" {
		fmt.Fprintf(&b, "ARTIST=%s\n", ti.Artist)
	}
	if ti.Album != "" {
		fmt.Fprintf(&b, "ALBUM=%s\n", ti.Album)
	}
	fmt.Fprintf(&b, "DURATION=%d\n", ti.Duration)
	return b.String()
}

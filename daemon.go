package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func runDaemon(cfg *Config) error {
	log, closeLog := newLogger(cfg.LogPath)
	defer closeLog()
	log.Info("bridgectl starting",
		"sink", cfg.GadgetSink, "latency_msec", cfg.LatencyMsec, "poll_interval", cfg.pollInterval())

	ctrl := newPulseController(log)
	defer ctrl.Close()
	// A previous run killed while bridged leaves its loopback behind.
	if err := ctrl.CleanupStaleLoopbacks(); err != nil {
		log.Warn("stale loopback cleanup failed", "err", err)
	}

	events := make(chan Event, 16)
	btmon := newBTMonitor(events, log)
	sinkmon := newSinkMonitor(ctrl, cfg.GadgetSink, cfg.pollInterval(), events, log)
	orch := newOrchestrator(ctrl, cfg, events, func() (string, bool) {
		return btmon.Current(), sinkmon.Present()
	}, log)
	ipod := newIPodSupervisor(cfg, btmon, log)

	os.Remove(cfg.SocketPath) // remove stale socket
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.SocketPath, err)
	}
	os.Chmod(cfg.SocketPath, 0700)
	defer os.Remove(cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return btmon.Run(ctx) })
	g.Go(func() error { return sinkmon.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return ipod.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				// Listener closed by shutdown.
				return nil
			}
			go handleConn(conn, orch, btmon)
		}
	})

	log.Info("bridgectl running", "socket", cfg.SocketPath)
	err = g.Wait()
	log.Info("bridgectl stopped")
	return err
}

func handleConn(conn net.Conn, orch *orchestrator, btmon *btMonitor) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(IPCResponse{Error: "invalid request: " + err.Error()})
		return
	}

	switch req.Command {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := orch.Status(ctx)
		if err != nil {
			resp = IPCResponse{Error: "status query timed out"}
		} else if resp.Source != "" {
			if ti, ok := btmon.TrackInfo(); ok && !ti.Empty() {
				resp.Track = &ti
			}
		}
		json.NewEncoder(conn).Encode(resp)
	default:
		json.NewEncoder(conn).Encode(IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)})
	}
}

package main

import (
	"io"
	"log/slog"
	"os"
)

// bestEffortWriter swallows write errors. The durable log is a pure observer:
// a full disk must never stall or crash the orchestrator.
type bestEffortWriter struct {
	w io.Writer
}

func (b bestEffortWriter) Write(p []byte) (int, error) {
	b.w.Write(p)
	return len(p), nil
}

// newLogger builds the health/log reporter: timestamped text lines appended to
// the durable log file and mirrored to stderr. If the file cannot be opened
// the daemon keeps running with stderr only.
func newLogger(path string) (*slog.Logger, func()) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		out = io.MultiWriter(os.Stderr, bestEffortWriter{f})
		closeFn = func() { f.Close() }
	}

	logger := slog.New(slog.NewTextHandler(out, nil))
	if err != nil {
		logger.Warn("durable log unavailable, logging to stderr only", "path", path, "err", err)
	}
	return logger, closeFn
}

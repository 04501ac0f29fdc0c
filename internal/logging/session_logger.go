// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewHostLogger to write simultaneously to the global
// handler and to a host's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually before dispatching, so a
	// DEBUG record isn't sent to a primary handler configured for INFO+.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors on the host log file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewHostLogger builds a logger that writes both to the base (global)
// logger and to a file dedicated to one host's run, under:
//
//	{hostLogDir}/{host}/{runID}.log
//
// Returns the enriched logger, an io.Closer for the host log file, and the
// file's path (hostLogDir joined with host and runID). The Closer MUST be called (defer) when the host's
// run finishes.
//
// If hostLogDir is empty, returns the base logger unmodified (no-op).
func NewHostLogger(baseLogger *slog.Logger, hostLogDir, host, runID string) (*slog.Logger, io.Closer, string, error) {
	if hostLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(hostLogDir, host)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating host log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, runID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening host log file %s: %w", logPath, err)
	}

	// The host log file always uses JSON at DEBUG level, for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan out to the base logger's handler plus the file handler.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveHostLog deletes a finished host's log file once its run has
// completed successfully. No-op if hostLogDir is empty or the file is
// missing.
func RemoveHostLog(hostLogDir, host, runID string) {
	if hostLogDir == "" {
		return
	}
	logPath := filepath.Join(hostLogDir, host, runID+".log")
	os.Remove(logPath)
}

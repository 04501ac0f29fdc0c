// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewHostLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewHostLogger(base, "", "host1", "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when hostLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewHostLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewHostLogger(base, dir, "web-01", "run-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify the host directory was created.
	hostDir := filepath.Join(dir, "web-01")
	if _, err := os.Stat(hostDir); os.IsNotExist(err) {
		t.Fatalf("host dir not created: %s", hostDir)
	}

	// Verify the returned path is correct.
	expectedPath := filepath.Join(hostDir, "run-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	// Write a log record.
	logger.Info("test message", "key", "value")

	// Close the host log file to force a flush.
	closer.Close()

	// Verify the log appears in the base handler's buffer.
	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	// Verify the log appears in the host log file.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading host log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in host file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in host file: %s", content)
	}
}

func TestNewHostLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Base logger at INFO — does not accept DEBUG.
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewHostLogger(base, dir, "host1", "run-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Write a DEBUG record.
	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	// DEBUG must NOT appear in the base handler (filtered at INFO level).
	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	// INFO MUST appear in the base handler.
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	// Both MUST appear in the host file (DEBUG level).
	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from host file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from host file: %s", content)
	}
}

func TestRemoveHostLog(t *testing.T) {
	dir := t.TempDir()
	hostDir := filepath.Join(dir, "host1")
	os.MkdirAll(hostDir, 0755)

	logPath := filepath.Join(hostDir, "run-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveHostLog(dir, "host1", "run-to-remove")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("host log file should have been removed")
	}
}

func TestRemoveHostLog_NoOpWhenEmpty(t *testing.T) {
	// Must not panic or error when hostLogDir is empty.
	RemoveHostLog("", "host1", "run")
}

func TestRemoveHostLog_NoOpWhenFileMissing(t *testing.T) {
	// Must not panic or error when the file doesn't exist.
	RemoveHostLog(t.TempDir(), "host1", "nonexistent-run")
}

func TestNewHostLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewHostLogger(base, dir, "host1", "run-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Add attrs through logger.With.
	enriched := logger.With("host", "run-attrs", "mode", "parallel")
	enriched.Info("enriched message")

	closer.Close()

	// Verify the attrs appear in both.
	if !strings.Contains(baseBuf.String(), "run-attrs") {
		t.Error("host attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "run-attrs") {
		t.Errorf("host attr missing from host file: %s", content)
	}
	if !strings.Contains(content, "parallel") {
		t.Errorf("mode attr missing from host file: %s", content)
	}
}

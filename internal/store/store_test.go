// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"path/filepath"
	"testing"

	"github.com/nbfleet/fleetexec/internal/coordinator"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetexec.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Commit() })
	return s
}

func TestStore_PutHostIsIdempotent(t *testing.T) {
	s := openTemp(t)
	if err := s.PutHost("web-01"); err != nil {
		t.Fatalf("PutHost: %v", err)
	}
	if err := s.PutHost("web-01"); err != nil {
		t.Fatalf("PutHost (repeat): %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM hosts`).Scan(&count); err != nil {
		t.Fatalf("querying hosts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 host row, got %d", count)
	}
}

func TestStore_PutResult_RequiresRegisteredHostAndCommand(t *testing.T) {
	s := openTemp(t)
	if err := s.PutResult("ghost-host", "uptime", coordinator.ResultOkay, "out"); err == nil {
		t.Fatal("expected error for unregistered host")
	}

	if err := s.PutHost("web-01"); err != nil {
		t.Fatalf("PutHost: %v", err)
	}
	if err := s.PutResult("web-01", "uptime", coordinator.ResultOkay, "out"); err == nil {
		t.Fatal("expected error for unregistered command")
	}
}

func TestStore_FullFlow(t *testing.T) {
	s := openTemp(t)
	if err := s.PutHost("web-01"); err != nil {
		t.Fatalf("PutHost: %v", err)
	}
	if err := s.PutCommand("uptime"); err != nil {
		t.Fatalf("PutCommand: %v", err)
	}
	if err := s.PutResult("web-01", "uptime", coordinator.ResultOkay, "up 3 days"); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	var status string
	var output []byte
	err := s.db.QueryRow(`SELECT status, output FROM results LIMIT 1`).Scan(&status, &output)
	if err != nil {
		t.Fatalf("querying result: %v", err)
	}
	if status != "okay" {
		t.Fatalf("expected status okay, got %q", status)
	}
	if len(output) == 0 {
		t.Fatal("expected non-empty compressed output")
	}

	var nhosts, ncommands, nresults int
	err = s.db.QueryRow(`SELECT nhosts, ncommands, nresults FROM statistics WHERE id = 0`).
		Scan(&nhosts, &ncommands, &nresults)
	if err != nil {
		t.Fatalf("querying statistics: %v", err)
	}
	if nhosts != 1 || ncommands != 1 || nresults != 1 {
		t.Fatalf("expected statistics (1,1,1), got (%d,%d,%d)", nhosts, ncommands, nresults)
	}
}

func TestStore_CommitClosesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetexec.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.db.Ping(); err == nil {
		t.Fatal("expected database to be closed after Commit")
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store is the reference result-store adapter: a local SQLite
// database (pure Go driver, no cgo) holding the hosts/commands/results the
// coordinator records as a fleet run progresses, satisfying
// internal/coordinator.Store. Large command output is zstd-compressed
// before it hits a BLOB column.
package store

import (
	"database/sql"
	"fmt"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/nbfleet/fleetexec/internal/coordinator"
)

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT NOT NULL UNIQUE,
	status   TEXT NOT NULL DEFAULT 'pending'
);
CREATE TABLE IF NOT EXISTS commands (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	command TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id INTEGER NOT NULL REFERENCES hosts(id),
	cmd_id  INTEGER NOT NULL REFERENCES commands(id),
	status  TEXT NOT NULL,
	output  BLOB
);
CREATE TABLE IF NOT EXISTS statistics (
	id        INTEGER PRIMARY KEY CHECK (id = 0),
	nhosts    INTEGER NOT NULL DEFAULT 0,
	ncommands INTEGER NOT NULL DEFAULT 0,
	nresults  INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO statistics (id, nhosts, ncommands, nresults) VALUES (0, 0, 0, 0);
`

// Store persists fleet-run results to a SQLite database matching
// SPEC_FULL §6's reference schema. Not safe for concurrent use — the
// coordinator serializes all calls on its single goroutine, so the store
// needs no locking of its own.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder

	// hostIDs/cmdIDs cache the id assigned on first registration. A
	// command string repeated verbatim at two positions in the plan
	// collapses onto one cmd_id; this loses positional distinction
	// between the two occurrences but not the recorded command text,
	// which is the only thing coordinator.Store's interface carries.
	hostIDs map[string]int64
	cmdIDs  map[string]int64
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: building zstd encoder: %w", err)
	}

	return &Store{
		db:      db,
		enc:     enc,
		hostIDs: make(map[string]int64),
		cmdIDs:  make(map[string]int64),
	}, nil
}

// PutHost registers host, assigning it a stable row id if not already
// present.
func (s *Store) PutHost(host string) error {
	if _, ok := s.hostIDs[host]; ok {
		return nil
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO hosts (hostname) VALUES (?)`, host); err != nil {
		return fmt.Errorf("store: inserting host %q: %w", host, err)
	}
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM hosts WHERE hostname = ?`, host).Scan(&id); err != nil {
		return fmt.Errorf("store: resolving host %q id: %w", host, err)
	}
	s.hostIDs[host] = id
	return s.refreshCount("hosts", "nhosts")
}

// PutCommand registers command, assigning it a row id if not already
// present.
func (s *Store) PutCommand(command string) error {
	if _, ok := s.cmdIDs[command]; ok {
		return nil
	}
	res, err := s.db.Exec(`INSERT INTO commands (command) VALUES (?)`, command)
	if err != nil {
		return fmt.Errorf("store: inserting command %q: %w", command, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: resolving command %q id: %w", command, err)
	}
	s.cmdIDs[command] = id
	return s.refreshCount("commands", "ncommands")
}

// PutResult records one (host, command) outcome, zstd-compressing output
// before it is stored.
func (s *Store) PutResult(host, command string, status coordinator.ResultStatus, output string) error {
	hostID, ok := s.hostIDs[host]
	if !ok {
		return fmt.Errorf("store: recording result for unregistered host %q", host)
	}
	cmdID, ok := s.cmdIDs[command]
	if !ok {
		return fmt.Errorf("store: recording result for unregistered command %q", command)
	}

	compressed := s.enc.EncodeAll([]byte(output), nil)
	if _, err := s.db.Exec(
		`INSERT INTO results (host_id, cmd_id, status, output) VALUES (?, ?, ?, ?)`,
		hostID, cmdID, status.String(), compressed,
	); err != nil {
		return fmt.Errorf("store: inserting result for host %q: %w", host, err)
	}
	return s.refreshCount("results", "nresults")
}

// Commit flushes and closes the database. Called once by the pool at
// shutdown; the Store must not be used again afterward.
func (s *Store) Commit() error {
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return fmt.Errorf("store: closing zstd encoder: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}
	return nil
}

func (s *Store) refreshCount(table, column string) error {
	q := fmt.Sprintf(`UPDATE statistics SET %s = (SELECT COUNT(*) FROM %s) WHERE id = 0`, column, table)
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("store: refreshing %s count: %w", column, err)
	}
	return nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statusmatrix holds the coordinator's (command_index, worker_id)
// status table. It is a plain slice of an enum per worker, not a bitfield:
// there are only four states and no throughput reason to pack them.
package statusmatrix

import (
	"errors"
	"fmt"
)

// CellState is one of the four states a (command, worker) cell can hold.
type CellState byte

const (
	// Wait means the command has not yet been dispatched to this worker.
	Wait CellState = iota
	// Handling means the command was dispatched and a result is pending.
	Handling
	// Okay means the command completed successfully.
	Okay
	// Fail means the command completed with failure, after retries were
	// exhausted or the failure was ignored.
	Fail
)

func (s CellState) String() string {
	switch s {
	case Wait:
		return "wait"
	case Handling:
		return "handling"
	case Okay:
		return "okay"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("CellState(%d)", byte(s))
	}
}

// ErrInvalidTransition is returned when a caller requests a cell transition
// that violates Wait -> Handling -> {Okay, Fail}.
var ErrInvalidTransition = errors.New("statusmatrix: invalid cell transition")

// Matrix is the coordinator's per-worker command status table: one row per
// worker, one column per command. Not safe for concurrent use; the
// coordinator serializes all access from its single event loop.
type Matrix struct {
	rows      [][]CellState
	nCommands int
}

// New builds a Matrix for the given number of workers and commands, with
// every cell starting at Wait.
func New(workers, commands int) *Matrix {
	rows := make([][]CellState, workers)
	for i := range rows {
		rows[i] = make([]CellState, commands)
	}
	return &Matrix{rows: rows, nCommands: commands}
}

// Get returns the current state of one cell.
func (m *Matrix) Get(workerID, cmdIndex int) CellState {
	return m.rows[workerID][cmdIndex]
}

// Dispatch moves a cell from Wait to Handling. Returns ErrInvalidTransition
// if the cell isn't currently Wait.
func (m *Matrix) Dispatch(workerID, cmdIndex int) error {
	if m.rows[workerID][cmdIndex] != Wait {
		return fmt.Errorf("%w: worker %d command %d is %s, not wait",
			ErrInvalidTransition, workerID, cmdIndex, m.rows[workerID][cmdIndex])
	}
	m.rows[workerID][cmdIndex] = Handling
	return nil
}

// Complete moves a cell from Handling to Okay or Fail. Returns
// ErrInvalidTransition if the cell isn't currently Handling.
func (m *Matrix) Complete(workerID, cmdIndex int, ok bool) error {
	if m.rows[workerID][cmdIndex] != Handling {
		return fmt.Errorf("%w: worker %d command %d is %s, not handling",
			ErrInvalidTransition, workerID, cmdIndex, m.rows[workerID][cmdIndex])
	}
	if ok {
		m.rows[workerID][cmdIndex] = Okay
	} else {
		m.rows[workerID][cmdIndex] = Fail
	}
	return nil
}

// ResetWorker resets every cell in a worker's row back to Wait. Called when
// the worker is reassigned to a new host.
func (m *Matrix) ResetWorker(workerID int) {
	row := m.rows[workerID]
	for i := range row {
		row[i] = Wait
	}
}

// WorkerDone reports whether every cell in a worker's row is Okay or Fail,
// i.e. the worker has finished every command against its current host.
func (m *Matrix) WorkerDone(workerID int) bool {
	for _, c := range m.rows[workerID] {
		if c != Okay && c != Fail {
			return false
		}
	}
	return true
}

// Row returns a copy of one worker's row, safe for a caller (e.g. the
// observability endpoint) to read without racing the coordinator's
// mutations.
func (m *Matrix) Row(workerID int) []CellState {
	row := make([]CellState, len(m.rows[workerID]))
	copy(row, m.rows[workerID])
	return row
}

// Workers returns the number of worker rows.
func (m *Matrix) Workers() int {
	return len(m.rows)
}

// Commands returns the number of command columns.
func (m *Matrix) Commands() int {
	return m.nCommands
}

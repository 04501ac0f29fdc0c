// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"github.com/nbfleet/fleetexec/internal/coordinator"
	"github.com/nbfleet/fleetexec/internal/statusmatrix"
)

// coordinatorStatusProxy adapts the observability status endpoint to a
// coordinator that may not exist yet (before the first scheduled run
// starts) or may be swapped out between scheduled runs.
type coordinatorStatusProxy struct {
	get func() *coordinator.Coordinator
}

func (p *coordinatorStatusProxy) Matrix() *statusmatrix.Matrix {
	if c := p.get(); c != nil {
		return c.Matrix()
	}
	return statusmatrix.New(0, 0)
}

func (p *coordinatorStatusProxy) Reception() []string {
	if c := p.get(); c != nil {
		return c.Reception()
	}
	return nil
}

func (p *coordinatorStatusProxy) Done() bool {
	if c := p.get(); c != nil {
		return c.Done()
	}
	return true
}

func (p *coordinatorStatusProxy) HostsQueued() int {
	if c := p.get(); c != nil {
		return c.HostsQueued()
	}
	return 0
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/nbfleet/fleetexec/internal/sshexec"
	"github.com/nbfleet/fleetexec/internal/worker"
)

// sessionAdapter satisfies worker.Session over a concrete *sshexec.Session,
// translating its pointer-Result return into worker's value-Result.
type sessionAdapter struct {
	sess *sshexec.Session
}

func (a sessionAdapter) Run(ctx context.Context, command string) (worker.Result, error) {
	res, err := a.sess.Run(ctx, command)
	if err != nil {
		return worker.Result{}, err
	}
	return worker.Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitStatus: res.ExitStatus}, nil
}

func (a sessionAdapter) Close() error {
	return a.sess.Close()
}

// openerAdapter satisfies worker.Opener over a concrete *sshexec.Dialer.
type openerAdapter struct {
	dialer *sshexec.Dialer
}

func (a openerAdapter) Open(ctx context.Context, addr string) (worker.Session, error) {
	sess, err := a.dialer.Open(ctx, addr)
	if err != nil {
		return nil, err
	}
	return sessionAdapter{sess: sess}, nil
}

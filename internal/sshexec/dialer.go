// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sshexec is the SSH transport adapter: it opens a session against
// one remote host, runs a single command string, and returns its
// stdout/stderr/exit status. Dialing is rate-limited so a large host list
// doesn't open hundreds of TCP+SSH handshakes in the same instant.
package sshexec

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// Dialer opens rate-limited SSH connections. The zero value has no rate
// limit; use NewDialer to cap connection attempts per second.
type Dialer struct {
	limiter *rate.Limiter
	config  *ssh.ClientConfig
	netDial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer builds a Dialer that authenticates with config and, when
// connsPerSec > 0, opens at most that many new connections per second
// (burst of one, so a slow fleet walk never bursts ahead of the limit).
// connsPerSec <= 0 disables the limit.
func NewDialer(config *ssh.ClientConfig, connsPerSec float64) *Dialer {
	d := &Dialer{config: config}
	if connsPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(connsPerSec), 1)
	}
	d.netDial = (&net.Dialer{}).DialContext
	return d
}

// Open dials addr (host:port) over TCP, waiting on the rate limiter first if
// one is configured, then completes the SSH handshake and returns a Session
// ready to Run commands.
func (d *Dialer) Open(ctx context.Context, addr string) (*Session, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("sshexec: rate limiter: %w", err)
		}
	}

	conn, err := d.netDial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sshexec: dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, d.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sshexec: handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Session{client: client}, nil
}

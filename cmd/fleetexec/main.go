// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command fleetexec runs a set of commands against a fleet of hosts over
// SSH, fanning out across a bounded worker pool coordinated by a
// publisher/subscriber dispatch engine.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/crypto/ssh"

	"github.com/nbfleet/fleetexec/internal/archive"
	"github.com/nbfleet/fleetexec/internal/config"
	"github.com/nbfleet/fleetexec/internal/coordinator"
	"github.com/nbfleet/fleetexec/internal/fleetfile"
	"github.com/nbfleet/fleetexec/internal/logging"
	"github.com/nbfleet/fleetexec/internal/monitor"
	"github.com/nbfleet/fleetexec/internal/pool"
	"github.com/nbfleet/fleetexec/internal/scheduler"
	"github.com/nbfleet/fleetexec/internal/server/observability"
	"github.com/nbfleet/fleetexec/internal/sshexec"
	"github.com/nbfleet/fleetexec/internal/store"
)

// version is injected via ldflags at build time (-X main.version=x.y.z).
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "fleetexec"
	app.Usage = "run commands against a fleet of hosts over SSH"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "concurrency, c", Value: config.DefaultConcurrency, Usage: "worker count (max 32)"},
		cli.IntFlag{Name: "group, g", Usage: "group size for batch confirmation; must be >= concurrency"},
		cli.StringFlag{Name: "hosts, o", Usage: "hosts file (one host per line)"},
		cli.StringFlag{Name: "commands, m", Usage: "commands file (one command per line)"},
		cli.StringFlag{Name: "user, u", Usage: "SSH user"},
		cli.StringFlag{Name: "keyfile, k", Usage: "SSH private key path"},
		cli.StringFlag{Name: "password, p", Usage: "SSH password"},
		cli.IntFlag{Name: "retries, r", Value: config.DefaultRetries, Usage: "max retries per command"},
		cli.BoolFlag{Name: "ignore-fail, i", Usage: "ignore-mode instead of abort-mode"},
		cli.BoolFlag{Name: "wide-frames, w", Usage: "raise the frame codec's length field to 4 hex digits"},
		cli.StringFlag{Name: "db, d", Value: config.DefaultDBPath, Usage: "SQLite result database path"},
		cli.StringFlag{Name: "schedule, s", Usage: "re-run the whole plan on a cron schedule instead of once"},
		cli.Float64Flag{Name: "rate, l", Value: config.DefaultRate, Usage: "max new SSH dials per second"},
		cli.StringFlag{Name: "archive-bucket", Usage: "optional S3 bucket to archive the result DB to after each run"},
		cli.StringFlag{Name: "status-listen", Usage: "optional host:port to serve the observability HTTP API on"},
		cli.StringFlag{Name: "status-allow", Value: "127.0.0.1/32", Usage: "comma-separated CIDRs allowed to reach --status-listen"},
		cli.StringFlag{Name: "host-log-dir", Usage: "optional directory for a dedicated log file per host per run"},
		cli.StringFlag{Name: "config", Usage: "optional YAML file filling run settings still at their zero value after flags; --concurrency, --retries, --db and --rate always carry a flag default so the file does not change them, and --log-*, --port and --status-allow are not read from it"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, or error"},
		cli.StringFlag{Name: "log-format", Value: "json", Usage: "json or text"},
		cli.StringFlag{Name: "log-file", Usage: "optional path to additionally log to"},
		cli.IntFlag{Name: "port", Value: 22, Usage: "SSH port appended to every host"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := &config.Config{
		Concurrency:   c.Int("concurrency"),
		Group:         c.Int("group"),
		HostsFile:     c.String("hosts"),
		CommandsFile:  c.String("commands"),
		User:          c.String("user"),
		KeyFile:       c.String("keyfile"),
		Password:      c.String("password"),
		Retries:       c.Int("retries"),
		IgnoreFail:    c.Bool("ignore-fail"),
		WideFrames:    c.Bool("wide-frames"),
		DBPath:        c.String("db"),
		Schedule:      c.String("schedule"),
		RatePerSecond: c.Float64("rate"),
		ArchiveBucket: c.String("archive-bucket"),
		StatusListen:  c.String("status-listen"),
		HostLogDir:    c.String("host-log-dir"),
	}

	if overlayPath := c.String("config"); overlayPath != "" {
		overlay, err := config.LoadOverlay(overlayPath)
		if err != nil {
			return err
		}
		cfg.MergeDefaults(overlay)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closeLog := logging.NewLogger(c.String("log-level"), c.String("log-format"), c.String("log-file"))
	defer closeLog.Close()

	hosts, err := fleetfile.ReadHosts(cfg.HostsFile)
	if err != nil {
		return fmt.Errorf("fleetexec: %w", err)
	}
	commands, err := fleetfile.ReadCommands(cfg.CommandsFile)
	if err != nil {
		return fmt.Errorf("fleetexec: %w", err)
	}

	sshConfig, err := buildSSHConfig(cfg)
	if err != nil {
		return fmt.Errorf("fleetexec: %w", err)
	}
	dialer := sshexec.NewDialer(sshConfig, cfg.RatePerSecond)
	opener := openerAdapter{dialer: dialer}

	mon := monitor.New(log, 15*time.Second)
	mon.Start()
	defer mon.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var events *observability.EventStore
	if cfg.StatusListen != "" {
		events, err = observability.NewEventStore(cfg.DBPath+".events.jsonl", 200, 10000)
		if err != nil {
			return fmt.Errorf("fleetexec: opening event log: %w", err)
		}
		defer events.Close()
	}

	var liveCoord atomic.Pointer[coordinator.Coordinator]
	runOnce := func(runCtx context.Context) error {
		// A fresh Store is opened per run (not once outside this closure):
		// Coordinator.Commit, called unconditionally once the pool's run
		// finishes, closes the underlying *sql.DB and zstd encoder for
		// good, so a Store handed to more than one run would make every
		// run after the first fail inside coordinator.New.
		resultStore, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("fleetexec: opening result store: %w", err)
		}

		coord, err := coordinator.New(hosts, commands, coordinator.Config{
			Workers:    cfg.Concurrency,
			MaxRetries: cfg.Retries,
			IgnoreFail: cfg.IgnoreFail,
			Group:      cfg.Group,
			BitsOfLen:  cfg.BitsOfLen(),
			Confirm:    confirmFromStdin,
		}, resultStore, log)
		if err != nil {
			resultStore.Commit()
			return err
		}
		liveCoord.Store(coord)
		if events != nil {
			events.PushEvent("info", "run_start", 0, "", "fleet run started")
		}

		p, err := pool.New(coord, opener, pool.Config{
			Workers:    cfg.Concurrency,
			BitsOfLen:  cfg.BitsOfLen(),
			Port:       c.Int("port"),
			HostLogDir: cfg.HostLogDir,
			RunID:      time.Now().UTC().Format("20060102T150405"),
		}, log)
		if err != nil {
			resultStore.Commit()
			return err
		}

		runErr := p.Run(runCtx)
		if events != nil {
			events.PushEvent("info", "run_end", 0, "", "fleet run finished")
		}
		if runErr != nil {
			return runErr
		}

		if cfg.ArchiveBucket != "" {
			if err := archive.Run(runCtx, cfg.DBPath, cfg.ArchiveBucket, time.Now()); err != nil {
				log.Error("archiving result database failed", "error", err)
			}
		}
		return nil
	}

	if cfg.StatusListen != "" {
		cidrs, err := parseCIDRList(c.String("status-allow"))
		if err != nil {
			return fmt.Errorf("fleetexec: %w", err)
		}
		acl := observability.NewACL(cidrs)
		status := &coordinatorStatusProxy{get: liveCoord.Load}
		srv := &http.Server{
			Addr:    cfg.StatusListen,
			Handler: observability.NewRouter(status, commands, mon, events, acl),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("status server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Schedule != "" {
		sched, err := scheduler.New(cfg.Schedule, log, runOnce)
		if err != nil {
			return fmt.Errorf("fleetexec: %w", err)
		}
		sched.Start()
		<-ctx.Done()
		sched.Stop(context.Background())
		return nil
	}

	return runOnce(ctx)
}

// buildSSHConfig assembles an ssh.ClientConfig from key file and/or
// password auth. Host keys are not pinned: fleetexec runs against an
// operator-supplied host list, not an adversarial network.
func buildSSHConfig(cfg *config.Config) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyFile != "" {
		keyData, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file %q: %w", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing key file %q: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}, nil
}

// confirmFromStdin implements the coordinator's Group confirmation prompt
// by blocking on a line of stdin (§4.C.1).
func confirmFromStdin() bool {
	fmt.Fprint(os.Stderr, "Continue with next group of hosts? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

// parseCIDRList parses a comma-separated list of CIDRs for the status
// server's allow-list.
func parseCIDRList(s string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, cidr, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		nets = append(nets, cidr)
	}
	return nets, nil
}

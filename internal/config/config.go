// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config builds and validates the fleetexec run configuration: CLI
// flags with an optional YAML file filling any Config field the flags left
// at its zero value. Flags outside Config (logging, SSH port, status ACL)
// are not read from the file.
package config

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nbfleet/fleetexec/internal/protocol"
)

// MaxConcurrency mirrors pool.MaxConcurrency; kept independent so config can
// validate without importing the pool package.
const MaxConcurrency = 32

const (
	DefaultConcurrency = 1
	DefaultRetries     = 1
	DefaultRate        = 10.0
	DefaultDBPath      = "./fleetexec.db"
)

// Config is the fully resolved set of knobs for one fleetexec run,
// populated from CLI flags and, for anything a flag left unset, from an
// optional --config YAML overlay.
type Config struct {
	Concurrency   int     `yaml:"concurrency"`
	Group         int     `yaml:"group"`
	HostsFile     string  `yaml:"hosts"`
	CommandsFile  string  `yaml:"commands"`
	User          string  `yaml:"user"`
	KeyFile       string  `yaml:"keyfile"`
	Password      string  `yaml:"password"`
	Retries       int     `yaml:"retries"`
	IgnoreFail    bool    `yaml:"ignore_fail"`
	WideFrames    bool    `yaml:"wide_frames"`
	DBPath        string  `yaml:"db"`
	Schedule      string  `yaml:"schedule"`
	RatePerSecond float64 `yaml:"rate"`
	ArchiveBucket string  `yaml:"archive_bucket"`
	StatusListen  string  `yaml:"status_listen"`
	HostLogDir    string  `yaml:"host_log_dir"`
}

// LoadOverlay reads a YAML file of default values for any Config field.
func LoadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config overlay %q: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing config overlay %q: %w", path, err)
	}
	return &overlay, nil
}

// MergeDefaults fills every zero-value field of c from overlay. CLI flags
// always win: a flag the operator actually passed has already set the
// field by the time this runs, so only fields still at their zero value
// are eligible to be filled from the file.
func (c *Config) MergeDefaults(overlay *Config) {
	if overlay == nil {
		return
	}
	if c.Concurrency == 0 {
		c.Concurrency = overlay.Concurrency
	}
	if c.Group == 0 {
		c.Group = overlay.Group
	}
	if c.HostsFile == "" {
		c.HostsFile = overlay.HostsFile
	}
	if c.CommandsFile == "" {
		c.CommandsFile = overlay.CommandsFile
	}
	if c.User == "" {
		c.User = overlay.User
	}
	if c.KeyFile == "" {
		c.KeyFile = overlay.KeyFile
	}
	if c.Password == "" {
		c.Password = overlay.Password
	}
	if c.Retries == 0 {
		c.Retries = overlay.Retries
	}
	if !c.IgnoreFail {
		c.IgnoreFail = overlay.IgnoreFail
	}
	if !c.WideFrames {
		c.WideFrames = overlay.WideFrames
	}
	if c.DBPath == "" {
		c.DBPath = overlay.DBPath
	}
	if c.Schedule == "" {
		c.Schedule = overlay.Schedule
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = overlay.RatePerSecond
	}
	if c.ArchiveBucket == "" {
		c.ArchiveBucket = overlay.ArchiveBucket
	}
	if c.StatusListen == "" {
		c.StatusListen = overlay.StatusListen
	}
	if c.HostLogDir == "" {
		c.HostLogDir = overlay.HostLogDir
	}
}

// ApplyDefaults fills in the documented defaults for anything still unset
// after flags and the overlay have both had a chance to set it.
func (c *Config) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = DefaultRate
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
}

// Validate checks the resolved configuration against SPEC_FULL §6's
// required-argument and range rules.
func (c *Config) Validate() error {
	if c.HostsFile == "" {
		return fmt.Errorf("config: --hosts is required")
	}
	if c.CommandsFile == "" {
		return fmt.Errorf("config: --commands is required")
	}
	if c.User == "" {
		return fmt.Errorf("config: --user is required")
	}
	if c.KeyFile == "" && c.Password == "" {
		return fmt.Errorf("config: at least one of --keyfile or --password is required")
	}
	if c.Concurrency <= 0 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("config: --concurrency must be in [1, %d], got %d", MaxConcurrency, c.Concurrency)
	}
	if c.Group > 0 && c.Group < c.Concurrency {
		return fmt.Errorf("config: --group (%d) must be >= --concurrency (%d)", c.Group, c.Concurrency)
	}
	if c.Retries < 0 {
		return fmt.Errorf("config: --retries must be >= 0, got %d", c.Retries)
	}
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("config: --rate must be > 0, got %g", c.RatePerSecond)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("config: invalid --schedule expression %q: %w", c.Schedule, err)
		}
	}
	return nil
}

// BitsOfLen resolves the frame codec width the --wide-frames flag selects.
func (c Config) BitsOfLen() int {
	if c.WideFrames {
		return protocol.WideBitsOfLen
	}
	return protocol.DefaultBitsOfLen
}

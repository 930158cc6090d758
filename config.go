// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"fmt"
	"time"
)

// Config controls one supervised worker pool. The zero value is not usable;
// start from DefaultConfig and override, or load through the daemon's
// config package which layers file and environment on top of these defaults.
type Config struct {
	// Workers is the number of worker processes to keep serving.
	Workers int `koanf:"workers"`

	// Listen is the set of addresses the master binds before spawning
	// workers. Accepted forms: "host:port", "tcp://host:port" and
	// "unix:///path/to.sock". Workers inherit every listener.
	Listen []string `koanf:"listen"`

	// GracefulTimeout bounds how long a draining worker may finish its
	// in-flight requests before it is force-killed.
	GracefulTimeout time.Duration `koanf:"graceful_timeout"`

	// StallTimeout is the heartbeat silence after which a ready worker is
	// declared stalled and force-killed. Must comfortably exceed
	// HeartbeatInterval or healthy workers get shot.
	StallTimeout time.Duration `koanf:"stall_timeout"`

	// HeartbeatInterval is how often each worker writes a liveness byte to
	// its heartbeat pipe.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// StartupTimeout bounds the time between spawn and the READY handshake.
	StartupTimeout time.Duration `koanf:"startup_timeout"`

	// MaxRequests makes each worker retire itself after serving this many
	// requests (0 disables). Retirement is a graceful self-recycle and never
	// counts toward the crash-loop ceiling.
	MaxRequests int `koanf:"max_requests"`

	// MaxRequestsJitter adds a per-worker random offset in [0, jitter] to
	// MaxRequests so a pool started together does not recycle together.
	MaxRequestsJitter int `koanf:"max_requests_jitter"`

	// RestartCeiling and RestartWindow define the per-slot crash-loop
	// ceiling: more than RestartCeiling crashes inside RestartWindow
	// disables the slot and raises a crash_loop alert.
	RestartCeiling int           `koanf:"restart_ceiling"`
	RestartWindow  time.Duration `koanf:"restart_window"`

	// HTTP server limits applied inside every worker.
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`

	// PIDFile, when set, is written with the master PID on startup and
	// removed on shutdown.
	PIDFile string `koanf:"pidfile"`
}

// DefaultConfig returns the defaults for a single-worker pool on the
// conventional local development address.
func DefaultConfig() Config {
	return Config{
		Workers:           1,
		Listen:            []string{"127.0.0.1:8000"},
		GracefulTimeout:   30 * time.Second,
		StallTimeout:      30 * time.Second,
		HeartbeatInterval: time.Second,
		StartupTimeout:    30 * time.Second,
		MaxRequests:       0,
		MaxRequestsJitter: 0,
		RestartCeiling:    5,
		RestartWindow:     time.Minute,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
}

// Validate checks the configuration and returns a *ConfigError naming the
// first offending field. It never mutates the config and has no side
// effects, so it is safe to call before and after file/env layering.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return &ConfigError{Field: "workers", Message: "must be at least 1"}
	}
	if len(c.Listen) == 0 {
		return &ConfigError{Field: "listen", Message: "at least one listen address is required"}
	}
	for _, spec := range c.Listen {
		if _, _, err := parseListenSpec(spec); err != nil {
			return &ConfigError{Field: "listen", Message: err.Error()}
		}
	}
	if c.GracefulTimeout <= 0 {
		return &ConfigError{Field: "graceful_timeout", Message: "must be positive"}
	}
	if c.HeartbeatInterval < 100*time.Millisecond {
		return &ConfigError{Field: "heartbeat_interval", Message: "must be at least 100ms"}
	}
	if c.StallTimeout < 2*c.HeartbeatInterval {
		return &ConfigError{
			Field:   "stall_timeout",
			Message: fmt.Sprintf("must be at least twice heartbeat_interval (%s)", c.HeartbeatInterval),
		}
	}
	if c.StartupTimeout <= 0 {
		return &ConfigError{Field: "startup_timeout", Message: "must be positive"}
	}
	if c.MaxRequests < 0 {
		return &ConfigError{Field: "max_requests", Message: "must not be negative"}
	}
	if c.MaxRequestsJitter < 0 {
		return &ConfigError{Field: "max_requests_jitter", Message: "must not be negative"}
	}
	if c.MaxRequestsJitter > 0 && c.MaxRequests == 0 {
		return &ConfigError{Field: "max_requests_jitter", Message: "requires max_requests to be set"}
	}
	if c.RestartCeiling < 1 {
		return &ConfigError{Field: "restart_ceiling", Message: "must be at least 1"}
	}
	if c.RestartWindow <= 0 {
		return &ConfigError{Field: "restart_window", Message: "must be positive"}
	}
	if c.ReadTimeout < 0 {
		return &ConfigError{Field: "read_timeout", Message: "must not be negative"}
	}
	if c.WriteTimeout < 0 {
		return &ConfigError{Field: "write_timeout", Message: "must not be negative"}
	}
	if c.IdleTimeout < 0 {
		return &ConfigError{Field: "idle_timeout", Message: "must not be negative"}
	}
	return nil
}

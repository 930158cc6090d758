// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/drover"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := drover.DefaultConfig()
	if cfg.Pool.Workers != want.Workers {
		t.Fatalf("workers = %d, want %d", cfg.Pool.Workers, want.Workers)
	}
	if cfg.Pool.GracefulTimeout != want.GracefulTimeout {
		t.Fatalf("graceful timeout = %s, want %s", cfg.Pool.GracefulTimeout, want.GracefulTimeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("log config = %+v, want info/json", cfg.Log)
	}
	if cfg.Control.Addr != "" {
		t.Fatalf("control addr = %q, want disabled by default", cfg.Control.Addr)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("DROVER_WORKERS", "8")
	t.Setenv("DROVER_GRACEFUL_TIMEOUT", "45s")
	t.Setenv("DROVER_LISTEN", "127.0.0.1:9001,127.0.0.1:9002")
	t.Setenv("DROVER_LOG_LEVEL", "debug")
	t.Setenv("DROVER_CONTROL_ADDR", "127.0.0.1:9773")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.Workers != 8 {
		t.Fatalf("workers = %d, want 8", cfg.Pool.Workers)
	}
	if cfg.Pool.GracefulTimeout != 45*time.Second {
		t.Fatalf("graceful timeout = %s, want 45s", cfg.Pool.GracefulTimeout)
	}
	if len(cfg.Pool.Listen) != 2 || cfg.Pool.Listen[1] != "127.0.0.1:9002" {
		t.Fatalf("listen = %v, want two addresses", cfg.Pool.Listen)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Control.Addr != "127.0.0.1:9773" {
		t.Fatalf("control addr = %q, want 127.0.0.1:9773", cfg.Control.Addr)
	}
}

func TestSpawnMarkersAreIgnored(t *testing.T) {
	t.Setenv("DROVER_WORKER_ID", "3")
	t.Setenv("DROVER_WORKER_SLOT", "1")
	t.Setenv("DROVER_LISTENER_COUNT", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Workers != drover.DefaultConfig().Workers {
		t.Fatalf("spawn markers leaked into configuration: %+v", cfg.Pool)
	}
}

func TestYAMLFileLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	yamlBody := `
pool:
  workers: 4
  listen:
    - "127.0.0.1:9100"
  stall_timeout: 90s
log:
  level: warn
control:
  addr: "127.0.0.1:9774"
  token: "filetoken"
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Environment still wins over the file.
	t.Setenv("DROVER_LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.Workers != 4 {
		t.Fatalf("workers = %d, want 4 from file", cfg.Pool.Workers)
	}
	if cfg.Pool.StallTimeout != 90*time.Second {
		t.Fatalf("stall timeout = %s, want 90s from file", cfg.Pool.StallTimeout)
	}
	if len(cfg.Pool.Listen) != 1 || cfg.Pool.Listen[0] != "127.0.0.1:9100" {
		t.Fatalf("listen = %v, want file value", cfg.Pool.Listen)
	}
	if cfg.Control.Token != "filetoken" {
		t.Fatalf("control token = %q, want filetoken", cfg.Control.Token)
	}
	if cfg.Log.Level != "error" {
		t.Fatalf("log level = %q, want env to beat file", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidPoolConfig(t *testing.T) {
	t.Setenv("DROVER_WORKERS", "0")

	_, err := Load()
	var cfgErr *drover.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load error = %v, want *drover.ConfigError", err)
	}
	if cfgErr.Field != "workers" {
		t.Fatalf("ConfigError.Field = %q, want workers", cfgErr.Field)
	}
}

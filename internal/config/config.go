// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

// Package config loads the daemon's configuration with layered sources:
// built-in defaults, then an optional YAML file, then DROVER_* environment
// variables. Precedence: ENV > file > defaults.
//
// The worker processes a master spawns inherit the master's environment, so
// they load the exact same configuration without any extra plumbing.
package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/drover"
	"github.com/tomtom215/drover/control"
	"github.com/tomtom215/drover/internal/logging"
)

// ConfigPathEnvVar points at an explicit config file location.
const ConfigPathEnvVar = "DROVER_CONFIG"

// DefaultConfigPaths are searched in order when DROVER_CONFIG is unset.
var DefaultConfigPaths = []string{
	"drover.yaml",
	"config/drover.yaml",
	"/etc/drover/drover.yaml",
}

// Config is the daemon's full configuration tree.
type Config struct {
	Pool    drover.Config  `koanf:"pool"`
	Log     LogConfig      `koanf:"log"`
	Control control.Config `koanf:"control"`
}

// LogConfig mirrors logging.Config for the parts operators set.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// LoggingConfig converts to the logging package's config type.
func (l LogConfig) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Caller = l.Caller
	return cfg
}

func defaultConfig() Config {
	return Config{
		Pool: drover.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Control: control.DefaultConfig(),
	}
}

// envMappings translates DROVER_* environment variables onto config paths.
// Only listed variables are consumed; the DROVER_WORKER_* spawn markers and
// anything else in the environment are ignored.
var envMappings = map[string]string{
	"DROVER_WORKERS":             "pool.workers",
	"DROVER_LISTEN":              "pool.listen",
	"DROVER_GRACEFUL_TIMEOUT":    "pool.graceful_timeout",
	"DROVER_STALL_TIMEOUT":       "pool.stall_timeout",
	"DROVER_HEARTBEAT_INTERVAL":  "pool.heartbeat_interval",
	"DROVER_STARTUP_TIMEOUT":     "pool.startup_timeout",
	"DROVER_MAX_REQUESTS":        "pool.max_requests",
	"DROVER_MAX_REQUESTS_JITTER": "pool.max_requests_jitter",
	"DROVER_RESTART_CEILING":     "pool.restart_ceiling",
	"DROVER_RESTART_WINDOW":      "pool.restart_window",
	"DROVER_READ_TIMEOUT":        "pool.read_timeout",
	"DROVER_WRITE_TIMEOUT":       "pool.write_timeout",
	"DROVER_IDLE_TIMEOUT":        "pool.idle_timeout",
	"DROVER_PIDFILE":             "pool.pidfile",

	"DROVER_LOG_LEVEL":  "log.level",
	"DROVER_LOG_FORMAT": "log.format",
	"DROVER_LOG_CALLER": "log.caller",

	"DROVER_CONTROL_ADDR":                "control.addr",
	"DROVER_CONTROL_TOKEN":               "control.token",
	"DROVER_CONTROL_ALLOWED_ORIGINS":     "control.allowed_origins",
	"DROVER_CONTROL_REQUESTS_PER_MINUTE": "control.requests_per_minute",
	"DROVER_CONTROL_SHUTDOWN_TIMEOUT":    "control.shutdown_timeout",
}

func envTransformFunc(key string) string {
	return envMappings[key]
}

// Load builds the configuration from defaults, the config file (if any) and
// the environment, then validates the pool section.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		logging.Debug().Str("path", path).Msg("loaded config file")
	}

	if err := k.Load(env.Provider("DROVER_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, preferring the
// explicit DROVER_CONFIG path.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

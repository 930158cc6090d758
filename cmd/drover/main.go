// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

// Command drover runs the supervisor as a standalone daemon serving the
// built-in demo application, with a control API, Prometheus metrics and a
// WebSocket event stream.
//
// Startup ordering matters and is explicit in run():
//
//  1. Load configuration (defaults -> YAML file -> DROVER_* environment).
//  2. Initialize logging (both master and worker processes).
//  3. Worker processes branch into the serving runtime and never return.
//  4. The master builds the supervisor, wires the event stream, installs
//     signal handlers and runs everything under one suture tree.
//
// Signals understood by the master: SIGTERM (graceful shutdown), SIGINT and
// SIGQUIT (immediate), SIGHUP (rolling reload), SIGTTIN/SIGTTOU (scale the
// pool by one either way). The same operations are available over the
// control API when control.addr is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/drover"
	"github.com/tomtom215/drover/control"
	"github.com/tomtom215/drover/internal/config"
	"github.com/tomtom215/drover/internal/logging"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("drover %s\n", version)
			return
		}
	}

	if err := run(); err != nil {
		logging.Error().Err(err).Msg("drover exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Log.LoggingConfig())

	handler := newApp()

	// Worker processes serve the application and nothing else; the control
	// API, metrics endpoint and signal vocabulary all belong to the master.
	if drover.IsWorkerProcess() {
		return drover.Main(context.Background(), cfg.Pool, handler)
	}

	logging.Tag("master", -1)
	logging.Info().Str("version", version).Msg("drover starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stream *control.Stream
	opts := []drover.Option{
		drover.WithReloadConfig(func() (drover.Config, error) {
			reloaded, err := config.Load()
			if err != nil {
				return drover.Config{}, err
			}
			return reloaded.Pool, nil
		}),
	}
	if cfg.Control.Addr != "" {
		stream = control.NewStream()
		opts = append(opts, drover.WithEventHook(stream.Publish))
	}

	sup, err := drover.New(cfg.Pool, opts...)
	if err != nil {
		return err
	}

	stop := drover.WatchSignals(ctx, sup)
	defer stop()

	tree, pool, err := buildTree(cfg, sup, stream)
	if err != nil {
		return err
	}

	err = tree.Serve(ctx)
	if serveErr := pool.err(); serveErr != nil {
		return serveErr
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return err
	}

	logging.Info().Msg("drover stopped gracefully")
	return nil
}

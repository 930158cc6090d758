// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"context"
	"net/http"

	"github.com/tomtom215/drover/internal/logging"
)

// Main runs the process in the role the environment dictates: spawned by a
// drover master it becomes a worker serving handler on the inherited
// listeners; otherwise it becomes the master, binds the configured
// listeners, spawns the pool and supervises it until shutdown.
//
// This is the whole library surface for the common case:
//
//	func main() {
//		cfg := drover.DefaultConfig()
//		cfg.Workers = 4
//		cfg.Listen = []string{":8000"}
//		if err := drover.Main(context.Background(), cfg, app()); err != nil {
//			os.Exit(1)
//		}
//	}
//
// The master installs the conventional signal set (SIGTERM graceful
// shutdown, SIGINT/SIGQUIT immediate, SIGHUP reload, SIGTTIN/SIGTTOU scale
// by one). Callers that need the control API, an event hook or a config
// reload function use New, WatchSignals and Serve directly; Main stays the
// one-call path.
func Main(ctx context.Context, cfg Config, handler http.Handler, opts ...Option) error {
	if IsWorkerProcess() {
		if err := runWorker(cfg, handler); err != nil {
			logging.Error().Err(err).Msg("worker failed")
			return err
		}
		return nil
	}

	logging.Tag("master", -1)
	sup, err := New(cfg, opts...)
	if err != nil {
		return err
	}

	stop := WatchSignals(ctx, sup)
	defer stop()

	return sup.Serve(ctx)
}

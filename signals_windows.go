// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

//go:build windows

package drover

import (
	"context"
	"os"
	"os/signal"

	"github.com/tomtom215/drover/internal/logging"
)

// WatchSignals on Windows only handles interrupt, mapped to a graceful
// shutdown. The richer SIGHUP/SIGTTIN/SIGTTOU vocabulary has no Windows
// equivalent; use the control API instead.
func WatchSignals(_ context.Context, s *Supervisor) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			logging.Info().Str("signal", sig.String()).Msg("signal received")
			s.Shutdown(true)
		case <-s.Done():
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// pidAlive on Windows: FindProcess only succeeds for live processes.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

//go:build unix

package drover

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/drover/internal/logging"
)

// WatchSignals installs the conventional pre-fork master signal set and
// translates deliveries into supervisor operations:
//
//	SIGTERM          graceful shutdown (drain, then exit)
//	SIGINT, SIGQUIT  immediate shutdown
//	SIGHUP           rolling reload (new generation before old drains)
//	SIGTTIN          one more worker
//	SIGTTOU          one fewer worker
//
// The returned stop function uninstalls the handlers. Repeated deliveries
// are naturally idempotent because the supervisor rejects or ignores
// operations that do not fit the pool state.
func WatchSignals(ctx context.Context, s *Supervisor) (stop func()) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU,
	)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				handleMasterSignal(ctx, s, sig)
			case <-s.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func handleMasterSignal(ctx context.Context, s *Supervisor, sig os.Signal) {
	logging.Info().Str("signal", sig.String()).Msg("signal received")
	switch sig {
	case syscall.SIGTERM:
		s.Shutdown(true)
	case syscall.SIGINT, syscall.SIGQUIT:
		s.Shutdown(false)
	case syscall.SIGHUP:
		if err := s.Reload(ctx); err != nil {
			logging.Error().Err(err).Msg("reload rejected")
		}
	case syscall.SIGTTIN:
		if err := s.AdjustWorkerCount(ctx, 1); err != nil {
			logging.Error().Err(err).Msg("scale up rejected")
		}
	case syscall.SIGTTOU:
		if err := s.AdjustWorkerCount(ctx, -1); err != nil {
			logging.Error().Err(err).Msg("scale down rejected")
		}
	}
}

// pidAlive reports whether a PID names a live process. Signal 0 performs
// the permission and existence checks without delivering anything.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

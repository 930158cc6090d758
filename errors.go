// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by supervisor control operations. Callers should
// match with errors.Is; operations arriving in the wrong pool state are
// rejected rather than queued.
var (
	// ErrDraining is returned for control operations that require a running
	// pool (reload, scale) while shutdown is already in progress.
	ErrDraining = errors.New("pool is draining")

	// ErrStopped is returned when the supervisor has fully stopped.
	ErrStopped = errors.New("supervisor stopped")

	// ErrReloadInProgress is returned when a reload is requested while a
	// previous reload has not finished.
	ErrReloadInProgress = errors.New("reload already in progress")

	// ErrInvalidWorkerCount is returned by scale operations for counts < 1.
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")

	// ErrAllSlotsDead is wrapped into the error returned by Serve when every
	// worker slot has exceeded its crash-loop ceiling and the pool cannot
	// serve traffic anymore.
	ErrAllSlotsDead = errors.New("all worker slots exceeded crash-loop ceiling")

	// ErrAlreadyStarted is returned by Serve on a Supervisor that already ran.
	// Supervisors are single-use.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// ConfigError reports an invalid configuration value. It is returned by
// Config.Validate before any listener is bound or worker spawned.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// BindError reports a listener that could not be bound. The address names
// the exact spec that failed so operators do not have to guess which of
// several configured addresses is the problem.
//
// At startup a BindError is fatal: Serve returns it before spawning any
// worker. During reload a BindError aborts the reload and the pool keeps
// serving on the old listener set.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// CrashLoopError reports a worker slot that exceeded its restart ceiling
// within the sliding window. It is carried on the crash_loop event and,
// when every slot has failed, wrapped into the Serve error together with
// ErrAllSlotsDead.
type CrashLoopError struct {
	Slot    int
	Ceiling int
	Window  time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("worker slot %d crashed more than %d times within %s",
		e.Slot, e.Ceiling, e.Window)
}

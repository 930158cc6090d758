// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import "time"

// EventType identifies a supervisor state transition or alert.
type EventType string

const (
	// EventWorkerSpawned: a worker process was started (StateStarting).
	EventWorkerSpawned EventType = "worker_spawned"

	// EventWorkerReady: READY handshake received (StateReady).
	EventWorkerReady EventType = "worker_ready"

	// EventWorkerDraining: worker told to stop accepting (StateDraining).
	EventWorkerDraining EventType = "worker_draining"

	// EventWorkerExited: process exit observed (StateDead). Reason carries
	// the classification (crashed, recycled, drained, ...).
	EventWorkerExited EventType = "worker_exited"

	// EventWorkerStalled: heartbeat silence exceeded the stall timeout;
	// emitted once per episode, immediately before the forced kill.
	EventWorkerStalled EventType = "worker_stalled"

	// EventDrainTimeout: a draining worker outlived the graceful window and
	// was force-killed.
	EventDrainTimeout EventType = "drain_timeout"

	// EventCrashLoop: a slot exceeded the restart ceiling inside the window
	// and was disabled. Alert-level: requires operator attention.
	EventCrashLoop EventType = "crash_loop"

	// EventPoolState: the pool moved between Running/Draining/Stopped.
	EventPoolState EventType = "pool_state"

	// EventReloadStarted, EventReloadFinished, EventReloadFailed: rolling
	// generation replacement progress.
	EventReloadStarted  EventType = "reload_started"
	EventReloadFinished EventType = "reload_finished"
	EventReloadFailed   EventType = "reload_failed"

	// EventScaled: worker count target changed.
	EventScaled EventType = "scaled"

	// EventBindFailed: a listener rebind during reload failed; the old
	// listener set stays active.
	EventBindFailed EventType = "bind_failed"
)

// Reasons attached to worker transitions. These appear in events, logs and
// metrics labels, so they form a small closed vocabulary.
const (
	ReasonCrash          = "crashed"
	ReasonRecycle        = "max_requests"
	ReasonExitedClean    = "exited_clean"
	ReasonStall          = "stall"
	ReasonStartupTimeout = "startup_timeout"
	ReasonDrainTimeout   = "drain_timeout"
	ReasonDrained        = "drained"
	ReasonReload         = "reload"
	ReasonReloadFailed   = "reload_failed"
	ReasonScaleDown      = "scale_down"
	ReasonShutdown       = "shutdown"
	ReasonSpawnFailed    = "spawn_failed"
)

// Event is one structured observability record. Every worker state change
// carries the worker identity, the transition and the reason; pool-level
// events set WorkerID to zero and fill the pool fields instead.
type Event struct {
	Time time.Time `json:"time"`
	Type EventType `json:"type"`

	WorkerID   uint64 `json:"worker_id,omitempty"`
	Slot       int    `json:"slot,omitempty"`
	Generation int    `json:"generation,omitempty"`
	PID        int    `json:"pid,omitempty"`

	OldState WorkerState `json:"old_state,omitempty"`
	NewState WorkerState `json:"new_state,omitempty"`

	// Reason is one of the Reason* constants for worker transitions, or a
	// short free-form cause for pool-level events.
	Reason string `json:"reason,omitempty"`

	// Err carries the underlying error for bind/spawn/crash-loop events.
	// It is not serialized; ErrText is the wire-safe form.
	Err     error  `json:"-"`
	ErrText string `json:"error,omitempty"`

	// Pool-level snapshot fields, filled on pool_state/reload/scale events.
	PoolState PoolState `json:"pool_state,omitempty"`
	Workers   int       `json:"workers,omitempty"`
	Ready     int       `json:"ready,omitempty"`
}

// EventHook receives every supervisor event synchronously from the control
// loop. Hooks must not block: hand the event off to a channel or goroutine
// if processing is slow. The supervisor's own logging and metrics do not go
// through the hook, so a nil hook loses nothing operationally.
type EventHook func(Event)

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import "time"

// WorkerState is the supervisor-side lifecycle state of one worker process.
// Transitions are forward-only:
//
//	Starting -> Ready -> Draining -> Dead
//
// Starting -> Dead is legal (spawn failure, startup timeout) and
// Starting -> Draining happens when a shutdown or reload overtakes a worker
// that never became ready. A state never moves backwards; a respawned worker
// is a new WorkerSpec with a new ID in the same slot.
type WorkerState int

const (
	// StateStarting: process spawned, READY handshake not yet received.
	StateStarting WorkerState = iota

	// StateReady: worker accepted the listener set and is serving traffic.
	StateReady

	// StateDraining: worker was told to stop accepting (SIGTERM) or is being
	// force-killed; it no longer counts toward ready capacity.
	StateDraining

	// StateDead: process exited; terminal.
	StateDead
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PoolState is the supervisor-wide lifecycle state. Monotonic: once the pool
// leaves Running it never returns.
type PoolState int

const (
	PoolRunning PoolState = iota
	PoolDraining
	PoolStopped
)

func (s PoolState) String() string {
	switch s {
	case PoolRunning:
		return "running"
	case PoolDraining:
		return "draining"
	case PoolStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerSpec is the supervisor's record of one worker process. Only the
// control loop touches it; snapshots handed out through Status are copies.
type WorkerSpec struct {
	// ID is unique per supervisor run and never reused, so log lines and
	// events stay unambiguous across respawns of the same slot.
	ID uint64 `json:"id"`

	// Slot is the stable pool position (0..workers-1) this process occupies.
	// Crash accounting is per slot, not per process.
	Slot int `json:"slot"`

	// Generation increments on every reload; draining old generations and
	// spawning new ones never share a generation number.
	Generation int `json:"generation"`

	PID   int         `json:"pid"`
	State WorkerState `json:"state"`

	// Restarts is the slot's crash-restart count at the time this worker
	// was spawned; voluntary recycles do not contribute.
	Restarts int `json:"restarts"`

	SpawnedAt     time.Time `json:"spawned_at"`
	ReadyAt       time.Time `json:"ready_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// startDeadline bounds StateStarting; a worker that has not produced the
	// READY handshake by then is killed and accounted as a crash.
	startDeadline time.Time

	// drainDeadline bounds StateDraining; a worker still alive at the
	// deadline is force-killed.
	drainDeadline time.Time

	// drainReason remembers why a graceful drain started (shutdown, reload,
	// scale down) so the eventual exit event carries the cause.
	drainReason string

	// killReason is recorded before a forced kill so the exit event is
	// classified by cause (stall, startup timeout, drain timeout) rather
	// than by the SIGKILL it ends with. Also guards against double kills:
	// a worker with a kill reason is never signalled again by the monitor.
	killReason string

	// recycle marks a worker that announced voluntary self-recycle
	// (max-requests); its exit must not count as a crash.
	recycle bool

	proc Process
}

// MarshalText lets WorkerState render as its name in JSON status payloads.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalText lets PoolState render as its name in JSON status payloads.
func (s PoolState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

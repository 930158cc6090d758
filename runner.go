// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"context"
	"os"
	"time"
)

// WorkerEventKind classifies messages flowing from worker plumbing
// (heartbeat pipe reader, process waiter) into the supervisor loop.
type WorkerEventKind int

const (
	// EventKindReady: READY handshake received.
	EventKindReady WorkerEventKind = iota

	// EventKindHeartbeat: at least one liveness beat since the last read.
	EventKindHeartbeat

	// EventKindRecycleAnnounced: worker hit max-requests and is retiring.
	EventKindRecycleAnnounced

	// EventKindHeartbeatLost: the heartbeat pipe failed before EOF. The
	// stall monitor handles the consequence; this only explains it in logs.
	EventKindHeartbeatLost

	// EventKindExited: the process is gone; Exit carries the status.
	EventKindExited
)

// WorkerEvent is one message about one worker process. Producers post, the
// supervisor loop consumes; nothing else reads worker state.
type WorkerEvent struct {
	WorkerID uint64
	Kind     WorkerEventKind
	Exit     ExitStatus
	At       time.Time
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	// Code is the exit code; -1 when the process died from a signal.
	Code int

	// Signaled is true when the process was killed by a signal (including
	// the supervisor's own SIGKILL).
	Signaled bool

	// Err carries spawn/wait plumbing failures, not application errors.
	Err error
}

// Voluntary reports whether the exit is a clean, self-chosen one: drain
// finished or max-requests recycle. Voluntary exits never count toward the
// crash-loop ceiling.
func (s ExitStatus) Voluntary() bool {
	return !s.Signaled && s.Code == 0 && s.Err == nil
}

// StartSpec carries everything a Runner needs to start one worker.
type StartSpec struct {
	ID         uint64
	Slot       int
	Generation int

	// Listeners are the inheritable descriptors, in Config.Listen order.
	Listeners []*os.File

	// Events receives the worker's lifecycle messages. Producers must also
	// honor Done and abandon sends once it closes.
	Events chan<- WorkerEvent
	Done   <-chan struct{}
}

// Process is a handle to a started worker.
type Process interface {
	// PID returns the operating system process ID (fake runners invent one).
	PID() int

	// Signal delivers sig; used for SIGTERM drains.
	Signal(sig os.Signal) error

	// Kill force-terminates the process (SIGKILL semantics).
	Kill() error
}

// Runner starts worker processes. The production implementation re-execs
// the current binary; tests substitute an in-process fake so supervisor
// behavior is exercised without forking.
type Runner interface {
	Start(ctx context.Context, spec StartSpec) (Process, error)
}

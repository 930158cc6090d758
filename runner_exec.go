// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExecRunner starts workers by re-executing the current binary with the
// same arguments plus the DROVER_* worker markers. Listener descriptors and
// the heartbeat pipe ride along as ExtraFiles, so the child sees them at
// fds 3..3+N. Worker stdout/stderr are inherited: every process logs to the
// same stream, distinguished by the proc/worker_id fields.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Start spawns one worker. The context only covers the spawn itself;
// termination is the supervisor's job via the returned Process.
func (r *ExecRunner) Start(ctx context.Context, spec StartSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	hbRead, hbWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("heartbeat pipe: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", envWorkerID, spec.ID),
		fmt.Sprintf("%s=%d", envWorkerSlot, spec.Slot),
		fmt.Sprintf("%s=%d", envWorkerGeneration, spec.Generation),
		fmt.Sprintf("%s=%d", envListenerCount, len(spec.Listeners)),
	)
	cmd.ExtraFiles = append(append([]*os.File{}, spec.Listeners...), hbWrite)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = hbRead.Close()
		_ = hbWrite.Close()
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	// The child inherited its copy; keeping ours open would mask worker
	// death from the pipe reader.
	_ = hbWrite.Close()

	go readHeartbeats(hbRead, spec.ID, spec.Events, spec.Done)
	go waitForExit(cmd, spec.ID, spec.Events, spec.Done)

	return &execProcess{cmd: cmd}, nil
}

// waitForExit reaps the child and posts the classified exit status.
func waitForExit(cmd *exec.Cmd, id uint64, events chan<- WorkerEvent, done <-chan struct{}) {
	err := cmd.Wait()
	post(events, done, WorkerEvent{
		WorkerID: id,
		Kind:     EventKindExited,
		Exit:     classifyExit(err),
		At:       time.Now(),
	})
}

// classifyExit maps a Wait error onto an ExitStatus. Exit code 0 means the
// worker chose to leave (drain or recycle); a signal death or non-zero code
// is a crash unless the supervisor recorded a kill reason first.
func classifyExit(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signaled: true}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}

	// Wait itself failed; treat as a crash with the plumbing error attached.
	return ExitStatus{Code: -1, Err: err}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

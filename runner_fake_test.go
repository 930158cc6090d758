// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"
)

// fakeRunner drives the supervisor with scripted in-process workers so the
// full control loop is exercised without forking a single process.
type fakeRunner struct {
	mu      sync.Mutex
	procs   []*fakeProc
	nextPID int

	// onStart customizes each new proc before it is returned (suppress the
	// READY handshake, script the SIGTERM response, crash on arrival).
	onStart func(p *fakeProc)

	// failStart, when set, makes Start itself fail for matching specs.
	failStart func(spec StartSpec) error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{nextPID: 1000}
}

func (r *fakeRunner) Start(_ context.Context, spec StartSpec) (Process, error) {
	r.mu.Lock()
	if r.failStart != nil {
		if err := r.failStart(spec); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	r.nextPID++
	p := &fakeProc{
		spec: spec,
		pid:  r.nextPID,
		term: func(p *fakeProc) { go p.exit(0, false) },
	}
	if r.onStart != nil {
		r.onStart(p)
	}
	r.procs = append(r.procs, p)
	r.mu.Unlock()

	if !p.manual {
		go p.ready()
	}
	return p, nil
}

func (r *fakeRunner) setOnStart(fn func(p *fakeProc)) {
	r.mu.Lock()
	r.onStart = fn
	r.mu.Unlock()
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) proc(i int) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.procs) {
		return nil
	}
	return r.procs[i]
}

// latestForSlot returns the most recently started proc for a slot.
func (r *fakeRunner) latestForSlot(slot int) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.procs) - 1; i >= 0; i-- {
		if r.procs[i].spec.Slot == slot {
			return r.procs[i]
		}
	}
	return nil
}

// fakeProc is one scripted worker process.
type fakeProc struct {
	spec StartSpec
	pid  int

	// manual suppresses the automatic READY handshake.
	manual bool

	// term runs on SIGTERM; the default drains instantly (exit 0).
	term func(p *fakeProc)

	mu        sync.Mutex
	exited    bool
	killCalls int
	termCalls int
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.mu.Lock()
		p.termCalls++
		fn := p.term
		p.mu.Unlock()
		if fn != nil {
			fn(p)
		}
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killCalls++
	p.mu.Unlock()
	go p.exit(-1, true)
	return nil
}

func (p *fakeProc) kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCalls
}

func (p *fakeProc) terms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termCalls
}

func (p *fakeProc) ready() {
	p.post(WorkerEvent{WorkerID: p.spec.ID, Kind: EventKindReady, At: time.Now()})
}

func (p *fakeProc) beat() {
	p.post(WorkerEvent{WorkerID: p.spec.ID, Kind: EventKindHeartbeat, At: time.Now()})
}

func (p *fakeProc) announceRecycle() {
	p.post(WorkerEvent{WorkerID: p.spec.ID, Kind: EventKindRecycleAnnounced, At: time.Now()})
}

// exit posts the terminal event exactly once, whatever races to cause it.
func (p *fakeProc) exit(code int, signaled bool) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()

	p.post(WorkerEvent{
		WorkerID: p.spec.ID,
		Kind:     EventKindExited,
		Exit:     ExitStatus{Code: code, Signaled: signaled},
		At:       time.Now(),
	})
}

func (p *fakeProc) post(ev WorkerEvent) {
	select {
	case p.spec.Events <- ev:
	case <-p.spec.Done:
	}
}

// eventRecorder collects supervisor events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (rec *eventRecorder) hook(ev Event) {
	rec.mu.Lock()
	rec.events = append(rec.events, ev)
	rec.mu.Unlock()
}

func (rec *eventRecorder) snapshot() []Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]Event, len(rec.events))
	copy(out, rec.events)
	return out
}

func (rec *eventRecorder) countType(t EventType) int {
	n := 0
	for _, ev := range rec.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (rec *eventRecorder) countReason(t EventType, reason string) int {
	n := 0
	for _, ev := range rec.snapshot() {
		if ev.Type == t && ev.Reason == reason {
			n++
		}
	}
	return n
}

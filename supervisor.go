// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/drover/internal/logging"
	"github.com/tomtom215/drover/internal/metrics"
)

// Supervisor owns a pool of worker processes serving a shared listener set.
// All pool state lives inside a single control loop goroutine started by
// Serve; every public operation is a message into that loop, so there is no
// shared mutable state and no lock ordering to reason about.
//
// Lifecycle: New -> Serve (blocks) -> Shutdown/ctx cancel -> Serve returns.
// A Supervisor is single-use; after it stops, build a new one.
type Supervisor struct {
	cfg          Config
	runner       Runner
	hook         EventHook
	reloadConfig func() (Config, error)
	instanceID   string

	inbox  chan ctrlMsg
	events chan WorkerEvent
	done   chan struct{}
	began  atomic.Bool

	// Everything below is owned by the control loop.
	pool      *pool
	state     PoolState
	handles   []*ListenerHandle
	pacer     *rate.Limiter
	deferred  []deferredSpawn
	reloading *reloadState
	ring      eventRing
	startedAt time.Time
	stopErr   error
	ctxErr    error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRunner substitutes the worker process runner. Tests use this to drive
// the supervisor with scripted in-process workers.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// WithEventHook registers a hook that receives every supervisor event
// synchronously from the control loop. Hooks must not block.
func WithEventHook(h EventHook) Option {
	return func(s *Supervisor) { s.hook = h }
}

// WithReloadConfig supplies a function that re-reads configuration at the
// start of every reload. Without it, reload rolls the generation with the
// existing config (still useful: workers pick up new code after a binary
// swap, re-read their own config sources, and recycle leaked state).
func WithReloadConfig(fn func() (Config, error)) Option {
	return func(s *Supervisor) { s.reloadConfig = fn }
}

// New validates the configuration and builds a Supervisor. Nothing is bound
// or spawned until Serve.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		runner:     NewExecRunner(),
		instanceID: uuid.NewString(),
		inbox:      make(chan ctrlMsg, 16),
		events:     make(chan WorkerEvent, 256),
		done:       make(chan struct{}),
		state:      PoolRunning,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// InstanceID returns the unique ID of this supervisor run. It appears in
// status payloads so operators can correlate restarts.
func (s *Supervisor) InstanceID() string { return s.instanceID }

// Done is closed when the control loop has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// PoolStatus is a point-in-time snapshot assembled inside the control loop.
type PoolStatus struct {
	InstanceID    string       `json:"instance_id"`
	State         PoolState    `json:"state"`
	Generation    int          `json:"generation"`
	TargetWorkers int          `json:"target_workers"`
	ReadyWorkers  int          `json:"ready_workers"`
	StartedAt     time.Time    `json:"started_at"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Listen        []string     `json:"listen"`
	Workers       []WorkerSpec `json:"workers"`
	RecentEvents  []Event      `json:"recent_events,omitempty"`
}

type ctrlOp int

const (
	opShutdown ctrlOp = iota
	opReload
	opScaleTo
	opScaleBy
	opStatus
)

type ctrlMsg struct {
	op       ctrlOp
	graceful bool
	n        int
	reply    chan ctrlResult
}

type ctrlResult struct {
	err    error
	status PoolStatus
}

type deferredSpawn struct {
	slotIndex  int
	generation int
	at         time.Time
}

// reloadState tracks one in-flight generation replacement.
type reloadState struct {
	generation  int
	cfg         Config
	deadline    time.Time
	nextHandles []*ListenerHandle
	added       []*ListenerHandle
	removed     []*ListenerHandle
}

// Serve binds the listeners, spawns the pool and runs the control loop
// until shutdown. It returns nil after an operator-requested stop, the
// context error after cancellation (which triggers a graceful drain), a
// *BindError or *ConfigError before any worker is spawned, or a pool
// failure error when every slot exceeded its crash-loop ceiling.
func (s *Supervisor) Serve(ctx context.Context) error {
	if !s.began.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	if err := s.cfg.Validate(); err != nil {
		return err
	}

	handles, err := Bind(s.cfg.Listen)
	if err != nil {
		return err
	}
	s.handles = handles
	defer func() {
		closeHandles(s.handles)
	}()

	if s.cfg.PIDFile != "" {
		if err := writePIDFile(s.cfg.PIDFile); err != nil {
			return err
		}
		defer removePIDFile(s.cfg.PIDFile)
	}

	s.startedAt = time.Now()
	s.pool = newPool(s.cfg)
	s.pool.ensureSlots(s.cfg.Workers)
	s.pacer = rate.NewLimiter(rate.Limit(10), max(8, 2*s.cfg.Workers))

	logging.Info().
		Str("instance_id", s.instanceID).
		Int("workers", s.cfg.Workers).
		Strs("listen", s.cfg.Listen).
		Msg("supervisor starting")
	s.emitPool(EventPoolState, "started")

	for _, sl := range s.pool.slots {
		s.spawnWorker(sl.index, s.pool.generation)
	}

	scan := time.NewTicker(s.scanInterval())
	defer scan.Stop()

	ctxDone := ctx.Done()
	for s.state != PoolStopped {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.ctxErr = ctx.Err()
			s.beginShutdown(true, "context canceled")
		case ev := <-s.events:
			s.handleWorkerEvent(ev)
		case m := <-s.inbox:
			s.handleControl(m)
		case <-scan.C:
			s.scan(time.Now())
		}
		s.updateGauges()
	}

	logging.Info().
		Str("instance_id", s.instanceID).
		Dur("uptime", time.Since(s.startedAt)).
		Msg("supervisor stopped")

	if s.stopErr != nil {
		return s.stopErr
	}
	return s.ctxErr
}

// scanInterval derives the monitor tick from the heartbeat interval: twice
// per heartbeat keeps stall detection tight without busy-looping.
func (s *Supervisor) scanInterval() time.Duration {
	iv := s.cfg.HeartbeatInterval / 2
	if iv < 25*time.Millisecond {
		iv = 25 * time.Millisecond
	}
	if iv > 500*time.Millisecond {
		iv = 500 * time.Millisecond
	}
	return iv
}

// Shutdown stops the pool. Graceful lets workers drain in-flight requests
// within GracefulTimeout; otherwise everything is killed immediately.
// Idempotent: repeated calls collapse into one shutdown sequence, except
// that a non-graceful call during a graceful drain escalates it. Shutdown
// does not wait; receive on Done or let Serve return to observe completion.
func (s *Supervisor) Shutdown(graceful bool) {
	select {
	case s.inbox <- ctrlMsg{op: opShutdown, graceful: graceful}:
	case <-s.done:
	}
}

// Reload starts a rolling generation replacement: spawn a full new worker
// set, wait until every new worker is ready, then drain the old set. The
// ready count never drops below the configured worker count. Reload returns
// once the rollout is accepted; completion is observable through events and
// Status. It fails up front with ErrReloadInProgress, ErrDraining, a config
// error from the reload hook, or a *BindError when a changed listener set
// cannot be bound (the old set keeps serving in that case).
func (s *Supervisor) Reload(ctx context.Context) error {
	res, err := s.call(ctx, ctrlMsg{op: opReload})
	if err != nil {
		return err
	}
	return res.err
}

// SetWorkerCount grows or shrinks the pool to n workers. Growth spawns into
// new slots; shrinkage drains the highest slots gracefully, never killing a
// worker mid-request. Rejected while draining or mid-reload.
func (s *Supervisor) SetWorkerCount(ctx context.Context, n int) error {
	res, err := s.call(ctx, ctrlMsg{op: opScaleTo, n: n})
	if err != nil {
		return err
	}
	return res.err
}

// AdjustWorkerCount changes the pool size by delta (signal semantics:
// SIGTTIN +1, SIGTTOU -1).
func (s *Supervisor) AdjustWorkerCount(ctx context.Context, delta int) error {
	if delta == 0 {
		return nil
	}
	res, err := s.call(ctx, ctrlMsg{op: opScaleBy, n: delta})
	if err != nil {
		return err
	}
	return res.err
}

// Status returns a snapshot of the pool assembled inside the control loop.
func (s *Supervisor) Status(ctx context.Context) (PoolStatus, error) {
	res, err := s.call(ctx, ctrlMsg{op: opStatus})
	if err != nil {
		return PoolStatus{}, err
	}
	return res.status, nil
}

// call posts a control message and waits for the loop's reply.
func (s *Supervisor) call(ctx context.Context, m ctrlMsg) (ctrlResult, error) {
	m.reply = make(chan ctrlResult, 1)
	select {
	case s.inbox <- m:
	case <-ctx.Done():
		return ctrlResult{}, ctx.Err()
	case <-s.done:
		return ctrlResult{}, ErrStopped
	}
	select {
	case res := <-m.reply:
		return res, nil
	case <-ctx.Done():
		return ctrlResult{}, ctx.Err()
	case <-s.done:
		return ctrlResult{}, ErrStopped
	}
}

func (s *Supervisor) handleControl(m ctrlMsg) {
	var res ctrlResult
	switch m.op {
	case opShutdown:
		reason := "operator request"
		if !m.graceful {
			reason = "operator request (immediate)"
		}
		s.beginShutdown(m.graceful, reason)
	case opReload:
		res.err = s.beginReload()
	case opScaleTo:
		res.err = s.scaleTo(m.n)
	case opScaleBy:
		res.err = s.scaleTo(len(s.pool.slots) + m.n)
	case opStatus:
		res.status = s.snapshotStatus()
	}
	if m.reply != nil {
		m.reply <- res
	}
}

// handleWorkerEvent dispatches one worker message. Events for workers that
// already left the table (late heartbeats racing an exit) are dropped.
func (s *Supervisor) handleWorkerEvent(ev WorkerEvent) {
	spec, ok := s.pool.workers[ev.WorkerID]
	if !ok {
		return
	}

	switch ev.Kind {
	case EventKindReady:
		if spec.State != StateStarting {
			return
		}
		spec.ReadyAt = ev.At
		spec.LastHeartbeat = ev.At
		s.transition(spec, StateReady, EventWorkerReady, "", nil)
		if s.reloading != nil {
			s.maybeFinishReload()
		}
	case EventKindHeartbeat:
		spec.LastHeartbeat = ev.At
	case EventKindRecycleAnnounced:
		spec.recycle = true
		logging.Debug().Uint64("worker_id", spec.ID).Int("slot", spec.Slot).
			Msg("worker announced max-requests recycle")
	case EventKindHeartbeatLost:
		logging.Warn().Uint64("worker_id", spec.ID).Int("slot", spec.Slot).
			Msg("heartbeat pipe failed before worker exit")
	case EventKindExited:
		s.onWorkerExit(spec, ev)
	}
}

// onWorkerExit classifies an exit, updates the table and decides between
// respawn, crash accounting, reload abort and shutdown progress.
func (s *Supervisor) onWorkerExit(spec *WorkerSpec, ev WorkerEvent) {
	sl := s.pool.slotOf(spec)
	wasCurrent := sl != nil && sl.current == spec
	wasNext := sl != nil && sl.next == spec

	reason, crash := classifyExitReason(spec, ev.Exit)
	s.transition(spec, StateDead, EventWorkerExited, reason, ev.Exit.Err)
	metrics.RecordWorkerExit(ev.At.Sub(spec.SpawnedAt))
	if crash {
		metrics.RecordCrash(reason)
	}

	s.pool.remove(spec)
	if wasCurrent {
		sl.current = nil
	}
	if wasNext {
		sl.next = nil
	}

	// Shutdown in progress: no respawns, just drain the table.
	if s.state != PoolRunning {
		if s.pool.alive() == 0 {
			s.finishStop()
		}
		return
	}

	// A new-generation worker dying before rollout completion kills the
	// whole reload; the old generation keeps serving.
	if wasNext && s.reloading != nil {
		s.abortReload(fmt.Errorf("new worker %d exited during startup (%s)", spec.ID, reason))
		return
	}

	if !wasCurrent {
		// Replaced or de-slotted worker finished draining; nothing to do.
		return
	}

	if crash {
		s.accountCrashAndRespawn(sl, spec.Generation, reason)
		return
	}

	// Voluntary exit (recycle or clean): replace without accounting.
	if !sl.disabled {
		s.scheduleSpawn(sl.index, spec.Generation)
	}
}

// classifyExitReason folds the kill bookkeeping and the raw exit status
// into (reason, countsAsCrash).
func classifyExitReason(spec *WorkerSpec, exit ExitStatus) (string, bool) {
	switch spec.killReason {
	case ReasonStall:
		return ReasonStall, true
	case ReasonStartupTimeout:
		return ReasonStartupTimeout, true
	case ReasonDrainTimeout:
		return ReasonDrainTimeout, false
	}
	if spec.State == StateDraining {
		if spec.drainReason != "" {
			return spec.drainReason, false
		}
		return ReasonDrained, false
	}
	if exit.Voluntary() {
		if spec.recycle {
			return ReasonRecycle, false
		}
		return ReasonExitedClean, false
	}
	return ReasonCrash, true
}

// accountCrashAndRespawn runs the crash-loop policy for one slot.
func (s *Supervisor) accountCrashAndRespawn(sl *slot, generation int, reason string) {
	if sl.disabled {
		return
	}
	if !sl.limiter.Allow() {
		sl.disabled = true
		metrics.CrashLoopsTotal.Inc()
		err := &CrashLoopError{
			Slot:    sl.index,
			Ceiling: s.cfg.RestartCeiling,
			Window:  s.cfg.RestartWindow,
		}
		s.emit(Event{
			Type:       EventCrashLoop,
			Slot:       sl.index,
			Generation: generation,
			Reason:     reason,
			Err:        err,
		})
		if s.pool.allDisabled() {
			s.stopErr = fmt.Errorf("pool failed: %v: %w", err, ErrAllSlotsDead)
			s.beginShutdown(false, "all worker slots disabled")
		}
		return
	}
	sl.restarts++
	s.scheduleSpawn(sl.index, generation)
}

// scheduleSpawn spawns immediately when the pacer allows, otherwise defers
// to a monitor tick. The pacer keeps a crashing fleet from fork-bombing
// the host.
func (s *Supervisor) scheduleSpawn(slotIndex, generation int) {
	res := s.pacer.Reserve()
	if d := res.Delay(); d > 0 {
		s.deferred = append(s.deferred, deferredSpawn{
			slotIndex:  slotIndex,
			generation: generation,
			at:         time.Now().Add(d),
		})
		return
	}
	s.spawnWorker(slotIndex, generation)
}

// spawnWorker starts one worker for a slot. Spawn failures run through the
// same crash accounting as runtime crashes so a broken binary cannot spin
// the spawn loop forever.
func (s *Supervisor) spawnWorker(slotIndex, generation int) {
	if s.state != PoolRunning || slotIndex >= len(s.pool.slots) {
		return
	}
	sl := s.pool.slots[slotIndex]
	incoming := s.reloading != nil && generation == s.reloading.generation
	if generation != s.pool.generation && !incoming {
		return
	}
	// A disabled slot still accepts the incoming reload generation; reload is
	// the recovery path for a crash-looped slot, and promotion in
	// maybeFinishReload resets the slot's limiter and disabled flag.
	if sl.disabled && !incoming {
		return
	}

	now := time.Now()
	spec := s.pool.newWorker(slotIndex, generation, now)
	spec.Restarts = sl.restarts
	spec.startDeadline = now.Add(s.cfg.StartupTimeout)

	proc, err := s.runner.Start(context.Background(), StartSpec{
		ID:         spec.ID,
		Slot:       slotIndex,
		Generation: generation,
		Listeners:  s.filesFor(generation),
		Events:     s.events,
		Done:       s.done,
	})
	if err != nil {
		s.pool.remove(spec)
		s.emit(Event{
			Type:       EventWorkerExited,
			WorkerID:   spec.ID,
			Slot:       slotIndex,
			Generation: generation,
			OldState:   StateStarting,
			NewState:   StateDead,
			Reason:     ReasonSpawnFailed,
			Err:        err,
		})
		metrics.RecordCrash(ReasonSpawnFailed)
		if wasNext := s.reloading != nil && generation == s.reloading.generation; wasNext {
			s.abortReload(fmt.Errorf("spawn worker for slot %d: %w", slotIndex, err))
			return
		}
		s.accountCrashAndRespawn(sl, generation, ReasonSpawnFailed)
		return
	}

	spec.proc = proc
	spec.PID = proc.PID()
	if generation == s.pool.generation {
		sl.current = spec
	} else {
		sl.next = spec
	}
	metrics.SpawnsTotal.Inc()
	s.emit(Event{
		Type:       EventWorkerSpawned,
		WorkerID:   spec.ID,
		Slot:       slotIndex,
		Generation: generation,
		PID:        spec.PID,
		OldState:   StateStarting,
		NewState:   StateStarting,
	})
}

// filesFor picks the listener set a generation inherits.
func (s *Supervisor) filesFor(generation int) []*os.File {
	handles := s.handles
	if s.reloading != nil && generation == s.reloading.generation {
		handles = s.reloading.nextHandles
	}
	files := make([]*os.File, len(handles))
	for i, h := range handles {
		files[i] = h.File()
	}
	return files
}

// drainWorker moves a worker to Draining and signals it. Graceful drains
// get SIGTERM plus a deadline; non-graceful ones are killed outright. A
// second call on an already-draining worker only escalates (graceful ->
// kill), never restarts the deadline.
func (s *Supervisor) drainWorker(spec *WorkerSpec, reason string, graceful bool) {
	if spec.State == StateDead {
		return
	}
	if spec.State == StateDraining {
		if !graceful && spec.proc != nil {
			_ = spec.proc.Kill()
		}
		return
	}

	spec.drainReason = reason
	spec.drainDeadline = time.Now().Add(s.cfg.GracefulTimeout)
	s.transition(spec, StateDraining, EventWorkerDraining, reason, nil)

	if spec.proc == nil {
		return
	}
	if graceful {
		if err := spec.proc.Signal(syscall.SIGTERM); err != nil {
			logging.Debug().Err(err).Uint64("worker_id", spec.ID).
				Msg("SIGTERM failed, worker likely already exiting")
		}
	} else {
		spec.drainDeadline = time.Now().Add(2 * time.Second)
		_ = spec.proc.Kill()
	}
}

// forceKill records why a worker is being shot, emits the alert and kills
// it. killReason doubles as the once-guard: the monitor never signals the
// same worker twice.
func (s *Supervisor) forceKill(spec *WorkerSpec, reason string) {
	spec.killReason = reason
	spec.drainDeadline = time.Now().Add(2 * time.Second)

	evType := EventWorkerStalled
	if reason == ReasonDrainTimeout {
		evType = EventDrainTimeout
	}
	if spec.State != StateDraining {
		s.transition(spec, StateDraining, evType, reason, nil)
	} else {
		s.emit(Event{
			Type:       evType,
			WorkerID:   spec.ID,
			Slot:       spec.Slot,
			Generation: spec.Generation,
			PID:        spec.PID,
			OldState:   spec.State,
			NewState:   spec.State,
			Reason:     reason,
		})
	}
	if spec.proc != nil {
		_ = spec.proc.Kill()
	}
}

// scan is the health/timeout monitor: one pass over the table per tick.
// It enforces startup deadlines, heartbeat stalls and drain deadlines, then
// runs deferred spawns and the reload deadline. Each failure mode fires at
// most one forced termination per worker (guarded by killReason).
func (s *Supervisor) scan(now time.Time) {
	for _, spec := range s.pool.workers {
		if spec.killReason != "" {
			// Already shot once; give the kill a moment, then repeat it in
			// case the first signal raced the process coming up.
			if now.After(spec.drainDeadline) && spec.proc != nil {
				_ = spec.proc.Kill()
			}
			continue
		}
		switch spec.State {
		case StateStarting:
			if now.After(spec.startDeadline) {
				s.forceKill(spec, ReasonStartupTimeout)
			}
		case StateReady:
			if now.Sub(spec.LastHeartbeat) > s.cfg.StallTimeout {
				s.forceKill(spec, ReasonStall)
			}
		case StateDraining:
			if now.After(spec.drainDeadline) {
				s.forceKill(spec, ReasonDrainTimeout)
			}
		case StateDead:
			// Exit event in flight; nothing to enforce.
		}
	}

	if len(s.deferred) > 0 && s.state == PoolRunning {
		pending := s.deferred[:0]
		for _, d := range s.deferred {
			if now.After(d.at) {
				s.spawnWorker(d.slotIndex, d.generation)
			} else {
				pending = append(pending, d)
			}
		}
		s.deferred = pending
	}

	if s.reloading != nil && now.After(s.reloading.deadline) {
		s.abortReload(fmt.Errorf("new generation not ready within %s", s.cfg.StartupTimeout))
	}
}

// beginShutdown transitions the pool to Draining and drains every worker.
// Repeat graceful calls are no-ops; a non-graceful call during a graceful
// drain escalates everything still alive to SIGKILL.
func (s *Supervisor) beginShutdown(graceful bool, reason string) {
	if s.state == PoolStopped {
		return
	}
	if s.state == PoolDraining {
		if !graceful {
			for _, spec := range s.pool.workers {
				s.drainWorker(spec, ReasonShutdown, false)
			}
		}
		return
	}

	s.state = PoolDraining
	s.deferred = nil
	if s.reloading != nil {
		s.abortReload(fmt.Errorf("shutdown during reload: %s", reason))
	}
	s.emitPool(EventPoolState, reason)

	for _, spec := range s.pool.workers {
		s.drainWorker(spec, ReasonShutdown, graceful)
	}
	if s.pool.alive() == 0 {
		s.finishStop()
	}
}

func (s *Supervisor) finishStop() {
	s.state = PoolStopped
	s.emitPool(EventPoolState, "stopped")
}

// beginReload validates the next config, rebinds changed listeners and
// spawns the incoming generation. Completion happens event-driven in
// maybeFinishReload once every new worker is ready.
func (s *Supervisor) beginReload() error {
	if s.state != PoolRunning {
		return ErrDraining
	}
	if s.reloading != nil {
		return ErrReloadInProgress
	}

	next := s.cfg
	if s.reloadConfig != nil {
		loaded, err := s.reloadConfig()
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		next = loaded
	}
	if err := next.Validate(); err != nil {
		return err
	}

	nextHandles, added, removed, err := s.rebindFor(next.Listen)
	if err != nil {
		s.emit(Event{Type: EventBindFailed, Err: err})
		return err
	}

	gen := s.pool.generation + 1
	s.reloading = &reloadState{
		generation:  gen,
		cfg:         next,
		deadline:    time.Now().Add(next.StartupTimeout),
		nextHandles: nextHandles,
		added:       added,
		removed:     removed,
	}
	s.pool.ensureSlots(next.Workers)

	s.emit(Event{
		Type:       EventReloadStarted,
		Generation: gen,
		Workers:    next.Workers,
	})

	for i := 0; i < next.Workers; i++ {
		s.spawnWorker(i, gen)
		if s.reloading == nil {
			// Spawn failure aborted the rollout mid-flight.
			return fmt.Errorf("reload aborted: worker spawn failed")
		}
	}
	return nil
}

// rebindFor reuses handles whose spec is unchanged, binds additions and
// returns the removals to close after the old generation drains. On any
// bind failure the additions are rolled back and the current set stays.
func (s *Supervisor) rebindFor(specs []string) (nextHandles, added, removed []*ListenerHandle, err error) {
	existing := make(map[string]*ListenerHandle, len(s.handles))
	for _, h := range s.handles {
		existing[h.Spec()] = h
	}

	used := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if h, ok := existing[spec]; ok {
			nextHandles = append(nextHandles, h)
			used[spec] = true
			continue
		}
		h, bindErr := Bind([]string{spec})
		if bindErr != nil {
			closeHandles(added)
			return nil, nil, nil, bindErr
		}
		nextHandles = append(nextHandles, h[0])
		added = append(added, h[0])
	}

	for _, h := range s.handles {
		if !used[h.Spec()] {
			removed = append(removed, h)
		}
	}
	return nextHandles, added, removed, nil
}

// maybeFinishReload completes the rollout when every incoming worker is
// ready: promote next to current per slot, drain the old generation, swap
// config and listeners, trim or reset slots.
func (s *Supervisor) maybeFinishReload() {
	r := s.reloading
	for i := 0; i < r.cfg.Workers; i++ {
		next := s.pool.slots[i].next
		if next == nil || next.State != StateReady {
			return
		}
	}

	for i, sl := range s.pool.slots {
		if i < r.cfg.Workers {
			old := sl.current
			sl.current = sl.next
			sl.next = nil
			sl.disabled = false
			sl.limiter = newSlotLimiter(r.cfg.RestartCeiling, r.cfg.RestartWindow)
			if old != nil {
				s.drainWorker(old, ReasonReload, true)
			}
		} else if sl.current != nil {
			s.drainWorker(sl.current, ReasonReload, true)
			sl.current = nil
		}
	}
	s.pool.trimSlots(r.cfg.Workers)

	s.cfg = r.cfg
	s.pool.cfg = r.cfg
	s.pool.generation = r.generation
	s.handles = r.nextHandles
	closeHandles(r.removed)
	s.reloading = nil

	metrics.RecordReload("finished")
	s.emit(Event{
		Type:       EventReloadFinished,
		Generation: r.generation,
		Workers:    r.cfg.Workers,
		Ready:      s.pool.readyCount(r.generation),
	})
}

// abortReload tears down the incoming generation and keeps the old one
// serving. Added listeners are closed; reused and removed ones stay owned
// by the serving set.
func (s *Supervisor) abortReload(cause error) {
	r := s.reloading
	if r == nil {
		return
	}
	s.reloading = nil

	for _, sl := range s.pool.slots {
		if sl.next != nil {
			s.drainWorker(sl.next, ReasonReloadFailed, true)
			sl.next = nil
		}
	}
	closeHandles(r.added)

	metrics.RecordReload("failed")
	s.emit(Event{
		Type:       EventReloadFailed,
		Generation: r.generation,
		Err:        cause,
	})
}

// scaleTo resizes the pool. Growth spawns fresh slots in the serving
// generation; shrinkage drains the highest slots and forgets them.
func (s *Supervisor) scaleTo(n int) error {
	if s.state != PoolRunning {
		return ErrDraining
	}
	if s.reloading != nil {
		return ErrReloadInProgress
	}
	if n < 1 {
		return ErrInvalidWorkerCount
	}

	cur := len(s.pool.slots)
	if n == cur {
		return nil
	}

	if n > cur {
		s.pool.ensureSlots(n)
		for i := cur; i < n; i++ {
			s.spawnWorker(i, s.pool.generation)
		}
	} else {
		for _, sl := range s.pool.slots[n:] {
			if sl.current != nil {
				s.drainWorker(sl.current, ReasonScaleDown, true)
				sl.current = nil
			}
		}
		s.pool.trimSlots(n)
	}

	s.cfg.Workers = n
	s.pool.cfg.Workers = n
	s.emit(Event{
		Type:    EventScaled,
		Workers: n,
		Ready:   s.pool.readyCount(s.pool.generation),
	})
	return nil
}

func (s *Supervisor) snapshotStatus() PoolStatus {
	workers := make([]WorkerSpec, 0, len(s.pool.workers))
	for _, spec := range s.pool.workers {
		workers = append(workers, *spec)
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Slot != workers[j].Slot {
			return workers[i].Slot < workers[j].Slot
		}
		return workers[i].ID < workers[j].ID
	})

	target := s.cfg.Workers
	if s.reloading != nil {
		target = s.reloading.cfg.Workers
	}

	return PoolStatus{
		InstanceID:    s.instanceID,
		State:         s.state,
		Generation:    s.pool.generation,
		TargetWorkers: target,
		ReadyWorkers:  s.pool.readyCount(s.pool.generation),
		StartedAt:     s.startedAt,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Listen:        append([]string(nil), s.cfg.Listen...),
		Workers:       workers,
		RecentEvents:  s.ring.snapshot(),
	}
}

// transition moves a worker to a new state and emits the event for it.
func (s *Supervisor) transition(spec *WorkerSpec, to WorkerState, t EventType, reason string, err error) {
	from := spec.State
	spec.State = to
	s.emit(Event{
		Type:       t,
		WorkerID:   spec.ID,
		Slot:       spec.Slot,
		Generation: spec.Generation,
		PID:        spec.PID,
		OldState:   from,
		NewState:   to,
		Reason:     reason,
		Err:        err,
	})
}

func (s *Supervisor) emitPool(t EventType, reason string) {
	s.emit(Event{
		Type:      t,
		Reason:    reason,
		PoolState: s.state,
		Workers:   s.cfg.Workers,
		Ready:     s.readySafe(),
	})
}

// readySafe tolerates emission before the pool exists (bind failures).
func (s *Supervisor) readySafe() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.readyCount(s.pool.generation)
}

// emit stamps, records, logs, counts and hooks one event. Everything an
// operator sees flows through here, so the shapes stay consistent.
func (s *Supervisor) emit(ev Event) {
	ev.Time = time.Now()
	if ev.Err != nil {
		ev.ErrText = ev.Err.Error()
	}
	s.ring.add(ev)
	metrics.RecordEvent(string(ev.Type), ev.Reason)

	var log = logging.Info()
	switch ev.Type {
	case EventCrashLoop, EventReloadFailed, EventBindFailed:
		log = logging.Error()
	case EventWorkerStalled, EventDrainTimeout:
		log = logging.Warn()
	case EventWorkerExited:
		switch ev.Reason {
		case ReasonCrash, ReasonStall, ReasonStartupTimeout, ReasonSpawnFailed:
			log = logging.Warn()
		}
	}

	log = log.Str("event", string(ev.Type))
	if ev.WorkerID != 0 {
		log = log.Uint64("worker_id", ev.WorkerID).
			Int("slot", ev.Slot).
			Int("generation", ev.Generation).
			Str("old_state", ev.OldState.String()).
			Str("new_state", ev.NewState.String())
		if ev.PID != 0 {
			log = log.Int("pid", ev.PID)
		}
	} else {
		log = log.Str("pool_state", s.state.String())
		if ev.Workers != 0 {
			log = log.Int("workers", ev.Workers)
		}
	}
	if ev.Reason != "" {
		log = log.Str("reason", ev.Reason)
	}
	if ev.Err != nil {
		log = log.Err(ev.Err)
	}
	log.Msg(string(ev.Type))

	if s.hook != nil {
		s.hook(ev)
	}
}

func (s *Supervisor) updateGauges() {
	if s.pool == nil {
		return
	}
	metrics.SetPoolGauges(s.cfg.Workers, s.pool.readyCount(s.pool.generation), s.pool.alive())
}

// eventRing keeps the most recent events for status payloads.
type eventRing struct {
	buf  [64]Event
	next int
	full bool
}

func (r *eventRing) add(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *eventRing) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

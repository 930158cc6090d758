// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"time"

	"golang.org/x/time/rate"
)

// slot is one stable pool position. Crash accounting is per slot: a slot
// whose workers keep dying gets disabled without touching its siblings.
// During a reload a slot briefly holds two workers: current (serving
// generation) and next (incoming generation).
type slot struct {
	index    int
	limiter  *rate.Limiter
	disabled bool
	restarts int
	current  *WorkerSpec
	next     *WorkerSpec
}

// newSlotLimiter builds the crash-loop limiter: a token bucket holding
// ceiling tokens that refills one token per window/ceiling. More than
// ceiling crashes inside the window exhausts it, which is the sliding
// ceiling the restart policy wants without keeping crash timestamps.
func newSlotLimiter(ceiling int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(ceiling)), ceiling)
}

// pool is the control loop's bookkeeping for slots and live workers.
// No method here performs I/O or emits events; the supervisor does both.
type pool struct {
	cfg        Config
	slots      []*slot
	workers    map[uint64]*WorkerSpec
	nextID     uint64
	generation int
}

func newPool(cfg Config) *pool {
	return &pool{
		cfg:        cfg,
		workers:    make(map[uint64]*WorkerSpec),
		generation: 1,
	}
}

// ensureSlots grows the slot list to n. Existing slots keep their limiters
// and disabled flags; shrinking is trimSlots's job.
func (p *pool) ensureSlots(n int) {
	for len(p.slots) < n {
		p.slots = append(p.slots, &slot{
			index:   len(p.slots),
			limiter: newSlotLimiter(p.cfg.RestartCeiling, p.cfg.RestartWindow),
		})
	}
}

// trimSlots drops slots beyond n. Workers still attached stay in the table
// until their exit arrives; without a slot they are never respawned.
func (p *pool) trimSlots(n int) {
	if n < len(p.slots) {
		p.slots = p.slots[:n]
	}
}

// newWorker registers a fresh WorkerSpec for a slot. IDs are never reused.
func (p *pool) newWorker(slotIndex, generation int, now time.Time) *WorkerSpec {
	p.nextID++
	spec := &WorkerSpec{
		ID:            p.nextID,
		Slot:          slotIndex,
		Generation:    generation,
		State:         StateStarting,
		SpawnedAt:     now,
		LastHeartbeat: now,
	}
	p.workers[spec.ID] = spec
	return spec
}

func (p *pool) remove(spec *WorkerSpec) {
	delete(p.workers, spec.ID)
}

// slotOf returns the slot a worker is attached to as current or next, or
// nil when the slot was trimmed or the worker already replaced.
func (p *pool) slotOf(spec *WorkerSpec) *slot {
	if spec.Slot >= len(p.slots) {
		return nil
	}
	sl := p.slots[spec.Slot]
	if sl.current == spec || sl.next == spec {
		return sl
	}
	return nil
}

// alive counts workers that have not exited yet.
func (p *pool) alive() int {
	return len(p.workers)
}

// readyCount counts Ready workers of the given generation.
func (p *pool) readyCount(generation int) int {
	n := 0
	for _, spec := range p.workers {
		if spec.Generation == generation && spec.State == StateReady {
			n++
		}
	}
	return n
}

// allDisabled reports whether every slot hit its crash-loop ceiling.
func (p *pool) allDisabled() bool {
	for _, sl := range p.slots {
		if !sl.disabled {
			return false
		}
	}
	return len(p.slots) > 0
}

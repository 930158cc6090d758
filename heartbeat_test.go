// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"os"
	"testing"
	"time"
)

// collectEvents drains worker events until the pipe reader goroutine stops.
func collectEvents(t *testing.T, events <-chan WorkerEvent, wait time.Duration) []WorkerEvent {
	t.Helper()
	var out []WorkerEvent
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-timer.C:
			return out
		}
	}
}

func TestHeartbeatPipeProtocol(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	events := make(chan WorkerEvent, 16)
	done := make(chan struct{})
	defer close(done)
	go readHeartbeats(r, 42, events, done)

	hw := newHeartbeatWriter(w)
	if err := hw.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := hw.Beat(); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	if err := hw.Recycle(); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	_ = hw.Close() // EOF ends the reader

	got := collectEvents(t, events, 500*time.Millisecond)

	kinds := make(map[WorkerEventKind]int)
	for _, ev := range got {
		if ev.WorkerID != 42 {
			t.Fatalf("event for worker %d, want 42", ev.WorkerID)
		}
		kinds[ev.Kind]++
	}
	if kinds[EventKindReady] != 1 {
		t.Fatalf("ready events = %d, want 1", kinds[EventKindReady])
	}
	if kinds[EventKindHeartbeat] < 1 {
		t.Fatalf("heartbeat events = %d, want >= 1", kinds[EventKindHeartbeat])
	}
	if kinds[EventKindRecycleAnnounced] != 1 {
		t.Fatalf("recycle events = %d, want 1", kinds[EventKindRecycleAnnounced])
	}
}

func TestHeartbeatBeatsCoalesceWithinOneRead(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	// Many beats written before the reader starts arrive as one read and
	// must collapse into a single heartbeat event.
	for i := 0; i < 20; i++ {
		if _, err := w.Write([]byte{hbBeat}); err != nil {
			t.Fatalf("write beat: %v", err)
		}
	}
	_ = w.Close()

	events := make(chan WorkerEvent, 32)
	done := make(chan struct{})
	defer close(done)
	go readHeartbeats(r, 1, events, done)

	got := collectEvents(t, events, 500*time.Millisecond)
	beats := 0
	for _, ev := range got {
		if ev.Kind == EventKindHeartbeat {
			beats++
		}
	}
	if beats != 1 {
		t.Fatalf("coalesced heartbeat events = %d, want 1", beats)
	}
}

func TestHeartbeatWriterFailsAfterReaderGone(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	_ = r.Close()

	hw := newHeartbeatWriter(w)
	defer func() { _ = hw.Close() }()

	// EPIPE is the worker's orphan-detection signal. The write may need the
	// signal-disposition dance on some platforms, so accept any error.
	if err := hw.Beat(); err == nil {
		t.Skip("platform delivered no write error on closed pipe")
	}
}

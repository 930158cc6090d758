// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"errors"
	"io"
	"os"
	"time"
)

// Heartbeat wire protocol. Each worker holds the write end of a dedicated
// pipe; the master reads it. Single bytes are atomic on pipes, so there is
// no framing to get wrong:
//
//	'R'  READY handshake, sent once when all listeners are accepting
//	'H'  liveness beat, sent every heartbeat interval
//	'Q'  voluntary recycle announcement (max-requests reached)
//
// Pipe EOF tells the master the worker is gone even before wait() returns,
// and a write error tells the worker the master is gone (orphan detection).
const (
	hbReady   byte = 'R'
	hbBeat    byte = 'H'
	hbRecycle byte = 'Q'
)

// heartbeatWriter is the worker-side half of the heartbeat pipe.
type heartbeatWriter struct {
	f *os.File
}

func newHeartbeatWriter(f *os.File) *heartbeatWriter {
	return &heartbeatWriter{f: f}
}

func (w *heartbeatWriter) Ready() error   { return w.send(hbReady) }
func (w *heartbeatWriter) Beat() error    { return w.send(hbBeat) }
func (w *heartbeatWriter) Recycle() error { return w.send(hbRecycle) }

func (w *heartbeatWriter) send(b byte) error {
	_, err := w.f.Write([]byte{b})
	return err
}

func (w *heartbeatWriter) Close() error {
	return w.f.Close()
}

// readHeartbeats consumes the master-side read end of one worker's pipe and
// translates protocol bytes into worker events. It exits on pipe EOF (worker
// death) or when done closes (supervisor stopped consuming). Consecutive
// beats inside one read are coalesced into a single heartbeat event; READY
// and recycle bytes are never coalesced away.
func readHeartbeats(f *os.File, id uint64, events chan<- WorkerEvent, done <-chan struct{}) {
	defer func() { _ = f.Close() }()

	buf := make([]byte, 64)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			beat := false
			for _, b := range buf[:n] {
				switch b {
				case hbReady:
					post(events, done, WorkerEvent{WorkerID: id, Kind: EventKindReady, At: time.Now()})
				case hbRecycle:
					post(events, done, WorkerEvent{WorkerID: id, Kind: EventKindRecycleAnnounced, At: time.Now()})
				case hbBeat:
					beat = true
				}
			}
			if beat {
				post(events, done, WorkerEvent{WorkerID: id, Kind: EventKindHeartbeat, At: time.Now()})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				post(events, done, WorkerEvent{WorkerID: id, Kind: EventKindHeartbeatLost, At: time.Now()})
			}
			return
		}
	}
}

// post delivers an event unless the supervisor already stopped consuming.
func post(events chan<- WorkerEvent, done <-chan struct{}, ev WorkerEvent) {
	select {
	case events <- ev:
	case <-done:
	}
}

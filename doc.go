// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

// Package drover is a pre-fork HTTP serving supervisor: a master process
// binds the listening sockets, spawns a pool of worker processes that
// inherit them, and keeps the pool healthy while the master itself never
// touches a request.
//
// The master owns all pool state in a single control loop and reacts to a
// serialized stream of events: worker heartbeats and exits, monitor ticks
// and control requests. Workers are plain processes running net/http on the
// shared listeners; the kernel distributes accepts across them. The
// application is opaque to drover: any http.Handler.
//
// What the supervisor provides:
//
//   - crash detection and bounded restart (per-slot crash-loop ceiling over
//     a sliding window; a flapping slot is disabled without touching its
//     siblings)
//   - stall detection through per-worker heartbeat pipes, with exactly one
//     forced kill per stall episode
//   - rolling reloads that spawn a full new worker generation and only
//     drain the old one once every new worker is ready, so serving capacity
//     never dips
//   - graceful shutdown with a hard deadline: drain requests are advisory,
//     SIGKILL is not
//   - live resizing of the pool, shrinking by drain rather than kill
//   - optional per-worker request limits with jitter, so leaky application
//     code is recycled before it matters
//
// Most applications only need Main; see its example. Everything else (New,
// Serve, Reload, SetWorkerCount, Shutdown, WatchSignals, WithEventHook) is
// for daemons that embed the supervisor alongside a control surface, like
// cmd/drover does.
package drover

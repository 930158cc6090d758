// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

// Package metrics exposes Prometheus instrumentation for the master
// process: pool capacity, worker lifecycle transitions, crash/stall/recycle
// accounting and control API latency. Worker processes serve application
// traffic and register nothing here; their health is visible through the
// master's view of them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool capacity
	WorkersTarget = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_workers_target",
			Help: "Configured number of worker slots",
		},
	)

	WorkersReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_workers_ready",
			Help: "Workers of the serving generation currently ready",
		},
	)

	WorkersAlive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_workers_alive",
			Help: "Worker processes not yet exited, any state or generation",
		},
	)

	// Lifecycle
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_events_total",
			Help: "Supervisor events by type and reason",
		},
		[]string{"type", "reason"},
	)

	SpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_worker_spawns_total",
			Help: "Worker processes started, including respawns",
		},
	)

	CrashesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_worker_crashes_total",
			Help: "Worker exits accounted against the crash-loop ceiling",
		},
		[]string{"reason"},
	)

	CrashLoopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_crash_loops_total",
			Help: "Worker slots disabled after exceeding the restart ceiling",
		},
	)

	WorkerLifetime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_worker_lifetime_seconds",
			Help:    "Time from spawn to exit per worker process",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 10), // 0.5s .. ~36h
		},
	)

	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_reloads_total",
			Help: "Rolling reloads by outcome",
		},
		[]string{"outcome"}, // "finished", "failed"
	)

	// Control API
	ControlRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_control_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_control_requests_total",
			Help: "Control API requests by method, route and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	EventStreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_event_stream_clients",
			Help: "Connected WebSocket event stream clients",
		},
	)
)

// RecordEvent counts one supervisor event.
func RecordEvent(eventType, reason string) {
	if reason == "" {
		reason = "none"
	}
	EventsTotal.WithLabelValues(eventType, reason).Inc()
}

// RecordCrash counts one crash-accounted worker exit.
func RecordCrash(reason string) {
	CrashesTotal.WithLabelValues(reason).Inc()
}

// RecordWorkerExit observes one worker's lifetime.
func RecordWorkerExit(lifetime time.Duration) {
	WorkerLifetime.Observe(lifetime.Seconds())
}

// RecordReload counts a reload outcome ("finished" or "failed").
func RecordReload(outcome string) {
	ReloadsTotal.WithLabelValues(outcome).Inc()
}

// SetPoolGauges updates the capacity gauges in one shot. The supervisor
// calls it after every state-changing event, so scrapes always see a
// consistent trio.
func SetPoolGauges(target, ready, alive int) {
	WorkersTarget.Set(float64(target))
	WorkersReady.Set(float64(ready))
	WorkersAlive.Set(float64(alive))
}

// RecordControlRequest records one control API request.
func RecordControlRequest(method, route string, status int, duration time.Duration) {
	ControlRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	ControlRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWrapIsolatesHandlerPanics(t *testing.T) {
	w := &workerRuntime{cfg: DefaultConfig(), recycle: make(chan struct{})}

	calls := 0
	handler := w.wrap(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/boom" {
			panic("application fault")
		}
		rw.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/boom")
	if err != nil {
		t.Fatalf("panicking request failed at transport level: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("panicking request status = %d, want 500", resp.StatusCode)
	}

	// The worker survives the fault; the next request is served normally.
	resp, err = http.Get(srv.URL + "/ok")
	if err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up status = %d, want 200", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestWrapTriggersRecycleAtRequestLimit(t *testing.T) {
	w := &workerRuntime{
		cfg:          DefaultConfig(),
		recycleLimit: 3,
		recycle:      make(chan struct{}),
	}
	handler := w.wrap(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_ = resp.Body.Close()
	}
	select {
	case <-w.recycle:
		t.Fatal("recycle triggered before the limit")
	default:
	}

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("limit request: %v", err)
	}
	_ = resp.Body.Close()

	select {
	case <-w.recycle:
	case <-time.After(time.Second):
		t.Fatal("recycle not triggered at the limit")
	}

	// Requests past the limit must not panic on the closed channel.
	resp, err = http.Get(srv.URL)
	if err != nil {
		t.Fatalf("post-limit request: %v", err)
	}
	_ = resp.Body.Close()
}

func TestWrapCountsPanickedRequestsTowardRecycle(t *testing.T) {
	w := &workerRuntime{
		cfg:          DefaultConfig(),
		recycleLimit: 2,
		recycle:      make(chan struct{}),
	}
	handler := w.wrap(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			panic("application fault")
		}
		rw.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/boom")
	if err != nil {
		t.Fatalf("panicking request: %v", err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/ok")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	_ = resp.Body.Close()

	// The panicked request counts toward the limit like any other.
	select {
	case <-w.recycle:
	case <-time.After(time.Second):
		t.Fatal("recycle not triggered, panicked request was not counted")
	}
}

func TestRecycleLimitJitterBounds(t *testing.T) {
	if got := recycleLimit(0, 0); got != 0 {
		t.Fatalf("recycleLimit(0,0) = %d, want 0 (disabled)", got)
	}
	if got := recycleLimit(100, 0); got != 100 {
		t.Fatalf("recycleLimit(100,0) = %d, want 100", got)
	}
	for i := 0; i < 50; i++ {
		got := recycleLimit(100, 10)
		if got < 100 || got > 110 {
			t.Fatalf("recycleLimit(100,10) = %d, want within [100,110]", got)
		}
	}
}

func TestReadWorkerIdentity(t *testing.T) {
	t.Setenv(envWorkerID, "7")
	t.Setenv(envWorkerSlot, "2")
	t.Setenv(envWorkerGeneration, "3")
	t.Setenv(envListenerCount, "1")

	ident, err := readWorkerIdentity()
	if err != nil {
		t.Fatalf("readWorkerIdentity: %v", err)
	}
	if ident.id != 7 || ident.slot != 2 || ident.generation != 3 || ident.listeners != 1 {
		t.Fatalf("identity = %+v, want {7 2 3 1}", ident)
	}
	if !IsWorkerProcess() {
		t.Fatal("IsWorkerProcess = false with markers set")
	}

	t.Setenv(envListenerCount, "0")
	if _, err := readWorkerIdentity(); err == nil {
		t.Fatal("accepted zero listeners")
	}

	t.Setenv(envWorkerID, "not-a-number")
	if _, err := readWorkerIdentity(); err == nil {
		t.Fatal("accepted malformed worker id")
	}
}

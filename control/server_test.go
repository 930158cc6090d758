// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package control

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/drover"
)

// fakeBackend records control operations and serves a canned status.
type fakeBackend struct {
	mu         sync.Mutex
	status     drover.PoolStatus
	reloadErr  error
	scaleErr   error
	reloads    int
	scaleCalls []int
	adjusts    []int
	shutdowns  []bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status: drover.PoolStatus{
			InstanceID:    "test-instance",
			State:         drover.PoolRunning,
			Generation:    1,
			TargetWorkers: 2,
			ReadyWorkers:  2,
			StartedAt:     time.Now(),
		},
	}
}

func (f *fakeBackend) Status(context.Context) (drover.PoolStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeBackend) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.reloadErr
}

func (f *fakeBackend) SetWorkerCount(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaleCalls = append(f.scaleCalls, n)
	return f.scaleErr
}

func (f *fakeBackend) AdjustWorkerCount(_ context.Context, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjusts = append(f.adjusts, delta)
	return nil
}

func (f *fakeBackend) Shutdown(graceful bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, graceful)
}

func newTestServer(t *testing.T, cfg Config, backend Backend) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(cfg, backend, nil).routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, DefaultConfig(), backend)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q, want application/json", ct)
	}

	var status drover.PoolStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.InstanceID != "test-instance" || status.ReadyWorkers != 2 {
		t.Fatalf("unexpected status payload: %+v", status)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "sekrit"
	srv := newTestServer(t, cfg, newFakeBackend())

	// No token: rejected.
	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status code = %d, want 401", resp.StatusCode)
	}

	// Wrong token: rejected.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-token status code = %d, want 401", resp.StatusCode)
	}

	// Correct token: accepted.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status code = %d, want 200", resp.StatusCode)
	}

	// Health probes stay open without a token.
	resp, err = http.Get(srv.URL + "/healthz/live")
	if err != nil {
		t.Fatalf("GET /healthz/live: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("liveness status code = %d, want 200", resp.StatusCode)
	}
}

func TestReadinessTracksPoolState(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, DefaultConfig(), backend)

	resp, err := http.Get(srv.URL + "/healthz/ready")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status code = %d, want 200", resp.StatusCode)
	}

	backend.mu.Lock()
	backend.status.State = drover.PoolDraining
	backend.mu.Unlock()

	resp, err = http.Get(srv.URL + "/healthz/ready")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining ready status code = %d, want 503", resp.StatusCode)
	}
}

func TestSetWorkerCountValidation(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, DefaultConfig(), backend)

	put := func(body string) int {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/workers/count",
			bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT: %v", err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if code := put(`{"count": 4}`); code != http.StatusAccepted {
		t.Fatalf("valid count status = %d, want 202", code)
	}
	if code := put(`{"count": 0}`); code != http.StatusBadRequest {
		t.Fatalf("zero count status = %d, want 400", code)
	}
	if code := put(`{"count": -3}`); code != http.StatusBadRequest {
		t.Fatalf("negative count status = %d, want 400", code)
	}
	if code := put(`not json`); code != http.StatusBadRequest {
		t.Fatalf("garbage body status = %d, want 400", code)
	}

	backend.mu.Lock()
	calls := append([]int(nil), backend.scaleCalls...)
	backend.mu.Unlock()
	if len(calls) != 1 || calls[0] != 4 {
		t.Fatalf("backend scale calls = %v, want [4]", calls)
	}
}

func TestReloadConflictMapsTo409(t *testing.T) {
	backend := newFakeBackend()
	backend.reloadErr = drover.ErrReloadInProgress
	srv := newTestServer(t, DefaultConfig(), backend)

	resp, err := http.Post(srv.URL+"/api/v1/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if er.Error.Code != "reload_in_progress" {
		t.Fatalf("error code = %q, want reload_in_progress", er.Error.Code)
	}
}

func TestShutdownDefaultsToGraceful(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, DefaultConfig(), backend)

	resp, err := http.Post(srv.URL+"/api/v1/shutdown", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/v1/shutdown", "application/json",
		bytes.NewReader([]byte(`{"graceful": false}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()

	backend.mu.Lock()
	shutdowns := append([]bool(nil), backend.shutdowns...)
	backend.mu.Unlock()
	if len(shutdowns) != 2 || !shutdowns[0] || shutdowns[1] {
		t.Fatalf("shutdown calls = %v, want [true false]", shutdowns)
	}
}

func TestScaleConvenienceEndpoints(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, DefaultConfig(), backend)

	for _, path := range []string{"/api/v1/scale/up", "/api/v1/scale/down"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("POST %s status = %d, want 202", path, resp.StatusCode)
		}
	}

	backend.mu.Lock()
	adjusts := append([]int(nil), backend.adjusts...)
	backend.mu.Unlock()
	if len(adjusts) != 2 || adjusts[0] != 1 || adjusts[1] != -1 {
		t.Fatalf("adjust calls = %v, want [1 -1]", adjusts)
	}
}

func TestClientRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	cfg := DefaultConfig()
	cfg.Token = "sekrit"
	srv := newTestServer(t, cfg, backend)

	client := NewClient(srv.URL, "sekrit")
	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.InstanceID != "test-instance" {
		t.Fatalf("InstanceID = %q, want test-instance", status.InstanceID)
	}

	if err := client.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := client.SetWorkerCount(ctx, 6); err != nil {
		t.Fatalf("SetWorkerCount: %v", err)
	}
	if err := client.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.reloads != 1 || len(backend.scaleCalls) != 1 || len(backend.shutdowns) != 1 {
		t.Fatalf("backend calls: reloads=%d scales=%v shutdowns=%v",
			backend.reloads, backend.scaleCalls, backend.shutdowns)
	}

	// A wrong token surfaces the server's error body.
	bad := NewClient(srv.URL, "wrong")
	if _, err := bad.Status(ctx); err == nil {
		t.Fatal("client with wrong token succeeded")
	}
}

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestPIDFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pidfile content = %q, want own pid %d", data, os.Getpid())
	}

	// A second master must refuse to start over a live pidfile.
	if err := writePIDFile(path); err == nil {
		t.Fatal("writePIDFile overwrote a live master's pidfile")
	}

	removePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pidfile not removed")
	}
}

func TestPIDFileReclaimsStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")

	// A PID that cannot belong to a live process.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("plant stale pidfile: %v", err)
	}

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile over stale file: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pidfile content = %q, want own pid", data)
	}
}

func TestRemovePIDFileLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")
	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	removePIDFile(path)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("removed a pidfile belonging to another process")
	}
}

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestBindTCP(t *testing.T) {
	handles, err := Bind([]string{"127.0.0.1:0", "tcp://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer closeHandles(handles)

	if len(handles) != 2 {
		t.Fatalf("handles = %d, want 2", len(handles))
	}
	for _, h := range handles {
		if h.File() == nil {
			t.Fatalf("handle %s has no inheritable descriptor", h.Spec())
		}
		if _, _, err := net.SplitHostPort(h.Addr().String()); err != nil {
			t.Fatalf("handle %s bound to unparseable addr %s", h.Spec(), h.Addr())
		}
	}
}

func TestBindFailureNamesAddressAndClosesEarlierListeners(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = blocker.Close() }()
	occupied := blocker.Addr().String()

	handles, err := Bind([]string{"127.0.0.1:0", occupied})
	if handles != nil {
		t.Fatal("Bind returned handles alongside an error")
	}

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Bind error = %T, want *BindError", err)
	}
	if bindErr.Address != occupied {
		t.Fatalf("BindError.Address = %q, want %q", bindErr.Address, occupied)
	}
	if bindErr.Unwrap() == nil {
		t.Fatal("BindError carries no cause")
	}
}

func TestBindUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not supported on windows")
	}

	path := filepath.Join(t.TempDir(), "drover.sock")
	spec := "unix://" + path

	handles, err := Bind([]string{spec})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	closeHandles(handles)

	// A master that died hard leaves the socket file behind without a
	// listener on the other end. A fresh bind must detect the corpse and
	// reclaim the address.
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket file: %v", err)
	}
	if handles, err = Bind([]string{spec}); err != nil {
		t.Fatalf("rebind over stale socket: %v", err)
	}
	closeHandles(handles)
}

func TestParseListenSpec(t *testing.T) {
	cases := []struct {
		spec    string
		network string
		address string
		wantErr bool
	}{
		{spec: "127.0.0.1:8000", network: "tcp", address: "127.0.0.1:8000"},
		{spec: ":8000", network: "tcp", address: ":8000"},
		{spec: "tcp://0.0.0.0:80", network: "tcp", address: "0.0.0.0:80"},
		{spec: "unix:///tmp/x.sock", network: "unix", address: "/tmp/x.sock"},
		{spec: "unix://", wantErr: true},
		{spec: "ftp://host:1", wantErr: true},
		{spec: "no-port", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tc := range cases {
		network, address, err := parseListenSpec(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseListenSpec(%q) accepted invalid spec", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseListenSpec(%q): %v", tc.spec, err)
			continue
		}
		if network != tc.network || address != tc.address {
			t.Errorf("parseListenSpec(%q) = (%s, %s), want (%s, %s)",
				tc.spec, network, address, tc.network, tc.address)
		}
	}
}

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/tomtom215/drover/internal/logging"
)

// ListenerHandle owns one bound listener plus the duplicated file descriptor
// that worker processes inherit. The master never accepts on it; handles are
// closed only at full supervisor shutdown so workers can be respawned and
// generations rolled without ever dropping the socket.
type ListenerHandle struct {
	spec    string
	network string
	address string
	ln      net.Listener
	file    *os.File
}

// Spec returns the address spec the handle was bound from.
func (h *ListenerHandle) Spec() string { return h.spec }

// Addr returns the bound address (useful with ":0" specs in tests).
func (h *ListenerHandle) Addr() net.Addr { return h.ln.Addr() }

// File returns the inheritable descriptor for exec.Cmd.ExtraFiles.
func (h *ListenerHandle) File() *os.File { return h.file }

// Close releases the listener and its duplicated descriptor.
func (h *ListenerHandle) Close() error {
	ferr := h.file.Close()
	lerr := h.ln.Close()
	if lerr != nil {
		return lerr
	}
	return ferr
}

// Bind binds every address spec in order and returns the handles. On the
// first failure it closes everything bound so far and returns a *BindError
// naming the offending address. Binding happens before any worker spawn;
// callers treat an error as fatal at startup and as reload-abort during
// reload.
func Bind(specs []string) ([]*ListenerHandle, error) {
	handles := make([]*ListenerHandle, 0, len(specs))
	for _, spec := range specs {
		h, err := bindOne(spec)
		if err != nil {
			closeHandles(handles)
			return nil, &BindError{Address: spec, Err: err}
		}
		logging.Debug().
			Str("spec", spec).
			Str("addr", h.Addr().String()).
			Msg("listener bound")
		handles = append(handles, h)
	}
	return handles, nil
}

func bindOne(spec string) (*ListenerHandle, error) {
	network, address, err := parseListenSpec(spec)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen(network, address)
	if err != nil && network == "unix" && isAddrInUse(err) {
		// A previous master that died hard leaves the socket file behind.
		// Only steal it when nothing answers on the other end.
		if dialErr := probeUnixSocket(address); dialErr != nil {
			if rmErr := os.Remove(address); rmErr == nil {
				logging.Warn().Str("path", address).Msg("removed stale unix socket")
				ln, err = net.Listen(network, address)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	file, err := listenerFile(ln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &ListenerHandle{
		spec:    spec,
		network: network,
		address: address,
		ln:      ln,
		file:    file,
	}, nil
}

// listenerFile duplicates the listener's descriptor for inheritance.
func listenerFile(ln net.Listener) (*os.File, error) {
	switch l := ln.(type) {
	case *net.TCPListener:
		return l.File()
	case *net.UnixListener:
		return l.File()
	default:
		return nil, fmt.Errorf("listener type %T cannot be inherited", ln)
	}
}

// parseListenSpec splits an address spec into (network, address).
// Accepted: "host:port", "tcp://host:port", "unix:///path/to.sock".
func parseListenSpec(spec string) (string, string, error) {
	switch {
	case strings.HasPrefix(spec, "unix://"):
		path := strings.TrimPrefix(spec, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("unix listen spec %q has empty path", spec)
		}
		return "unix", path, nil
	case strings.HasPrefix(spec, "tcp://"):
		spec = strings.TrimPrefix(spec, "tcp://")
		fallthrough
	default:
		if strings.Contains(spec, "://") {
			return "", "", fmt.Errorf("unsupported scheme in listen spec %q", spec)
		}
		if _, _, err := net.SplitHostPort(spec); err != nil {
			return "", "", fmt.Errorf("invalid listen spec %q: %v", spec, err)
		}
		return "tcp", spec, nil
	}
}

func probeUnixSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, 250*time.Millisecond)
	if err == nil {
		_ = conn.Close()
	}
	return err
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func closeHandles(handles []*ListenerHandle) {
	for _, h := range handles {
		_ = h.Close()
	}
}

// inheritedListeners rebuilds the listener set a worker received from the
// master. fds 3..3+count-1 are listeners in Listen order; the heartbeat pipe
// sits directly after them.
func inheritedListeners(count int) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		f := os.NewFile(uintptr(listenerFdOffset+i), fmt.Sprintf("listener-%d", i))
		if f == nil {
			closeListeners(listeners)
			return nil, fmt.Errorf("inherited listener fd %d is invalid", listenerFdOffset+i)
		}
		ln, err := net.FileListener(f)
		// The net package dups the fd; the original is no longer needed.
		_ = f.Close()
		if err != nil {
			closeListeners(listeners)
			return nil, fmt.Errorf("rebuild inherited listener %d: %w", i, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func closeListeners(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}

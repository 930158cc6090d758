// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tomtom215/drover/internal/logging"
)

// Environment markers a worker process inherits from the master. Their
// presence is what flips Main from master mode into worker mode; the values
// identify the worker in logs and locate the inherited descriptors.
const (
	envWorkerID         = "DROVER_WORKER_ID"
	envWorkerSlot       = "DROVER_WORKER_SLOT"
	envWorkerGeneration = "DROVER_WORKER_GENERATION"
	envListenerCount    = "DROVER_LISTENER_COUNT"

	// listenerFdOffset is the first ExtraFiles descriptor: 0/1/2 are the
	// standard streams, listeners follow, the heartbeat pipe comes last.
	listenerFdOffset = 3
)

// IsWorkerProcess reports whether this process was spawned by a drover
// master. Main uses it to dispatch; daemons use it to skip master-only
// setup (control API, metrics endpoint) in worker processes.
func IsWorkerProcess() bool {
	return os.Getenv(envWorkerID) != ""
}

// workerIdentity is the worker-side view of the spawn markers.
type workerIdentity struct {
	id         uint64
	slot       int
	generation int
	listeners  int
}

func readWorkerIdentity() (workerIdentity, error) {
	id, err := strconv.ParseUint(os.Getenv(envWorkerID), 10, 64)
	if err != nil {
		return workerIdentity{}, fmt.Errorf("parse %s: %w", envWorkerID, err)
	}
	slot, err := strconv.Atoi(os.Getenv(envWorkerSlot))
	if err != nil {
		return workerIdentity{}, fmt.Errorf("parse %s: %w", envWorkerSlot, err)
	}
	gen, err := strconv.Atoi(os.Getenv(envWorkerGeneration))
	if err != nil {
		return workerIdentity{}, fmt.Errorf("parse %s: %w", envWorkerGeneration, err)
	}
	count, err := strconv.Atoi(os.Getenv(envListenerCount))
	if err != nil {
		return workerIdentity{}, fmt.Errorf("parse %s: %w", envListenerCount, err)
	}
	if count < 1 {
		return workerIdentity{}, fmt.Errorf("%s=%d: worker needs at least one listener", envListenerCount, count)
	}
	return workerIdentity{id: id, slot: slot, generation: gen, listeners: count}, nil
}

// runWorker is the worker-process entrypoint. It rebuilds the inherited
// listeners, wraps the application handler with fault isolation and request
// accounting, serves until told otherwise and exits cleanly (nil) on drain
// or recycle. Any returned error means a crash exit.
func runWorker(cfg Config, handler http.Handler) error {
	ident, err := readWorkerIdentity()
	if err != nil {
		return err
	}
	logging.Tag("worker", int(ident.id))

	hbFile := os.NewFile(uintptr(listenerFdOffset+ident.listeners), "heartbeat")
	if hbFile == nil {
		return errors.New("heartbeat pipe descriptor missing")
	}
	hb := newHeartbeatWriter(hbFile)
	defer func() { _ = hb.Close() }()

	listeners, err := inheritedListeners(ident.listeners)
	if err != nil {
		return err
	}
	defer closeListeners(listeners)

	w := &workerRuntime{
		cfg:     cfg,
		ident:   ident,
		hb:      hb,
		recycle: make(chan struct{}),
	}
	w.recycleLimit = recycleLimit(cfg.MaxRequests, cfg.MaxRequestsJitter)

	server := &http.Server{
		Handler:      w.wrap(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln net.Listener) {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}(ln)
	}

	// The accept loops are running; announce READY. A write failure here
	// means the master is already gone.
	if err := hb.Ready(); err != nil {
		_ = server.Close()
		return fmt.Errorf("ready handshake: %w", err)
	}

	logging.Info().
		Int("slot", ident.slot).
		Int("generation", ident.generation).
		Int("listeners", ident.listeners).
		Int("max_requests", w.recycleLimit).
		Msg("worker serving")

	return w.loop(server, serveErr)
}

// recycleLimit applies the per-worker jitter so a pool started together does
// not retire together. Zero disables recycling.
func recycleLimit(max, jitter int) int {
	if max <= 0 {
		return 0
	}
	if jitter > 0 {
		max += rand.Intn(jitter + 1)
	}
	return max
}

// workerRuntime owns the worker's control state. Request handling itself is
// goroutine-per-connection inside net/http with goroutine-local state; only
// the run loop below touches anything shared.
type workerRuntime struct {
	cfg          Config
	ident        workerIdentity
	hb           *heartbeatWriter
	recycleLimit int

	served      atomic.Int64
	recycleOnce atomic.Bool
	recycle     chan struct{}
}

// wrap layers fault isolation and request accounting around the opaque
// application handler. A panic in the application is converted into a 500
// for that one request; the worker keeps serving.
func (w *workerRuntime) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("request handler panicked")
				// Headers may already be gone; WriteHeader on a started
				// response is a no-op plus a log line, which is fine.
				rw.WriteHeader(http.StatusInternalServerError)
			}

			// Counted in the defer so panicked requests age the worker too.
			if w.recycleLimit > 0 && w.served.Add(1) >= int64(w.recycleLimit) {
				if w.recycleOnce.CompareAndSwap(false, true) {
					close(w.recycle)
				}
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

// loop is the worker's event loop: heartbeats out, termination signals in.
// Exits: nil for drain/recycle (exit code 0, never counted as a crash by the
// master), an error for anything that should register as a crash.
func (w *workerRuntime) loop(server *http.Server, serveErr <-chan error) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigs)

	beat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-beat.C:
			if err := w.hb.Beat(); err != nil {
				// Master gone; an orphan worker serving a socket nobody
				// supervises is worse than no worker.
				logging.Warn().Err(err).Msg("heartbeat pipe broken, master gone, exiting")
				_ = server.Close()
				return fmt.Errorf("heartbeat write: %w", err)
			}

		case <-w.recycle:
			logging.Info().Int64("served", w.served.Load()).Msg("max requests reached, recycling")
			_ = w.hb.Recycle()
			return w.drain(server)

		case sig := <-sigs:
			switch sig {
			case syscall.SIGTERM:
				logging.Info().Msg("drain requested")
				return w.drain(server)
			default:
				logging.Info().Str("signal", sig.String()).Msg("immediate stop requested")
				return server.Close()
			}

		case err := <-serveErr:
			return fmt.Errorf("serve: %w", err)
		}
	}
}

// drain stops accepting and lets in-flight requests finish, bounded by the
// graceful timeout. The master enforces its own deadline with SIGKILL, so
// overshooting here only changes which process gives up first.
func (w *workerRuntime) drain(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("drain deadline exceeded, closing remaining connections")
		_ = server.Close()
	}
	return nil
}

// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/drover"
	"github.com/tomtom215/drover/control"
	"github.com/tomtom215/drover/internal/config"
	"github.com/tomtom215/drover/internal/logging"
)

// buildTree assembles the daemon's suture tree: the worker pool plus the
// optional control surface (API server and event stream hub). Suture events
// route through the slog adapter into the shared zerolog stream.
func buildTree(cfg *config.Config, sup *drover.Supervisor, stream *control.Stream) (*suture.Supervisor, *poolService, error) {
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()

	root := suture.New("drover", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})

	pool := &poolService{sup: sup}
	root.Add(pool)

	if stream != nil {
		root.Add(stream)
		root.Add(control.NewServer(cfg.Control, sup, stream))
	}

	return root, pool, nil
}

// poolService adapts the worker-pool supervisor to suture.Service. The pool
// is single-use: once it stops, restarting it inside the same process would
// re-bind listeners already torn down, so the whole tree terminates with it
// and the exit path decides what the stop means.
type poolService struct {
	sup *drover.Supervisor

	mu       sync.Mutex
	serveErr error
}

func (p *poolService) Serve(ctx context.Context) error {
	err := p.sup.Serve(ctx)

	p.mu.Lock()
	p.serveErr = err
	p.mu.Unlock()

	return suture.ErrTerminateSupervisorTree
}

// err returns the pool's own exit error (crash-loop pool failure, bind
// failure) as opposed to the tree's termination bookkeeping.
func (p *poolService) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.serveErr == nil || errors.Is(p.serveErr, context.Canceled) {
		return nil
	}
	return p.serveErr
}

func (p *poolService) String() string { return "worker-pool" }

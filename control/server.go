// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

// Package control exposes the supervisor's administrative surface over
// HTTP: status, reload, scaling, shutdown, health probes, Prometheus
// metrics and a WebSocket event stream. It is a single-operator surface,
// disabled by default and guarded by a static bearer token when enabled.
package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/drover"
	"github.com/tomtom215/drover/internal/logging"
	"github.com/tomtom215/drover/internal/metrics"
)

// Backend is the slice of the supervisor the control API drives.
// *drover.Supervisor satisfies it; tests substitute fakes.
type Backend interface {
	Status(ctx context.Context) (drover.PoolStatus, error)
	Reload(ctx context.Context) error
	SetWorkerCount(ctx context.Context, n int) error
	AdjustWorkerCount(ctx context.Context, delta int) error
	Shutdown(graceful bool)
}

// Config configures the control server. The zero value disables it.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:9773". Empty disables the
	// control API entirely.
	Addr string `koanf:"addr"`

	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every /api route. Health probes and /metrics stay open.
	Token string `koanf:"token"`

	// AllowedOrigins enables CORS for a dashboard; empty means no CORS
	// headers are emitted at all.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// RequestsPerMinute rate-limits API calls per client IP. Default 120.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// ShutdownTimeout bounds the control server's own graceful stop.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns a disabled control surface with sane limits.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Server serves the control API. Create with NewServer, run with Serve.
type Server struct {
	cfg      Config
	backend  Backend
	stream   *Stream
	validate *validator.Validate
	server   *http.Server
}

// NewServer builds the control server. The stream may be nil when the
// WebSocket event feed is not wanted.
func NewServer(cfg Config, backend Backend, stream *Stream) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		stream:   stream,
		validate: validator.New(),
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz/live", s.handleLive)
	r.Get("/healthz/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(s.cfg.RequestsPerMinute, time.Minute))
		r.Use(s.auth)

		r.Get("/status", s.handleStatus)
		r.Get("/workers", s.handleWorkers)
		r.Post("/reload", s.handleReload)
		r.Put("/workers/count", s.handleSetWorkerCount)
		r.Post("/scale/up", s.handleScale(1))
		r.Post("/scale/down", s.handleScale(-1))
		r.Post("/shutdown", s.handleShutdown)
		if s.stream != nil {
			r.Get("/events/ws", s.stream.handleWS(s.cfg.AllowedOrigins))
		}
	})

	return r
}

// Serve runs the control server until ctx is canceled, then shuts it down
// gracefully within the configured timeout. Implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.Addr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("control API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
		}
		return ctx.Err()
	}
}

// instrument records method/route/status/duration for every request.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordControlRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

// auth enforces the static bearer token with a constant-time compare.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports ready only while the pool is running with at least
// one ready worker, so load balancers stop routing during drain.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "supervisor not responding", err)
		return
	}
	if status.State != drover.PoolRunning || status.ReadyWorkers < 1 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"state":  status.State,
			"ready":  status.ReadyWorkers,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"ready":  status.ReadyWorkers,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "supervisor not responding", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "supervisor not responding", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workers": status.Workers})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Reload(r.Context()); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reload started"})
}

type workerCountRequest struct {
	Count int `json:"count" validate:"required,min=1,max=1024"`
}

func (s *Server) handleSetWorkerCount(w http.ResponseWriter, r *http.Request) {
	var req workerCountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", "count must be between 1 and 1024", err)
		return
	}
	if err := s.backend.SetWorkerCount(r.Context(), req.Count); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "scaling", "count": req.Count})
}

func (s *Server) handleScale(delta int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.backend.AdjustWorkerCount(r.Context(), delta); err != nil {
			respondControlError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "scaling", "delta": delta})
	}
}

type shutdownRequest struct {
	Graceful bool `json:"graceful"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	// Defaults to graceful when no body is sent.
	req := shutdownRequest{Graceful: true}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", err)
			return
		}
	}
	s.backend.Shutdown(req.Graceful)
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "shutting down", "graceful": req.Graceful})
}

// respondControlError maps supervisor rejections onto HTTP statuses.
func respondControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, drover.ErrReloadInProgress):
		respondError(w, http.StatusConflict, "reload_in_progress", err.Error(), nil)
	case errors.Is(err, drover.ErrDraining), errors.Is(err, drover.ErrStopped):
		respondError(w, http.StatusConflict, "not_running", err.Error(), nil)
	case errors.Is(err, drover.ErrInvalidWorkerCount):
		respondError(w, http.StatusBadRequest, "invalid_count", err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, "internal", "control operation failed", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal control response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write control response")
	}
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", code).Err(err).Msg("control API error")
	}
	respondJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

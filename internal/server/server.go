// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the routing engine over HTTP.
//
// Endpoints:
//   - POST /v1/route         - route one request through the engine
//   - POST /v1/route/preview - classification and cost estimate, no execution
//   - GET  /health           - health check
//   - GET  /stats            - usage statistics
//
// This is a thin net/http boundary: framework concerns (sessions, auth
// providers, UI) live outside the core.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/relaycore/internal/council"
	"github.com/jeranaias/relaycore/internal/engine"
	"github.com/jeranaias/relaycore/internal/execute"
	"github.com/jeranaias/relaycore/internal/ledger"
)

// MaxRequestBodySize caps the request body to prevent resource exhaustion.
const MaxRequestBodySize = 1 * 1024 * 1024 // 1MB

// Version is the server version string.
const Version = "0.1.0"

// ============================================================================
// SERVER STATS
// ============================================================================

// Stats tracks server usage counters.
type Stats struct {
	TotalRequests   int64     `json:"total_requests"`
	CouncilRequests int64     `json:"council_requests"`
	Rejections      int64     `json:"rejections"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalCredits    int64     `json:"total_credits"`
	StartTime       time.Time `json:"start_time"`
}

// snapshot returns an atomically read copy.
func (s *Stats) snapshot() Stats {
	return Stats{
		TotalRequests:   atomic.LoadInt64(&s.TotalRequests),
		CouncilRequests: atomic.LoadInt64(&s.CouncilRequests),
		Rejections:      atomic.LoadInt64(&s.Rejections),
		TotalTokens:     atomic.LoadInt64(&s.TotalTokens),
		TotalCredits:    atomic.LoadInt64(&s.TotalCredits),
		StartTime:       s.StartTime,
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Options tunes the HTTP surface.
type Options struct {
	Port int
	// RatePerSecond and RateBurst configure per-client rate limiting
	// (RatePerSecond <= 0 disables it).
	RatePerSecond float64
	RateBurst     int
}

// Server serves the routing engine.
type Server struct {
	engine *engine.Engine
	opts   Options
	stats  *Stats

	mu   sync.Mutex
	http *http.Server
}

// New returns an unstarted Server.
func New(eng *engine.Engine, opts Options) *Server {
	return &Server{
		engine: eng,
		opts:   opts,
		stats:  &Stats{StartTime: time.Now()},
	}
}

// Handler builds the full middleware-wrapped handler, exposed separately
// for httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/route", s.handleRoute)
	mux.HandleFunc("POST /v1/route/preview", s.handlePreview)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	var h http.Handler = mux
	if s.opts.RatePerSecond > 0 {
		h = rateLimitMiddleware(h, s.opts.RatePerSecond, s.opts.RateBurst)
	}
	h = loggingMiddleware(h)
	h = recoveryMiddleware(h)
	return h
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("SERVER: listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ============================================================================
// HANDLERS
// ============================================================================

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.stats.TotalRequests, 1)

	var req engine.Request
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Supermode {
		atomic.AddInt64(&s.stats.CouncilRequests, 1)
	}

	resp, err := s.engine.Handle(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	atomic.AddInt64(&s.stats.TotalTokens, int64(resp.Usage.Total))
	atomic.AddInt64(&s.stats.TotalCredits, resp.CreditCost)
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	atomic.AddInt64(&s.stats.Rejections, 1)

	var exhausted *execute.ExhaustedError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, ledger.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown_user", err.Error())
	case errors.Is(err, engine.ErrEmptyUser):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.As(err, &exhausted):
		writeError(w, http.StatusBadGateway, "all_providers_exhausted", err.Error())
	case errors.Is(err, council.ErrCouncilExhausted):
		writeError(w, http.StatusBadGateway, "council_exhausted", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		log.Printf("SERVER: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// previewRequest is the dry-run shape.
type previewRequest struct {
	Message string `json:"message"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	meta, sel, estimate := s.engine.Describe(req.Message)
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata":          meta,
		"selection":         sel,
		"estimated_credits": estimate,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.snapshot())
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("SERVER: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

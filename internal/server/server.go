// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package server exposes the diagnostics HTTP surface: health, Prometheus
// metrics, and read-only views of the registered rules and their stats.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/resilience"
)

// RuleRegistry is the read-only engine view the handlers need. Satisfied by
// *detection.Engine.
type RuleRegistry interface {
	AllRules() []detection.Rule
	GetRule(id string) detection.Rule
	GetRuleStats(id string) *detection.ExecutionStats
	Metrics() detection.EngineMetrics
}

// BreakerReporter exposes delivery circuit state. Satisfied by
// *alerting.Dispatcher.
type BreakerReporter interface {
	BreakerStatus() resilience.BreakerStatus
}

// Config tunes the HTTP listener.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Server is the diagnostics HTTP server. It implements suture.Service via
// Serve.
type Server struct {
	cfg     Config
	engine  RuleRegistry
	breaker BreakerReporter
}

// New creates a diagnostics server. breaker may be nil when alert delivery
// is disabled.
func New(cfg Config, engine RuleRegistry, breaker BreakerReporter) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		breaker: breaker,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rules", s.handleRules)
		r.Get("/rules/{id}/stats", s.handleRuleStats)
		r.Get("/engine/metrics", s.handleEngineMetrics)
		r.Get("/delivery/breaker", s.handleBreaker)
	})

	return r
}

// Serve runs the listener until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logging.Info().Str("addr", srv.Addr).Msg("Diagnostics server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logging.Warn().Err(err).Msg("Diagnostics server shutdown failed")
	}
	return ctx.Err()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ruleView is the read-only JSON projection of a registered rule.
type ruleView struct {
	Meta  detection.Meta            `json:"meta"`
	Stats *detection.ExecutionStats `json:"stats,omitempty"`
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.engine.AllRules()
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		meta := rule.Meta()
		views = append(views, ruleView{
			Meta:  meta,
			Stats: s.engine.GetRuleStats(meta.ID),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.engine.GetRule(id) == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown rule %q", id))
		return
	}

	stats := s.engine.GetRuleStats(id)
	if stats == nil {
		// Registered but never executed.
		stats = &detection.ExecutionStats{}
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEngineMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	if s.breaker == nil {
		respondError(w, http.StatusNotFound, "alert delivery disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.breaker.BreakerStatus())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

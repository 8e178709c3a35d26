// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/resilience"
)

type stubBreakerReporter struct {
	status resilience.BreakerStatus
}

func (s *stubBreakerReporter) BreakerStatus() resilience.BreakerStatus {
	return s.status
}

func newTestEngine(t *testing.T) *detection.Engine {
	t.Helper()

	engine := detection.NewEngine(nil, nil, nil)
	rule, err := detection.BuildRule(detection.RuleKindBruteForce, nil)
	if err != nil {
		t.Fatalf("BuildRule() error = %v", err)
	}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("RegisterRule() error = %v", err)
	}
	return engine
}

func newTestServer(t *testing.T, engine *detection.Engine, breaker BreakerReporter) *httptest.Server {
	t.Helper()

	srv := New(Config{Host: "127.0.0.1", Port: 0, Timeout: 5 * time.Second}, engine, breaker)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, newTestEngine(t), nil)

	var body map[string]string
	if status := getJSON(t, ts.URL+"/healthz", &body); status != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf(`status = %q, want "ok"`, body["status"])
	}
}

func TestRulesEndpoint(t *testing.T) {
	engine := newTestEngine(t)
	ts := newTestServer(t, engine, nil)

	var rules []struct {
		Meta detection.Meta `json:"meta"`
	}
	if status := getJSON(t, ts.URL+"/api/v1/rules", &rules); status != http.StatusOK {
		t.Fatalf("/api/v1/rules status = %d, want 200", status)
	}
	if len(rules) != 1 {
		t.Fatalf("rules length = %d, want 1", len(rules))
	}
	if rules[0].Meta.ID != "brute-force" {
		t.Errorf("rule ID = %q, want brute-force", rules[0].Meta.ID)
	}
}

func TestRuleStatsEndpoint(t *testing.T) {
	engine := newTestEngine(t)
	ts := newTestServer(t, engine, nil)

	// Never-executed rules report zero-valued stats rather than 404.
	var stats detection.ExecutionStats
	if status := getJSON(t, ts.URL+"/api/v1/rules/brute-force/stats", &stats); status != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", status)
	}
	if stats.Executions != 0 {
		t.Errorf("Executions = %d, want 0", stats.Executions)
	}

	engine.EvaluateRules(context.Background(), &detection.Context{
		EventType: detection.EventLoginFailed,
		UserID:    "u1",
		IPAddress: "192.0.2.1",
		Timestamp: time.Now(),
	})

	if status := getJSON(t, ts.URL+"/api/v1/rules/brute-force/stats", &stats); status != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", status)
	}
	if stats.Executions != 1 {
		t.Errorf("Executions = %d, want 1", stats.Executions)
	}

	if status := getJSON(t, ts.URL+"/api/v1/rules/no-such-rule/stats", nil); status != http.StatusNotFound {
		t.Errorf("unknown rule status = %d, want 404", status)
	}
}

func TestEngineMetricsEndpoint(t *testing.T) {
	engine := newTestEngine(t)
	ts := newTestServer(t, engine, nil)

	var metrics detection.EngineMetrics
	if status := getJSON(t, ts.URL+"/api/v1/engine/metrics", &metrics); status != http.StatusOK {
		t.Fatalf("engine metrics status = %d, want 200", status)
	}
	if metrics.TotalRules != 1 || metrics.ActiveRules != 1 {
		t.Errorf("TotalRules/ActiveRules = %d/%d, want 1/1", metrics.TotalRules, metrics.ActiveRules)
	}
}

func TestBreakerEndpoint(t *testing.T) {
	reporter := &stubBreakerReporter{
		status: resilience.BreakerStatus{State: "closed"},
	}
	ts := newTestServer(t, newTestEngine(t), reporter)

	var status resilience.BreakerStatus
	if code := getJSON(t, ts.URL+"/api/v1/delivery/breaker", &status); code != http.StatusOK {
		t.Fatalf("breaker status = %d, want 200", code)
	}
	if status.State != "closed" {
		t.Errorf(`State = %q, want "closed"`, status.State)
	}
}

func TestBreakerEndpointWithoutDelivery(t *testing.T) {
	ts := newTestServer(t, newTestEngine(t), nil)

	if code := getJSON(t, ts.URL+"/api/v1/delivery/breaker", nil); code != http.StatusNotFound {
		t.Errorf("breaker status = %d, want 404", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, newTestEngine(t), nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain exposition", ct)
	}
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// stubRule is a scriptable rule for engine tests.
type stubRule struct {
	meta        Meta
	result      Result
	evalErr     error
	validateErr error

	mu    sync.Mutex
	calls int
}

func (r *stubRule) Meta() Meta { return r.meta }

func (r *stubRule) Evaluate(_ context.Context, _ *Context) (Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.evalErr != nil {
		return Result{}, r.evalErr
	}
	return r.result, nil
}

func (r *stubRule) Validate() error { return r.validateErr }

func (r *stubRule) Describe() string { return "stub" }

func (r *stubRule) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newStubRule(id string, tags []string) *stubRule {
	return &stubRule{meta: Meta{ID: id, Status: StatusActive, Tags: tags}}
}

// capturingPublisher records published subjects and payloads.
type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

// capturingAlerts records dispatched security alerts.
type capturingAlerts struct {
	mu     sync.Mutex
	alerts []SecurityAlert
}

func (a *capturingAlerts) Dispatch(_ context.Context, alert SecurityAlert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

// capturingActions records dispatched actions.
type capturingActions struct {
	mu      sync.Mutex
	actions []Action
}

func (a *capturingActions) DispatchAction(_ context.Context, action Action, _ *Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func testContext() *Context {
	return &Context{
		UserID:    "user-1",
		IPAddress: "1.1.1.1",
		Timestamp: testNow,
		EventType: EventLoginSuccess,
	}
}

func TestEngineRegisterRejectsInvalidRule(t *testing.T) {
	e := NewEngine(nil, nil, nil)

	bad := newStubRule("bad", nil)
	bad.validateErr = fmt.Errorf("%w: broken", ErrInvalidRuleConfig)

	err := e.RegisterRule(bad)
	if err == nil {
		t.Fatal("RegisterRule accepted a rule failing validation")
	}
	if !errors.Is(err, ErrInvalidRuleConfig) {
		t.Errorf("error %v does not wrap ErrInvalidRuleConfig", err)
	}
	if e.GetRule("bad") != nil {
		t.Error("invalid rule was inserted into the registry")
	}
}

func TestEngineRegisterOverwritesByID(t *testing.T) {
	e := NewEngine(nil, nil, nil)

	first := newStubRule("dup", nil)
	second := newStubRule("dup", []string{"v2"})
	if err := e.RegisterRule(first); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	if err := e.RegisterRule(second); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	if got := e.GetRule("dup"); got != Rule(second) {
		t.Error("second registration did not overwrite the first")
	}
	if len(e.AllRules()) != 1 {
		t.Errorf("AllRules() has %d entries, want 1", len(e.AllRules()))
	}
}

func TestEngineUnregisterIsSilentWhenAbsent(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.UnregisterRule("never-registered") // must not panic

	r := newStubRule("r", nil)
	if err := e.RegisterRule(r); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	e.UnregisterRule("r")
	if e.GetRule("r") != nil {
		t.Error("rule still present after unregister")
	}
}

func TestEngineEvaluationErrorIsolation(t *testing.T) {
	e := NewEngine(nil, nil, nil)

	matching := newStubRule("good", nil)
	matching.result = Result{RuleID: "good", Matched: true, Severity: SeverityMedium, Score: 40, Reason: "x"}
	failing := newStubRule("broken", nil)
	failing.evalErr = errors.New("backend unavailable")

	if err := e.RegisterRule(matching); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	if err := e.RegisterRule(failing); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	results := e.EvaluateRules(context.Background(), testContext())
	if len(results) != 1 || results[0].RuleID != "good" {
		t.Fatalf("results = %+v, want only the healthy rule's match", results)
	}
	if failing.callCount() != 1 {
		t.Errorf("failing rule evaluated %d times, want 1", failing.callCount())
	}

	st := e.GetRuleStats("broken")
	if st == nil || st.Executions != 1 || st.Matches != 0 {
		t.Errorf("broken rule stats = %+v, want 1 execution and 0 matches", st)
	}
}

func TestEngineSkipsInactiveRules(t *testing.T) {
	e := NewEngine(nil, nil, nil)

	inactive := newStubRule("off", nil)
	inactive.meta.Status = StatusInactive
	inactive.result = Result{RuleID: "off", Matched: true, Severity: SeverityCritical}
	if err := e.RegisterRule(inactive); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	results := e.EvaluateRules(context.Background(), testContext())
	if len(results) != 0 {
		t.Errorf("results = %+v, want none from an inactive rule", results)
	}
	if inactive.callCount() != 0 {
		t.Errorf("inactive rule evaluated %d times, want 0", inactive.callCount())
	}
}

func TestEngineDispatchesThreatEventAndAlerts(t *testing.T) {
	pub := &capturingPublisher{}
	alerts := &capturingAlerts{}
	actions := &capturingActions{}
	e := NewEngine(pub, alerts, actions)

	critical := newStubRule("bf", []string{"brute-force", "account-lockout"})
	critical.result = Result{
		RuleID:           "bf",
		Matched:          true,
		Severity:         SeverityCritical,
		Score:            95,
		Reason:           "too many failures",
		SuggestedActions: []Action{ActionBlockIP, ActionRequire2FA},
	}
	medium := newStubRule("geo", nil)
	medium.result = Result{RuleID: "geo", Matched: true, Severity: SeverityMedium, Score: 60, Reason: "odd country"}

	if err := e.RegisterRule(critical); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	if err := e.RegisterRule(medium); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	results := e.EvaluateRules(context.Background(), testContext())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if len(pub.subjects) != 1 || pub.subjects[0] != SubjectThreatDetected {
		t.Errorf("published subjects = %v, want [%s]", pub.subjects, SubjectThreatDetected)
	}

	// Only the critical result crosses the alert threshold.
	if len(alerts.alerts) != 1 {
		t.Fatalf("dispatched %d alerts, want 1", len(alerts.alerts))
	}
	alert := alerts.alerts[0]
	if alert.Type != AlertTypeAccountLocked {
		t.Errorf("alert type = %s, want %s (account-lockout tag wins)", alert.Type, AlertTypeAccountLocked)
	}
	if alert.Severity != "critical" {
		t.Errorf("alert severity = %q, want lower-cased critical", alert.Severity)
	}
	if alert.RiskScore != 95 {
		t.Errorf("alert risk score = %d, want 95", alert.RiskScore)
	}

	// Both matched results dispatch their suggested actions.
	if len(actions.actions) != 2 {
		t.Errorf("dispatched actions = %v, want the critical result's two actions", actions.actions)
	}
}

func TestEngineAlertTypeDefaultsToSuspiciousLogin(t *testing.T) {
	alerts := &capturingAlerts{}
	e := NewEngine(nil, alerts, nil)

	r := newStubRule("untagged", nil)
	r.result = Result{RuleID: "untagged", Matched: true, Severity: SeverityHigh, Score: 80}
	if err := e.RegisterRule(r); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	e.EvaluateRules(context.Background(), testContext())
	if len(alerts.alerts) != 1 || alerts.alerts[0].Type != AlertTypeSuspiciousLogin {
		t.Errorf("alerts = %+v, want one %s alert", alerts.alerts, AlertTypeSuspiciousLogin)
	}
}

func TestEngineNoEventWithoutMatches(t *testing.T) {
	pub := &capturingPublisher{}
	e := NewEngine(pub, nil, nil)

	quiet := newStubRule("quiet", nil)
	if err := e.RegisterRule(quiet); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	results := e.EvaluateRules(context.Background(), testContext())
	if len(results) != 0 {
		t.Fatalf("results = %+v, want none", results)
	}
	if len(pub.subjects) != 0 {
		t.Errorf("published %v on a matchless pass", pub.subjects)
	}
}

func TestEngineMetrics(t *testing.T) {
	e := NewEngine(nil, nil, nil)

	if got := e.Metrics(); got.MatchRate != 0 {
		t.Errorf("MatchRate = %v on an empty engine, want 0", got.MatchRate)
	}

	hit := newStubRule("hit", nil)
	hit.result = Result{RuleID: "hit", Matched: true, Severity: SeverityLow, Score: 10}
	miss := newStubRule("miss", nil)
	off := newStubRule("off", nil)
	off.meta.Status = StatusInactive

	for _, r := range []*stubRule{hit, miss, off} {
		if err := e.RegisterRule(r); err != nil {
			t.Fatalf("RegisterRule: %v", err)
		}
	}

	e.EvaluateRules(context.Background(), testContext())
	e.EvaluateRules(context.Background(), testContext())

	m := e.Metrics()
	if m.TotalRules != 3 || m.ActiveRules != 2 {
		t.Errorf("rules = %d/%d active, want 3/2", m.TotalRules, m.ActiveRules)
	}
	if m.TotalExecutions != 4 || m.TotalMatches != 2 {
		t.Errorf("executions=%d matches=%d, want 4 and 2", m.TotalExecutions, m.TotalMatches)
	}
	if m.MatchRate != 0.5 {
		t.Errorf("MatchRate = %v, want 0.5", m.MatchRate)
	}
}

func TestEngineRuleStats(t *testing.T) {
	e := NewEngine(nil, nil, nil)

	r := newStubRule("r", nil)
	r.result = Result{RuleID: "r", Matched: true, Severity: SeverityLow, Score: 5}
	if err := e.RegisterRule(r); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	if e.GetRuleStats("r") != nil {
		t.Error("stats exist before any execution")
	}

	e.EvaluateRules(context.Background(), testContext())

	st := e.GetRuleStats("r")
	if st == nil {
		t.Fatal("stats missing after execution")
	}
	if st.Executions != 1 || st.Matches != 1 {
		t.Errorf("stats = %+v, want 1 execution and 1 match", st)
	}
	if st.LastExecutedAt.IsZero() {
		t.Error("LastExecutedAt not recorded")
	}
	if st.AverageExecutionTime() < 0 {
		t.Error("negative average execution time")
	}

	all := e.AllRuleStats()
	if len(all) != 1 {
		t.Errorf("AllRuleStats() has %d entries, want 1", len(all))
	}

	// Returned stats are copies; mutating them must not affect the engine.
	st.Executions = 99
	if got := e.GetRuleStats("r"); got.Executions != 1 {
		t.Error("GetRuleStats returned a shared pointer")
	}
}

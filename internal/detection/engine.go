// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/metrics"
)

// SubjectThreatDetected is published after every pass that produced at
// least one matched result.
const SubjectThreatDetected = "threat.detected"

// Alert type values carried on dispatched security alerts.
const (
	AlertTypeSuspiciousLogin = "suspicious_login"
	AlertTypeBruteForce      = "brute_force_attempt"
	AlertTypeAccountLocked   = "account_locked"
	AlertTypeSessionHijacked = "session_hijacked"
)

// EventPublisher emits domain events. Implementations must not block the
// evaluation path beyond their own internal timeouts.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// SecurityAlert is the engine's outbound alert shape, consumed by the
// alerting dispatcher.
type SecurityAlert struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RiskScore int            `json:"risk_score"`
	Message   string         `json:"message"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

// AlertDispatcher delivers security alerts. Delivery failures stay inside
// the dispatcher; it never returns an error to the engine.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert SecurityAlert)
}

// ActionDispatcher emits suggested-action events. Unknown action names are
// dropped by the implementation, not surfaced.
type ActionDispatcher interface {
	DispatchAction(ctx context.Context, action Action, ec *Context)
}

// EngineMetrics is an aggregate snapshot across all registered rules.
type EngineMetrics struct {
	TotalRules      int     `json:"total_rules"`
	ActiveRules     int     `json:"active_rules"`
	TotalExecutions int64   `json:"total_executions"`
	TotalMatches    int64   `json:"total_matches"`
	MatchRate       float64 `json:"match_rate"`
}

// Engine is the rule registry plus the evaluation pipeline: concurrent
// fan-out over active rules, per-rule stats, and the post-pass event, alert,
// and action dispatch.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]Rule

	statsMu sync.Mutex
	stats   map[string]*ExecutionStats

	publisher EventPublisher
	alerts    AlertDispatcher
	actions   ActionDispatcher
}

// NewEngine creates an engine. Any collaborator may be nil; the matching
// dispatch step is then skipped.
func NewEngine(publisher EventPublisher, alerts AlertDispatcher, actions ActionDispatcher) *Engine {
	return &Engine{
		rules:     make(map[string]Rule),
		stats:     make(map[string]*ExecutionStats),
		publisher: publisher,
		alerts:    alerts,
		actions:   actions,
	}
}

// RegisterRule validates and inserts a rule, overwriting any rule with the
// same ID.
func (e *Engine) RegisterRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", rule.Meta().ID, err)
	}

	id := rule.Meta().ID
	e.mu.Lock()
	e.rules[id] = rule
	e.mu.Unlock()

	logging.Info().Str("rule", id).Msg("registered rule")
	return nil
}

// UnregisterRule removes a rule. Absent IDs are a silent no-op.
func (e *Engine) UnregisterRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// GetRule returns the rule with the given ID, or nil.
func (e *Engine) GetRule(id string) Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[id]
}

// AllRules returns all registered rules.
func (e *Engine) AllRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	return rules
}

// EvaluateRules runs every active rule against the context concurrently and
// returns the matched results. A rule that errors is logged and counts as a
// non-match; it never aborts the pass.
func (e *Engine) EvaluateRules(ctx context.Context, ec *Context) []Result {
	active := e.activeRules()
	metrics.EvaluationPasses.Inc()
	if len(active) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	results := make([]Result, 0, len(active))

	for _, rule := range active {
		wg.Add(1)
		go func(rule Rule) {
			defer wg.Done()
			res, ok := e.evaluateOne(ctx, rule, ec)
			if ok {
				resMu.Lock()
				results = append(results, res)
				resMu.Unlock()
			}
		}(rule)
	}
	wg.Wait()

	e.dispatch(ctx, ec, results)
	return results
}

// evaluateOne times one rule, updates its stats, and reports whether the
// rule matched.
func (e *Engine) evaluateOne(ctx context.Context, rule Rule, ec *Context) (Result, bool) {
	id := rule.Meta().ID

	start := time.Now()
	res, err := rule.Evaluate(ctx, ec)
	elapsed := time.Since(start)

	metrics.RuleExecutions.WithLabelValues(id).Inc()
	metrics.RuleDuration.WithLabelValues(id).Observe(elapsed.Seconds())

	e.statsMu.Lock()
	st, ok := e.stats[id]
	if !ok {
		st = &ExecutionStats{}
		e.stats[id] = st
	}
	st.Executions++
	st.TotalExecutionTime += elapsed
	st.LastExecutedAt = start
	if err == nil && res.Matched {
		st.Matches++
	}
	e.statsMu.Unlock()

	if err != nil {
		metrics.RuleErrors.WithLabelValues(id).Inc()
		logging.Error().Err(err).Str("rule", id).Msg("rule evaluation failed")
		return Result{}, false
	}
	if !res.Matched {
		return Result{}, false
	}

	metrics.RuleMatches.WithLabelValues(id, string(res.Severity)).Inc()
	return res, true
}

// dispatch runs the post-pass side effects: the threat event, high-severity
// alerts, and per-result suggested actions.
func (e *Engine) dispatch(ctx context.Context, ec *Context, results []Result) {
	if len(results) == 0 {
		return
	}

	if e.publisher != nil {
		payload := map[string]any{
			"context": ec,
			"results": results,
		}
		if err := e.publisher.Publish(ctx, SubjectThreatDetected, payload); err != nil {
			logging.Error().Err(err).Msg("failed to publish threat event")
		}
	}

	for _, res := range results {
		metrics.ThreatsDetected.WithLabelValues(string(res.Severity)).Inc()

		if e.alerts != nil && res.Severity.Rank() >= SeverityHigh.Rank() {
			e.alerts.Dispatch(ctx, e.buildAlert(ec, res))
		}

		if e.actions != nil {
			for _, action := range res.SuggestedActions {
				e.actions.DispatchAction(ctx, action, ec)
			}
		}
	}
}

// buildAlert maps a matched result onto the outbound alert shape. The alert
// type comes from the originating rule's tags.
func (e *Engine) buildAlert(ec *Context, res Result) SecurityAlert {
	return SecurityAlert{
		Type:      e.alertType(res.RuleID),
		Severity:  strings.ToLower(string(res.Severity)),
		Timestamp: time.Now().UTC(),
		UserID:    ec.UserID,
		Email:     ec.Email,
		IPAddress: ec.IPAddress,
		UserAgent: ec.UserAgent,
		RiskScore: res.Score,
		Message:   res.Reason,
		Evidence:  res.Evidence,
	}
}

func (e *Engine) alertType(ruleID string) string {
	rule := e.GetRule(ruleID)
	if rule == nil {
		return AlertTypeSuspiciousLogin
	}
	meta := rule.Meta()
	switch {
	case meta.HasTag("account-lockout"):
		return AlertTypeAccountLocked
	case meta.HasTag("brute-force"):
		return AlertTypeBruteForce
	case meta.HasTag("session-hijacking"):
		return AlertTypeSessionHijacked
	default:
		return AlertTypeSuspiciousLogin
	}
}

// activeRules snapshots the rules whose status is active.
func (e *Engine) activeRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	active := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Meta().Status == StatusActive {
			active = append(active, r)
		}
	}
	return active
}

// GetRuleStats returns a copy of one rule's execution stats, or nil when no
// executions have been recorded.
func (e *Engine) GetRuleStats(id string) *ExecutionStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	st, ok := e.stats[id]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// AllRuleStats returns a copy of every rule's execution stats.
func (e *Engine) AllRuleStats() map[string]ExecutionStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	out := make(map[string]ExecutionStats, len(e.stats))
	for id, st := range e.stats {
		out[id] = *st
	}
	return out
}

// Metrics aggregates execution totals across all rules. MatchRate is zero
// when nothing has executed yet.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.RLock()
	total := len(e.rules)
	activeCount := 0
	for _, r := range e.rules {
		if r.Meta().Status == StatusActive {
			activeCount++
		}
	}
	e.mu.RUnlock()

	var executions, matches int64
	e.statsMu.Lock()
	for _, st := range e.stats {
		executions += st.Executions
		matches += st.Matches
	}
	e.statsMu.Unlock()

	rate := 0.0
	if executions > 0 {
		rate = float64(matches) / float64(executions)
	}

	return EngineMetrics{
		TotalRules:      total,
		ActiveRules:     activeCount,
		TotalExecutions: executions,
		TotalMatches:    matches,
		MatchRate:       rate,
	}
}

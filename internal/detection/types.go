// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package detection implements the threat-detection rule engine. Rules are
// pluggable detectors that evaluate one authentication event, together with
// the caller-supplied window of recent events, and report whether the event
// looks like a threat. The engine owns the rule registry, per-rule execution
// statistics, and the decision of which matches warrant alerting and
// mitigation actions.
package detection

import (
	"context"
	"errors"
	"time"

	"github.com/authwatch/authwatch/internal/geo"
)

// EventType classifies an inbound authentication event.
type EventType string

const (
	EventLoginSuccess   EventType = "LOGIN_SUCCESS"
	EventLoginFailed    EventType = "LOGIN_FAILED"
	EventLogout         EventType = "LOGOUT"
	EventPasswordReset  EventType = "PASSWORD_RESET"
	EventMFAChallenge   EventType = "MFA_CHALLENGE"
	EventSessionRefresh EventType = "SESSION_REFRESH"
)

// Severity is the ordinal threat level reported by a matched rule.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordinal position of the severity (LOW < MEDIUM < HIGH <
// CRITICAL). Unknown severities rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the higher of two severities by ordinal.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status is the lifecycle state of a configured rule. Only ACTIVE rules are
// evaluated by the engine.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusInactive   Status = "INACTIVE"
	StatusTesting    Status = "TESTING"
	StatusDeprecated Status = "DEPRECATED"
)

// ConditionKind classifies how a rule decides (closed set).
type ConditionKind string

const (
	KindThreshold ConditionKind = "THRESHOLD"
	KindPattern   ConditionKind = "PATTERN"
	KindGeoBased  ConditionKind = "GEO_BASED"
)

// Action names a mitigation a matched rule suggests. The set is open:
// dispatchers silently drop names they do not recognize.
type Action string

const (
	ActionBlockIP            Action = "BLOCK_IP"
	ActionRequire2FA         Action = "REQUIRE_2FA"
	ActionInvalidateSessions Action = "INVALIDATE_SESSIONS"
	ActionIncreaseMonitoring Action = "INCREASE_MONITORING"
)

// ErrInvalidRuleConfig is returned by Rule.Validate and wrapped by the engine
// when registration is refused.
var ErrInvalidRuleConfig = errors.New("invalid rule configuration")

// ErrUnknownRuleKind is returned when building a rule of an unrecognized kind.
// Rule kinds are a closed registry, unlike action names.
var ErrUnknownRuleKind = errors.New("unknown rule kind")

// HistoricalEvent is one entry of the recent-event window handed to rules.
type HistoricalEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Context is the input to one evaluation pass: the triggering event plus the
// recent-event history already queried by the caller. It is treated as
// immutable for the duration of the pass; rules must not mutate it.
type Context struct {
	UserID       string            `json:"user_id,omitempty"`
	Email        string            `json:"email,omitempty"`
	IPAddress    string            `json:"ip_address"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	EventType    EventType         `json:"event_type"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	RecentEvents []HistoricalEvent `json:"recent_events,omitempty"`
}

// Result is the outcome of evaluating one rule against one context.
// When Matched is false every other field is zero: non-matches carry no
// severity, score, reason, or evidence.
type Result struct {
	RuleID           string         `json:"rule_id,omitempty"`
	Matched          bool           `json:"matched"`
	Severity         Severity       `json:"severity,omitempty"`
	Score            int            `json:"score,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	SuggestedActions []Action       `json:"suggested_actions,omitempty"`
}

// NoMatch is the canonical non-match result.
func NoMatch() Result {
	return Result{}
}

// Meta carries a rule's identity and classification metadata.
type Meta struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Version     string        `json:"version,omitempty"`
	Status      Status        `json:"status"`
	Severity    Severity      `json:"severity"`
	Kind        ConditionKind `json:"kind"`
	Tags        []string      `json:"tags,omitempty"`
}

// HasTag reports whether the rule carries the given tag.
func (m Meta) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Rule is the capability contract every detector implements.
type Rule interface {
	// Meta returns the rule's identity and classification metadata.
	Meta() Meta

	// Evaluate checks one context. "No threat" is a normal Result with
	// Matched=false, never an error; errors are reserved for catastrophic
	// failures and are isolated by the engine.
	Evaluate(ctx context.Context, ec *Context) (Result, error)

	// Validate checks the structural invariants of the rule's configuration.
	// It is pure and side-effect-free; a non-nil error blocks registration.
	Validate() error

	// Describe returns a human-readable summary of the rule and its
	// current configuration.
	Describe() string
}

// ExecutionStats tracks per-rule evaluation counters. Created lazily on a
// rule's first evaluation, reset only by an explicit registry clear.
type ExecutionStats struct {
	Executions         int64         `json:"executions"`
	Matches            int64         `json:"matches"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	LastExecutedAt     time.Time     `json:"last_executed_at"`
}

// AverageExecutionTime derives the mean evaluation duration.
func (s ExecutionStats) AverageExecutionTime() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return s.TotalExecutionTime / time.Duration(s.Executions)
}

// metadata access helpers shared by the rules

// metadataString returns md[key] when it is a non-empty string.
func metadataString(md map[string]any, key string) (string, bool) {
	if md == nil {
		return "", false
	}
	s, ok := md[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// metadataBool returns md[key] when it is a bool.
func metadataBool(md map[string]any, key string) bool {
	if md == nil {
		return false
	}
	b, _ := md[key].(bool)
	return b
}

// metadataFloat returns a numeric md[key] as float64, accepting the types
// JSON decoding can produce.
func metadataFloat(md map[string]any, key string) (float64, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// locationFrom extracts the resolved geolocation from event metadata.
// The location is carried as metadata["location"] = {lat, lon, country}.
func locationFrom(md map[string]any) (geo.Coordinate, string, bool) {
	if md == nil {
		return geo.Coordinate{}, "", false
	}
	loc, ok := md["location"].(map[string]any)
	if !ok {
		return geo.Coordinate{}, "", false
	}
	lat, okLat := metadataFloat(loc, "lat")
	lon, okLon := metadataFloat(loc, "lon")
	country, _ := metadataString(loc, "country")
	if !okLat || !okLon {
		// A country without coordinates is still useful to some checks.
		return geo.Coordinate{}, country, country != ""
	}
	c := geo.Coordinate{Lat: lat, Lon: lon}
	if c.IsUnknown() {
		return geo.Coordinate{}, country, country != ""
	}
	return c, country, true
}

// countryFrom extracts only the country, with or without coordinates.
func countryFrom(md map[string]any) (string, bool) {
	_, country, ok := locationFrom(md)
	if !ok || country == "" {
		return "", false
	}
	return country, true
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"context"
	"fmt"
	"sync"
)

// CountBy selects the aggregation key for failed-attempt counting.
type CountBy string

const (
	// CountByUser counts failures per user identity.
	CountByUser CountBy = "user"

	// CountByIP counts failures per source address.
	CountByIP CountBy = "ip"
)

// BruteForceConfig configures the brute-force rule.
type BruteForceConfig struct {
	// MaxFailedAttempts is the failure count at which the rule matches.
	MaxFailedAttempts int `json:"max_failed_attempts" koanf:"max_failed_attempts"`

	// LookbackMinutes is the counting window.
	LookbackMinutes int `json:"lookback_minutes" koanf:"lookback_minutes"`

	// CountBy aggregates failures per user or per source IP.
	CountBy CountBy `json:"count_by" koanf:"count_by"`
}

// DefaultBruteForceConfig returns sensible defaults.
func DefaultBruteForceConfig() BruteForceConfig {
	return BruteForceConfig{
		MaxFailedAttempts: 5,
		LookbackMinutes:   15,
		CountBy:           CountByUser,
	}
}

// BruteForceRule matches when the count of failed login attempts for one
// aggregation key reaches the configured threshold within the lookback
// window. At twice the threshold the severity escalates to critical.
type BruteForceRule struct {
	meta   Meta
	config BruteForceConfig
	mu     sync.RWMutex
}

// NewBruteForceRule creates the rule with defaults merged under the
// caller's overrides.
func NewBruteForceRule(cfg BruteForceConfig) *BruteForceRule {
	def := DefaultBruteForceConfig()
	if cfg.MaxFailedAttempts == 0 {
		cfg.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if cfg.LookbackMinutes == 0 {
		cfg.LookbackMinutes = def.LookbackMinutes
	}
	if cfg.CountBy == "" {
		cfg.CountBy = def.CountBy
	}

	return &BruteForceRule{
		meta: Meta{
			ID:          "brute-force",
			Name:        "Brute Force Detection",
			Description: "Detects repeated failed login attempts against one account or from one address",
			Version:     "1.0.0",
			Status:      StatusActive,
			Severity:    SeverityHigh,
			Kind:        KindThreshold,
			Tags:        []string{"brute-force", "account-lockout"},
		},
		config: cfg,
	}
}

// Meta returns the rule's identity metadata.
func (r *BruteForceRule) Meta() Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// Validate checks the structural invariants of the configuration.
func (r *BruteForceRule) Validate() error {
	r.mu.RLock()
	cfg := r.config
	r.mu.RUnlock()

	if cfg.MaxFailedAttempts <= 0 {
		return fmt.Errorf("%w: max_failed_attempts must be positive", ErrInvalidRuleConfig)
	}
	if cfg.LookbackMinutes <= 0 {
		return fmt.Errorf("%w: lookback_minutes must be positive", ErrInvalidRuleConfig)
	}
	if cfg.CountBy != CountByUser && cfg.CountBy != CountByIP {
		return fmt.Errorf("%w: count_by must be %q or %q", ErrInvalidRuleConfig, CountByUser, CountByIP)
	}
	return nil
}

// Describe returns a human-readable summary of the rule's configuration.
func (r *BruteForceRule) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Brute force: max_failed=%d lookback=%dm count_by=%s",
		r.config.MaxFailedAttempts, r.config.LookbackMinutes, r.config.CountBy)
}

// Evaluate counts recent failed logins sharing the current event's key.
func (r *BruteForceRule) Evaluate(_ context.Context, ec *Context) (Result, error) {
	r.mu.RLock()
	cfg := r.config
	id := r.meta.ID
	r.mu.RUnlock()

	if ec.EventType != EventLoginFailed {
		return NoMatch(), nil
	}

	key := bruteForceKey(cfg.CountBy, ec.UserID, ec.IPAddress)
	if key == "" {
		return NoMatch(), nil
	}

	// The current failure counts too.
	failures := 1
	for _, ev := range recentWindow(ec, cfg.LookbackMinutes) {
		if ev.EventType != EventLoginFailed {
			continue
		}
		if bruteForceKey(cfg.CountBy, ev.UserID, ev.IPAddress) == key {
			failures++
		}
	}

	if failures < cfg.MaxFailedAttempts {
		return NoMatch(), nil
	}

	severity := SeverityHigh
	score := 70
	if failures >= 2*cfg.MaxFailedAttempts {
		severity = SeverityCritical
		score = 95
	}

	return Result{
		RuleID:   id,
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason: fmt.Sprintf("%d failed login attempts for %s=%s within %d minutes",
			failures, cfg.CountBy, key, cfg.LookbackMinutes),
		Evidence: map[string]any{
			"failedAttempts":  failures,
			"countBy":         string(cfg.CountBy),
			"key":             key,
			"lookbackMinutes": cfg.LookbackMinutes,
		},
		SuggestedActions: []Action{ActionBlockIP, ActionRequire2FA},
	}, nil
}

func bruteForceKey(by CountBy, userID, ip string) string {
	if by == CountByIP {
		return ip
	}
	return userID
}

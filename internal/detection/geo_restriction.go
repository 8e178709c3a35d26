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

// GeoRestrictionConfig configures the geo-restriction rule. Exactly one of
// the two lists may be populated: a non-empty allowlist switches the rule
// into allowlist mode and the blocklist is ignored.
type GeoRestrictionConfig struct {
	// BlockedCountries lists ISO country codes that trigger a match.
	BlockedCountries []string `json:"blocked_countries,omitempty" koanf:"blocked_countries"`

	// AllowedCountries, when non-empty, makes every country outside the
	// list a violation.
	AllowedCountries []string `json:"allowed_countries,omitempty" koanf:"allowed_countries"`
}

// DefaultGeoRestrictionConfig returns an empty configuration. The rule
// requires an explicit country list to do anything useful.
func DefaultGeoRestrictionConfig() GeoRestrictionConfig {
	return GeoRestrictionConfig{}
}

// GeoRestrictionRule matches successful logins originating from a country
// outside the configured policy. It operates in blocklist mode (match
// listed countries) or allowlist mode (match everything not listed).
type GeoRestrictionRule struct {
	meta   Meta
	config GeoRestrictionConfig
	mu     sync.RWMutex
}

// NewGeoRestrictionRule creates the rule.
func NewGeoRestrictionRule(cfg GeoRestrictionConfig) *GeoRestrictionRule {
	return &GeoRestrictionRule{
		meta: Meta{
			ID:          "geo-restriction",
			Name:        "Geographic Restriction",
			Description: "Flags logins from countries outside the configured policy",
			Version:     "1.0.0",
			Status:      StatusActive,
			Severity:    SeverityMedium,
			Kind:        KindGeoBased,
			Tags:        []string{"geo-restriction"},
		},
		config: cfg,
	}
}

// Meta returns the rule's identity metadata.
func (r *GeoRestrictionRule) Meta() Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// Validate requires exactly one restriction mode to be configured.
func (r *GeoRestrictionRule) Validate() error {
	r.mu.RLock()
	cfg := r.config
	r.mu.RUnlock()

	if len(cfg.BlockedCountries) == 0 && len(cfg.AllowedCountries) == 0 {
		return fmt.Errorf("%w: either blocked_countries or allowed_countries must be configured", ErrInvalidRuleConfig)
	}
	if len(cfg.BlockedCountries) > 0 && len(cfg.AllowedCountries) > 0 {
		return fmt.Errorf("%w: cannot use both blocked_countries and allowed_countries", ErrInvalidRuleConfig)
	}
	return nil
}

// Describe returns a human-readable summary of the rule's configuration.
func (r *GeoRestrictionRule) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.config.AllowedCountries) > 0 {
		return fmt.Sprintf("Geo restriction: allowlist %v", r.config.AllowedCountries)
	}
	return fmt.Sprintf("Geo restriction: blocklist %v", r.config.BlockedCountries)
}

// Evaluate checks the current event's resolved country against the policy.
func (r *GeoRestrictionRule) Evaluate(_ context.Context, ec *Context) (Result, error) {
	r.mu.RLock()
	cfg := r.config
	id := r.meta.ID
	r.mu.RUnlock()

	if ec.EventType != EventLoginSuccess {
		return NoMatch(), nil
	}
	country, ok := countryFrom(ec.Metadata)
	if !ok || country == "" {
		return NoMatch(), nil
	}

	var violation bool
	var mode string
	switch {
	case len(cfg.AllowedCountries) > 0:
		mode = "allowlist"
		violation = true
		for _, allowed := range cfg.AllowedCountries {
			if country == allowed {
				violation = false
				break
			}
		}
	case len(cfg.BlockedCountries) > 0:
		mode = "blocklist"
		for _, blocked := range cfg.BlockedCountries {
			if country == blocked {
				violation = true
				break
			}
		}
	}

	if !violation {
		return NoMatch(), nil
	}

	evidence := map[string]any{
		"country":         country,
		"restrictionMode": mode,
	}
	if mode == "blocklist" {
		evidence["blockedCountries"] = cfg.BlockedCountries
	} else {
		evidence["allowedCountries"] = cfg.AllowedCountries
	}

	return Result{
		RuleID:   id,
		Matched:  true,
		Severity: SeverityMedium,
		Score:    60,
		Reason: fmt.Sprintf("login from %s country %s",
			map[string]string{"blocklist": "blocked", "allowlist": "unauthorized"}[mode], country),
		Evidence:         evidence,
		SuggestedActions: []Action{ActionIncreaseMonitoring},
	}, nil
}

// IsCountryBlocked reports whether a country would violate the policy.
func (r *GeoRestrictionRule) IsCountryBlocked(country string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.config.AllowedCountries) > 0 {
		for _, c := range r.config.AllowedCountries {
			if c == country {
				return false
			}
		}
		return true
	}
	for _, c := range r.config.BlockedCountries {
		if c == country {
			return true
		}
	}
	return false
}

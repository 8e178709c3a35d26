// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/authwatch/authwatch/internal/geo"
)

// SessionHijackingConfig configures the session-hijacking rule.
type SessionHijackingConfig struct {
	// LookbackMinutes is the history window grouped into sessions.
	LookbackMinutes int `json:"lookback_minutes" koanf:"lookback_minutes"`

	// MaxIPChanges is the number of distinct IP transitions within one
	// session at which the critical check fires.
	MaxIPChanges int `json:"max_ip_changes" koanf:"max_ip_changes"`
}

// DefaultSessionHijackingConfig returns sensible defaults.
func DefaultSessionHijackingConfig() SessionHijackingConfig {
	return SessionHijackingConfig{
		LookbackMinutes: 30,
		MaxIPChanges:    2,
	}
}

// SessionHijackingRule detects a session whose fingerprint changes
// mid-flight: the source IP hops repeatedly, the user agent changes, or the
// session is observed from more than one country. Events are grouped by the
// sessionId carried in their metadata; the checks run in fixed priority
// order and the first match wins.
type SessionHijackingRule struct {
	meta   Meta
	config SessionHijackingConfig
	mu     sync.RWMutex
}

// NewSessionHijackingRule creates the rule with defaults merged under the
// caller's overrides.
func NewSessionHijackingRule(cfg SessionHijackingConfig) *SessionHijackingRule {
	def := DefaultSessionHijackingConfig()
	if cfg.LookbackMinutes == 0 {
		cfg.LookbackMinutes = def.LookbackMinutes
	}
	if cfg.MaxIPChanges == 0 {
		cfg.MaxIPChanges = def.MaxIPChanges
	}

	return &SessionHijackingRule{
		meta: Meta{
			ID:          "session-hijacking",
			Name:        "Session Hijacking Detection",
			Description: "Detects sessions whose IP, user agent, or country changes mid-session",
			Version:     "1.0.0",
			Status:      StatusActive,
			Severity:    SeverityHigh,
			Kind:        KindPattern,
			Tags:        []string{"session-hijacking"},
		},
		config: cfg,
	}
}

// Meta returns the rule's identity metadata.
func (r *SessionHijackingRule) Meta() Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// Validate checks the structural invariants of the configuration.
func (r *SessionHijackingRule) Validate() error {
	r.mu.RLock()
	cfg := r.config
	r.mu.RUnlock()

	if cfg.LookbackMinutes <= 0 {
		return fmt.Errorf("%w: lookback_minutes must be positive", ErrInvalidRuleConfig)
	}
	if cfg.MaxIPChanges <= 0 {
		return fmt.Errorf("%w: max_ip_changes must be positive", ErrInvalidRuleConfig)
	}
	return nil
}

// Describe returns a human-readable summary of the rule's configuration.
func (r *SessionHijackingRule) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Session hijacking: lookback=%dm max_ip_changes=%d",
		r.config.LookbackMinutes, r.config.MaxIPChanges)
}

// sessionEvent is one observation attributed to a session.
type sessionEvent struct {
	ts        time.Time
	ip        string
	userAgent string
	metadata  map[string]any
}

// Evaluate groups recent events by session and runs the hijacking checks.
func (r *SessionHijackingRule) Evaluate(_ context.Context, ec *Context) (Result, error) {
	r.mu.RLock()
	cfg := r.config
	id := r.meta.ID
	r.mu.RUnlock()

	sessions := groupSessions(ec, cfg.LookbackMinutes)
	if len(sessions) == 0 {
		return NoMatch(), nil
	}

	// Priority 1: repeated IP changes within one session.
	for sessionID, events := range sessions {
		ipChanges := 0
		for i := 1; i < len(events); i++ {
			if events[i].ip != "" && events[i-1].ip != "" && events[i].ip != events[i-1].ip {
				ipChanges++
			}
		}
		if ipChanges >= cfg.MaxIPChanges {
			res := Result{
				RuleID:   id,
				Matched:  true,
				Severity: SeverityCritical,
				Score:    90,
				Reason: fmt.Sprintf("session %s changed source IP %d times within %d minutes",
					sessionID, ipChanges, cfg.LookbackMinutes),
				Evidence: map[string]any{
					"sessionId": sessionID,
					"ipChanges": ipChanges,
					"ips":       sessionIPs(events),
				},
				SuggestedActions: []Action{ActionInvalidateSessions, ActionBlockIP},
			}
			return res, nil
		}
	}

	// Priority 2: user agent changed mid-session.
	for sessionID, events := range sessions {
		for i := 1; i < len(events); i++ {
			prev, cur := events[i-1].userAgent, events[i].userAgent
			if prev != "" && cur != "" && prev != cur {
				res := Result{
					RuleID:   id,
					Matched:  true,
					Severity: SeverityHigh,
					Score:    75,
					Reason:   fmt.Sprintf("session %s user agent changed mid-session", sessionID),
					Evidence: map[string]any{
						"sessionId":     sessionID,
						"fromUserAgent": prev,
						"toUserAgent":   cur,
					},
					SuggestedActions: []Action{ActionInvalidateSessions, ActionRequire2FA},
				}
				return res, nil
			}
		}
	}

	// Priority 3: session observed from more than one country. When both
	// sides carry coordinates the real distance and implied velocity are
	// reported; otherwise this degrades to a country-change heuristic.
	for sessionID, events := range sessions {
		if res, ok := checkGeoJump(id, sessionID, events); ok {
			return res, nil
		}
	}

	return NoMatch(), nil
}

// groupSessions buckets the recent events plus the current one by the
// sessionId in their metadata, each bucket sorted chronologically.
func groupSessions(ec *Context, lookbackMinutes int) map[string][]sessionEvent {
	sessions := make(map[string][]sessionEvent)

	add := func(sid string, ev sessionEvent) {
		sessions[sid] = append(sessions[sid], ev)
	}

	for _, ev := range recentWindow(ec, lookbackMinutes) {
		sid, ok := metadataString(ev.Metadata, "sessionId")
		if !ok {
			continue
		}
		add(sid, sessionEvent{ts: ev.Timestamp, ip: ev.IPAddress, userAgent: ev.UserAgent, metadata: ev.Metadata})
	}
	if sid, ok := metadataString(ec.Metadata, "sessionId"); ok {
		add(sid, sessionEvent{ts: ec.Timestamp, ip: ec.IPAddress, userAgent: ec.UserAgent, metadata: ec.Metadata})
	}

	// Sessions with a single observation cannot exhibit a change.
	for sid, events := range sessions {
		if len(events) < 2 {
			delete(sessions, sid)
		}
	}
	return sessions
}

// checkGeoJump reports a session seen in more than one country.
func checkGeoJump(ruleID, sessionID string, events []sessionEvent) (Result, bool) {
	countries := make(map[string]struct{})
	for _, ev := range events {
		if country, ok := countryFrom(ev.metadata); ok {
			countries[country] = struct{}{}
		}
	}
	if len(countries) <= 1 {
		return Result{}, false
	}

	evidence := map[string]any{
		"sessionId": sessionID,
		"countries": sortedKeys(countries),
	}
	reason := fmt.Sprintf("session %s observed from %d countries", sessionID, len(countries))

	// Locate the first cross-country pair with usable coordinates.
	if from, to, ok := firstLocatedCountryChange(events); ok {
		distanceKm := geo.DistanceKm(from.loc, to.loc)
		hours := to.ts.Sub(from.ts).Hours()
		evidence["distanceKm"] = geo.RoundTo2Decimals(distanceKm)
		evidence["hours"] = geo.RoundTo2Decimals(hours)
		if hours > 0 {
			evidence["velocityKmh"] = geo.RoundTo2Decimals(distanceKm / hours)
		}
	} else {
		// No coordinates resolved for the jump; the country change alone
		// is the signal.
		evidence["heuristic"] = "country-change"
	}

	return Result{
		RuleID:           ruleID,
		Matched:          true,
		Severity:         SeverityHigh,
		Score:            80,
		Reason:           reason,
		Evidence:         evidence,
		SuggestedActions: []Action{ActionInvalidateSessions, ActionRequire2FA},
	}, true
}

type locatedSessionEvent struct {
	ts      time.Time
	country string
	loc     geo.Coordinate
}

// firstLocatedCountryChange finds the first consecutive located pair whose
// countries differ.
func firstLocatedCountryChange(events []sessionEvent) (locatedSessionEvent, locatedSessionEvent, bool) {
	located := make([]locatedSessionEvent, 0, len(events))
	for _, ev := range events {
		loc, country, ok := locationFrom(ev.metadata)
		if !ok || country == "" || loc.IsUnknown() {
			continue
		}
		located = append(located, locatedSessionEvent{ts: ev.ts, country: country, loc: loc})
	}
	for i := 1; i < len(located); i++ {
		if located[i].country != located[i-1].country {
			return located[i-1], located[i], true
		}
	}
	return locatedSessionEvent{}, locatedSessionEvent{}, false
}

// sessionIPs returns the distinct IPs seen in a session, in order.
func sessionIPs(events []sessionEvent) []string {
	seen := make(map[string]struct{})
	ips := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.ip == "" {
			continue
		}
		if _, ok := seen[ev.ip]; !ok {
			seen[ev.ip] = struct{}{}
			ips = append(ips, ev.ip)
		}
	}
	return ips
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/authwatch/authwatch/internal/geo"
)

// Sub-pattern names accepted by the IP-hopping rule.
const (
	PatternRapidIPChange = "rapid-ip-change"
	PatternGeoImpossible = "geo-impossible"
	PatternProxy         = "proxy-pattern"
)

// MatchAny and MatchAll select how multiple configured sub-patterns combine.
const (
	MatchAny = "any"
	MatchAll = "all"
)

// IPHoppingConfig configures the IP-hopping rule.
type IPHoppingConfig struct {
	// Patterns lists the sub-patterns to evaluate, in order. Order matters
	// under MatchType "any": the first matching pattern short-circuits.
	Patterns []string `json:"patterns" koanf:"patterns"`

	// MatchType is "any" (first match wins) or "all" (every pattern must
	// match; results are merged).
	MatchType string `json:"match_type" koanf:"match_type"`

	// LookbackMinutes is the history window considered by the sub-patterns.
	LookbackMinutes int `json:"lookback_minutes" koanf:"lookback_minutes"`

	// MaxIPsThreshold is the distinct-IP count at which rapid-ip-change fires.
	MaxIPsThreshold int `json:"max_ips_threshold" koanf:"max_ips_threshold"`

	// SuspiciousIPChangeMinutes bounds the gap below which a consecutive
	// IP transition counts as "rapid".
	SuspiciousIPChangeMinutes int `json:"suspicious_ip_change_minutes" koanf:"suspicious_ip_change_minutes"`

	// VPNDetection enables the proxy-pattern sub-check.
	VPNDetection bool `json:"vpn_detection" koanf:"vpn_detection"`

	// GeoVelocityCheck enables the geo-impossible sub-check.
	GeoVelocityCheck bool `json:"geo_velocity_check" koanf:"geo_velocity_check"`

	// MaxVelocityKmPerHour is the travel speed above which a transition is
	// considered impossible (default: 1000, just above airliner cruise).
	MaxVelocityKmPerHour float64 `json:"max_velocity_km_per_hour" koanf:"max_velocity_km_per_hour"`
}

// DefaultIPHoppingConfig returns sensible defaults.
func DefaultIPHoppingConfig() IPHoppingConfig {
	return IPHoppingConfig{
		Patterns:                  []string{PatternRapidIPChange, PatternGeoImpossible, PatternProxy},
		MatchType:                 MatchAny,
		LookbackMinutes:           60,
		MaxIPsThreshold:           3,
		SuspiciousIPChangeMinutes: 5,
		VPNDetection:              true,
		GeoVelocityCheck:          true,
		MaxVelocityKmPerHour:      1000,
	}
}

// IPHoppingRule detects accounts whose successful logins hop between IP
// addresses in ways legitimate use cannot explain: many distinct IPs in a
// short window, transitions that would require impossible travel speed, or
// a spread of countries, ASNs, and datacenter IPs that suggests a proxy or
// VPN rotation.
type IPHoppingRule struct {
	meta   Meta
	config IPHoppingConfig
	mu     sync.RWMutex
}

// NewIPHoppingRule creates the rule with defaults merged under the caller's
// overrides: zero-valued config fields take their default.
func NewIPHoppingRule(cfg IPHoppingConfig) *IPHoppingRule {
	def := DefaultIPHoppingConfig()
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = def.Patterns
	}
	if cfg.MatchType == "" {
		cfg.MatchType = def.MatchType
	}
	if cfg.LookbackMinutes == 0 {
		cfg.LookbackMinutes = def.LookbackMinutes
	}
	if cfg.MaxIPsThreshold == 0 {
		cfg.MaxIPsThreshold = def.MaxIPsThreshold
	}
	if cfg.SuspiciousIPChangeMinutes == 0 {
		cfg.SuspiciousIPChangeMinutes = def.SuspiciousIPChangeMinutes
	}
	if cfg.MaxVelocityKmPerHour == 0 {
		cfg.MaxVelocityKmPerHour = def.MaxVelocityKmPerHour
	}

	return &IPHoppingRule{
		meta: Meta{
			ID:          "ip-hopping",
			Name:        "IP Hopping Detection",
			Description: "Detects rapid IP changes, impossible travel, and proxy rotation on successful logins",
			Version:     "1.0.0",
			Status:      StatusActive,
			Severity:    SeverityHigh,
			Kind:        KindPattern,
			Tags:        []string{"ip-hopping", "account-takeover"},
		},
		config: cfg,
	}
}

// Meta returns the rule's identity metadata.
func (r *IPHoppingRule) Meta() Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// Validate checks the structural invariants of the configuration.
func (r *IPHoppingRule) Validate() error {
	r.mu.RLock()
	cfg := r.config
	r.mu.RUnlock()

	if len(cfg.Patterns) == 0 {
		return fmt.Errorf("%w: patterns must not be empty", ErrInvalidRuleConfig)
	}
	for _, p := range cfg.Patterns {
		switch p {
		case PatternRapidIPChange, PatternGeoImpossible, PatternProxy:
		default:
			return fmt.Errorf("%w: unknown pattern %q", ErrInvalidRuleConfig, p)
		}
	}
	if cfg.MatchType != MatchAny && cfg.MatchType != MatchAll {
		return fmt.Errorf("%w: match_type must be %q or %q", ErrInvalidRuleConfig, MatchAny, MatchAll)
	}
	if cfg.LookbackMinutes <= 0 {
		return fmt.Errorf("%w: lookback_minutes must be positive", ErrInvalidRuleConfig)
	}
	if cfg.MaxIPsThreshold <= 0 {
		return fmt.Errorf("%w: max_ips_threshold must be positive", ErrInvalidRuleConfig)
	}
	if cfg.SuspiciousIPChangeMinutes <= 0 {
		return fmt.Errorf("%w: suspicious_ip_change_minutes must be positive", ErrInvalidRuleConfig)
	}
	if cfg.GeoVelocityCheck && cfg.MaxVelocityKmPerHour <= 0 {
		return fmt.Errorf("%w: max_velocity_km_per_hour must be positive", ErrInvalidRuleConfig)
	}
	return nil
}

// Describe returns a human-readable summary of the rule's configuration.
func (r *IPHoppingRule) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf(
		"IP hopping: patterns=[%s] match=%s lookback=%dm max_ips=%d rapid_change<%dm max_velocity=%.0fkm/h",
		strings.Join(r.config.Patterns, ","), r.config.MatchType,
		r.config.LookbackMinutes, r.config.MaxIPsThreshold,
		r.config.SuspiciousIPChangeMinutes, r.config.MaxVelocityKmPerHour,
	)
}

// Evaluate checks the context against the configured sub-patterns.
// Only successful logins with both a user and an IP address are considered.
func (r *IPHoppingRule) Evaluate(_ context.Context, ec *Context) (Result, error) {
	r.mu.RLock()
	cfg := r.config
	id := r.meta.ID
	r.mu.RUnlock()

	if ec.EventType != EventLoginSuccess || ec.UserID == "" || ec.IPAddress == "" {
		return NoMatch(), nil
	}

	window := recentWindow(ec, cfg.LookbackMinutes)

	if cfg.MatchType == MatchAll {
		matched := make([]Result, 0, len(cfg.Patterns))
		for _, pattern := range cfg.Patterns {
			res := r.evalPattern(pattern, cfg, ec, window)
			if !res.Matched {
				return NoMatch(), nil
			}
			matched = append(matched, res)
		}
		combined := combineResults(matched)
		combined.RuleID = id
		return combined, nil
	}

	// MatchAny: first matching pattern wins, in configured order.
	for _, pattern := range cfg.Patterns {
		if res := r.evalPattern(pattern, cfg, ec, window); res.Matched {
			res.RuleID = id
			return res, nil
		}
	}
	return NoMatch(), nil
}

// evalPattern dispatches one sub-pattern evaluation.
func (r *IPHoppingRule) evalPattern(pattern string, cfg IPHoppingConfig, ec *Context, window []HistoricalEvent) Result {
	switch pattern {
	case PatternRapidIPChange:
		return evalRapidIPChange(cfg, window)
	case PatternGeoImpossible:
		return evalGeoImpossible(cfg, ec, window)
	case PatternProxy:
		return evalProxyPattern(cfg, ec, window)
	default:
		// Unknown patterns are rejected by Validate; treat as non-match.
		return NoMatch()
	}
}

// recentWindow returns the recent events within the lookback window, sorted
// chronologically ascending with ties broken by original order.
func recentWindow(ec *Context, lookbackMinutes int) []HistoricalEvent {
	cutoff := ec.Timestamp.Add(-time.Duration(lookbackMinutes) * time.Minute)

	window := make([]HistoricalEvent, 0, len(ec.RecentEvents))
	for _, ev := range ec.RecentEvents {
		if !ev.Timestamp.Before(cutoff) {
			window = append(window, ev)
		}
	}
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})
	return window
}

// evalRapidIPChange flags many distinct source IPs on recent successful
// logins. The current event's IP is deliberately not counted: only the
// history establishes the hop pattern.
func evalRapidIPChange(cfg IPHoppingConfig, window []HistoricalEvent) Result {
	logins := make([]HistoricalEvent, 0, len(window))
	for _, ev := range window {
		if ev.EventType == EventLoginSuccess && ev.IPAddress != "" {
			logins = append(logins, ev)
		}
	}

	seen := make(map[string]struct{}, len(logins))
	ips := make([]string, 0, len(logins))
	for _, ev := range logins {
		if _, ok := seen[ev.IPAddress]; !ok {
			seen[ev.IPAddress] = struct{}{}
			ips = append(ips, ev.IPAddress)
		}
	}
	uniqueIPs := len(ips)
	if uniqueIPs < cfg.MaxIPsThreshold {
		return NoMatch()
	}

	rapidGap := time.Duration(cfg.SuspiciousIPChangeMinutes) * time.Minute
	rapidChanges := 0
	for i := 1; i < len(logins); i++ {
		if logins[i].IPAddress != logins[i-1].IPAddress &&
			logins[i].Timestamp.Sub(logins[i-1].Timestamp) < rapidGap {
			rapidChanges++
		}
	}

	score := int(math.Min(100, float64(uniqueIPs)/10*100+float64(rapidChanges)*10))
	severity := SeverityHigh
	if uniqueIPs >= 5 {
		severity = SeverityCritical
	}

	return Result{
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason: fmt.Sprintf("%d distinct IPs on successful logins within %d minutes (%d rapid transitions)",
			uniqueIPs, cfg.LookbackMinutes, rapidChanges),
		Evidence: map[string]any{
			"uniqueIps":       uniqueIPs,
			"rapidChanges":    rapidChanges,
			"ips":             ips,
			"lookbackMinutes": cfg.LookbackMinutes,
		},
		SuggestedActions: []Action{ActionRequire2FA, ActionIncreaseMonitoring},
	}
}

// evalGeoImpossible appends the current login to the located history and
// looks for a consecutive pair whose implied travel speed exceeds the
// configured maximum. The first violating pair wins.
func evalGeoImpossible(cfg IPHoppingConfig, ec *Context, window []HistoricalEvent) Result {
	if !cfg.GeoVelocityCheck {
		return NoMatch()
	}

	type locatedEvent struct {
		ts  time.Time
		ip  string
		loc geo.Coordinate
	}

	events := make([]locatedEvent, 0, len(window)+1)
	for _, ev := range window {
		loc, _, ok := locatedCoordinate(ev.Metadata)
		if !ok || ev.IPAddress == "" {
			continue
		}
		events = append(events, locatedEvent{ts: ev.Timestamp, ip: ev.IPAddress, loc: loc})
	}
	if cur, _, ok := locatedCoordinate(ec.Metadata); ok {
		events = append(events, locatedEvent{ts: ec.Timestamp, ip: ec.IPAddress, loc: cur})
	}

	const minHours = 1e-9
	for i := 1; i < len(events); i++ {
		from, to := events[i-1], events[i]
		if from.ip == to.ip {
			continue
		}
		hours := to.ts.Sub(from.ts).Hours()
		if hours < 0 {
			continue
		}
		if math.Abs(hours) < minHours {
			hours = 0.001 // guard division by zero for same-instant events
		}
		distanceKm := geo.DistanceKm(from.loc, to.loc)
		velocity := distanceKm / hours
		if velocity <= cfg.MaxVelocityKmPerHour {
			continue
		}

		return Result{
			Matched:  true,
			Severity: SeverityCritical,
			Score:    95,
			Reason: fmt.Sprintf("impossible travel: %.0f km between %s and %s in %.0f minutes (%.0f km/h)",
				distanceKm, from.ip, to.ip, hours*60, velocity),
			Evidence: map[string]any{
				"fromIp":         from.ip,
				"toIp":           to.ip,
				"distanceKm":     geo.RoundTo2Decimals(distanceKm),
				"hours":          geo.RoundTo2Decimals(hours),
				"velocityKmh":    geo.RoundTo2Decimals(velocity),
				"maxVelocityKmh": cfg.MaxVelocityKmPerHour,
			},
			SuggestedActions: []Action{ActionRequire2FA, ActionInvalidateSessions},
		}
	}
	return NoMatch()
}

// locatedCoordinate extracts valid coordinates from metadata; entries with
// only a country are not usable for velocity math.
func locatedCoordinate(md map[string]any) (geo.Coordinate, string, bool) {
	loc, country, ok := locationFrom(md)
	if !ok || loc.IsUnknown() {
		return geo.Coordinate{}, country, false
	}
	return loc, country, true
}

// evalProxyPattern aggregates country, ASN, and datacenter signals across the
// window plus the current event, flagging proxy or VPN rotation.
func evalProxyPattern(cfg IPHoppingConfig, ec *Context, window []HistoricalEvent) Result {
	if !cfg.VPNDetection {
		return NoMatch()
	}

	countries := make(map[string]struct{})
	asns := make(map[string]struct{})
	datacenterCount := 0

	observe := func(md map[string]any) {
		if country, ok := countryFrom(md); ok {
			countries[country] = struct{}{}
		}
		if asn, ok := asnFrom(md); ok {
			asns[asn] = struct{}{}
		}
		if metadataBool(md, "isDatacenter") {
			datacenterCount++
		}
	}
	for _, ev := range window {
		observe(ev.Metadata)
	}
	observe(ec.Metadata)

	totalEvents := len(window) + 1
	datacenterRatio := float64(datacenterCount) / float64(totalEvents)

	if len(countries) <= 3 && len(asns) <= 5 && datacenterRatio <= 0.5 {
		return NoMatch()
	}

	score := int(math.Min(100, float64(len(countries))*10+float64(len(asns))*5+datacenterRatio*50))
	severity := SeverityHigh
	if datacenterRatio > 0.8 {
		severity = SeverityCritical
	}

	return Result{
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason: fmt.Sprintf("proxy rotation signals: %d countries, %d ASNs, %.0f%% datacenter IPs",
			len(countries), len(asns), datacenterRatio*100),
		Evidence: map[string]any{
			"countries":       sortedKeys(countries),
			"asns":            sortedKeys(asns),
			"datacenterRatio": geo.RoundTo2Decimals(datacenterRatio),
			"totalEvents":     totalEvents,
		},
		SuggestedActions: []Action{ActionIncreaseMonitoring, ActionRequire2FA},
	}
}

// asnFrom reads the "asn" metadata key, accepting string or numeric forms.
func asnFrom(md map[string]any) (string, bool) {
	if s, ok := metadataString(md, "asn"); ok {
		return s, true
	}
	if f, ok := metadataFloat(md, "asn"); ok {
		return strconv.FormatInt(int64(f), 10), true
	}
	return "", false
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// combineResults merges the sub-results of a MatchAll evaluation: highest
// severity by ordinal, mean score rounded, reasons joined, the action union
// de-duplicated, and per-pattern evidence nested under "patterns".
func combineResults(results []Result) Result {
	severity := SeverityLow
	scoreSum := 0
	reasons := make([]string, 0, len(results))
	evidence := make([]map[string]any, 0, len(results))
	actionSeen := make(map[Action]struct{})
	actions := make([]Action, 0)

	for _, res := range results {
		severity = MaxSeverity(severity, res.Severity)
		scoreSum += res.Score
		reasons = append(reasons, res.Reason)
		evidence = append(evidence, res.Evidence)
		for _, a := range res.SuggestedActions {
			if _, ok := actionSeen[a]; !ok {
				actionSeen[a] = struct{}{}
				actions = append(actions, a)
			}
		}
	}

	return Result{
		Matched:  true,
		Severity: severity,
		Score:    int(math.Round(float64(scoreSum) / float64(len(results)))),
		Reason:   strings.Join(reasons, "; "),
		Evidence: map[string]any{
			"combinedPatterns": len(results),
			"patterns":         evidence,
		},
		SuggestedActions: actions,
	}
}

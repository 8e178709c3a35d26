// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func TestBuildRuleKnownKinds(t *testing.T) {
	tests := []struct {
		kind   string
		wantID string
	}{
		{RuleKindIPHopping, "ip-hopping"},
		{RuleKindSessionHijacking, "session-hijacking"},
		{RuleKindBruteForce, "brute-force"},
		{RuleKindGeoRestriction, "geo-restriction"},
	}
	for _, tt := range tests {
		rule, err := BuildRule(tt.kind, nil)
		if err != nil {
			t.Fatalf("BuildRule(%s) returned error: %v", tt.kind, err)
		}
		if rule.Meta().ID != tt.wantID {
			t.Errorf("BuildRule(%s).Meta().ID = %s, want %s", tt.kind, rule.Meta().ID, tt.wantID)
		}
	}
}

func TestBuildRuleUnknownKind(t *testing.T) {
	_, err := BuildRule("credential_stuffing", nil)
	if err == nil {
		t.Fatal("BuildRule with unknown kind returned nil error")
	}
	if !errors.Is(err, ErrUnknownRuleKind) {
		t.Errorf("error %v does not wrap ErrUnknownRuleKind", err)
	}
}

func TestBuildRuleAppliesConfig(t *testing.T) {
	raw := json.RawMessage(`{"max_failed_attempts": 10, "count_by": "ip"}`)
	rule, err := BuildRule(RuleKindBruteForce, raw)
	if err != nil {
		t.Fatalf("BuildRule returned error: %v", err)
	}
	bf, ok := rule.(*BruteForceRule)
	if !ok {
		t.Fatalf("BuildRule returned %T, want *BruteForceRule", rule)
	}
	if bf.config.MaxFailedAttempts != 10 || bf.config.CountBy != CountByIP {
		t.Errorf("config = %+v, want max 10 counted by ip", bf.config)
	}
}

func TestBuildRuleBadJSON(t *testing.T) {
	_, err := BuildRule(RuleKindIPHopping, json.RawMessage(`{"patterns": 5}`))
	if err == nil {
		t.Fatal("BuildRule with malformed config returned nil error")
	}
	if !errors.Is(err, ErrInvalidRuleConfig) {
		t.Errorf("error %v does not wrap ErrInvalidRuleConfig", err)
	}
}

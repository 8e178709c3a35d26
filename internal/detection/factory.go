// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package detection

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Rule kinds accepted by BuildRule. The set is closed: unknown kinds are a
// construction-time error, unlike action names which are an open set.
const (
	RuleKindIPHopping        = "ip_hopping"
	RuleKindSessionHijacking = "session_hijacking"
	RuleKindBruteForce       = "brute_force"
	RuleKindGeoRestriction   = "geo_restriction"
)

// BuildRule constructs a rule of the named kind from its raw JSON
// configuration. A nil or empty config yields the kind's defaults. The
// returned rule is not yet validated; registration runs Validate.
func BuildRule(kind string, raw json.RawMessage) (Rule, error) {
	switch kind {
	case RuleKindIPHopping:
		var cfg IPHoppingConfig
		if err := unmarshalRuleConfig(kind, raw, &cfg); err != nil {
			return nil, err
		}
		return NewIPHoppingRule(cfg), nil

	case RuleKindSessionHijacking:
		var cfg SessionHijackingConfig
		if err := unmarshalRuleConfig(kind, raw, &cfg); err != nil {
			return nil, err
		}
		return NewSessionHijackingRule(cfg), nil

	case RuleKindBruteForce:
		var cfg BruteForceConfig
		if err := unmarshalRuleConfig(kind, raw, &cfg); err != nil {
			return nil, err
		}
		return NewBruteForceRule(cfg), nil

	case RuleKindGeoRestriction:
		var cfg GeoRestrictionConfig
		if err := unmarshalRuleConfig(kind, raw, &cfg); err != nil {
			return nil, err
		}
		return NewGeoRestrictionRule(cfg), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleKind, kind)
	}
}

func unmarshalRuleConfig(kind string, raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRuleConfig, kind, err)
	}
	return nil
}

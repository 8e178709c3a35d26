// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"authwatch.yaml",
	"authwatch.yml",
	"/etc/authwatch/config.yaml",
	"/etc/authwatch/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "AUTHWATCH_CONFIG"

// Load builds the configuration from three layers, lowest priority first:
//
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, checking the
// env override before the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Only the variables listed here are consumed; everything else in the
// process environment is ignored.
//
// Examples:
//   - AUTHWATCH_WEBHOOK_URL   -> alerts.webhook.url
//   - AUTHWATCH_NATS_URL      -> nats.url
//   - AUTHWATCH_LOG_LEVEL     -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Alert delivery
		"authwatch_webhook_enabled":    "alerts.webhook.enabled",
		"authwatch_webhook_url":        "alerts.webhook.url",
		"authwatch_webhook_token":      "alerts.webhook.token",
		"authwatch_webhook_timeout":    "alerts.webhook.request_timeout",
		"authwatch_webhook_rate_limit": "alerts.webhook.rate_limit_per_second",

		// Delivery resilience
		"authwatch_retry_max_retries":           "retry.max_retries",
		"authwatch_retry_base_delay":            "retry.base_delay",
		"authwatch_retry_max_delay":             "retry.max_delay",
		"authwatch_retry_timeout":               "retry.timeout",
		"authwatch_breaker_failure_threshold":   "breaker.failure_threshold",
		"authwatch_breaker_open_state_duration": "breaker.open_state_duration",
		"authwatch_breaker_success_threshold":   "breaker.success_threshold",

		// Rule toggles
		"authwatch_rule_ip_hopping":        "rules.ip_hopping.enabled",
		"authwatch_rule_session_hijacking": "rules.session_hijacking.enabled",
		"authwatch_rule_brute_force":       "rules.brute_force.enabled",
		"authwatch_rule_geo_restriction":   "rules.geo_restriction.enabled",

		// Rule tuning
		"authwatch_brute_force_max_attempts": "rules.brute_force.config.max_failed_attempts",
		"authwatch_brute_force_count_by":     "rules.brute_force.config.count_by",
		"authwatch_geo_blocked_countries":    "rules.geo_restriction.config.blocked_countries",
		"authwatch_geo_allowed_countries":    "rules.geo_restriction.config.allowed_countries",

		// NATS transport
		"authwatch_nats_enabled":     "nats.enabled",
		"authwatch_nats_url":         "nats.url",
		"authwatch_nats_subject":     "nats.subject",
		"authwatch_nats_queue_group": "nats.queue_group",

		// Diagnostics server
		"authwatch_http_host": "server.host",
		"authwatch_http_port": "server.port",

		// Logging
		"authwatch_log_level":  "logging.level",
		"authwatch_log_format": "logging.format",
		"authwatch_log_caller": "logging.caller",
	}

	if path, ok := envMappings[key]; ok {
		return path
	}

	// Unmapped variables are dropped rather than guessed at.
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// supplied via environment variables.
var sliceConfigPaths = []string{
	"rules.ip_hopping.config.patterns",
	"rules.geo_restriction.config.blocked_countries",
	"rules.geo_restriction.config.allowed_countries",
}

// processSliceFields converts comma-separated string values into slices for
// the paths that expect them. YAML files provide real sequences; this only
// applies to env overrides.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw := k.Get(path)
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}

		parts := strings.Split(s, ",")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				values = append(values, trimmed)
			}
		}

		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package config loads the Authwatch configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables.
// Precedence: ENV > file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/authwatch/authwatch/internal/alerting"
	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/resilience"
)

// Config is the root configuration.
type Config struct {
	Alerts  AlertsConfig             `koanf:"alerts"`
	Retry   resilience.RetryConfig   `koanf:"retry"`
	Breaker resilience.BreakerConfig `koanf:"breaker"`
	Rules   RulesConfig              `koanf:"rules"`
	NATS    NATSConfig               `koanf:"nats"`
	Server  ServerConfig             `koanf:"server"`
	Logging LoggingConfig            `koanf:"logging"`
}

// AlertsConfig wraps the webhook delivery settings.
type AlertsConfig struct {
	Webhook alerting.WebhookConfig `koanf:"webhook"`
}

// RulesConfig holds the per-rule toggles and tuning.
type RulesConfig struct {
	IPHopping        IPHoppingRule        `koanf:"ip_hopping"`
	SessionHijacking SessionHijackingRule `koanf:"session_hijacking"`
	BruteForce       BruteForceRule       `koanf:"brute_force"`
	GeoRestriction   GeoRestrictionRule   `koanf:"geo_restriction"`
}

// IPHoppingRule toggles and tunes the IP-hopping rule.
type IPHoppingRule struct {
	Enabled bool                      `koanf:"enabled"`
	Config  detection.IPHoppingConfig `koanf:"config"`
}

// SessionHijackingRule toggles and tunes the session-hijacking rule.
type SessionHijackingRule struct {
	Enabled bool                             `koanf:"enabled"`
	Config  detection.SessionHijackingConfig `koanf:"config"`
}

// BruteForceRule toggles and tunes the brute-force rule.
type BruteForceRule struct {
	Enabled bool                       `koanf:"enabled"`
	Config  detection.BruteForceConfig `koanf:"config"`
}

// GeoRestrictionRule toggles and tunes the geo-restriction rule. Disabled
// by default: it requires an explicit country list.
type GeoRestrictionRule struct {
	Enabled bool                           `koanf:"enabled"`
	Config  detection.GeoRestrictionConfig `koanf:"config"`
}

// NATSConfig configures the event transport.
type NATSConfig struct {
	// Enabled switches between the NATS publisher and an in-memory sink.
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server address.
	URL string `koanf:"url" validate:"required_if=Enabled true"`

	// Subject is the inbound auth-event subscription subject.
	Subject string `koanf:"subject" validate:"required_if=Enabled true"`

	// QueueGroup load-balances inbound consumption across instances.
	QueueGroup string `koanf:"queue_group"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig configures the zerolog facade.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in defaults, layered under file and env.
func Default() *Config {
	return &Config{
		Alerts: AlertsConfig{
			Webhook: alerting.DefaultWebhookConfig(),
		},
		Retry:   resilience.DefaultRetryConfig(),
		Breaker: resilience.DefaultBreakerConfig(),
		Rules: RulesConfig{
			IPHopping:        IPHoppingRule{Enabled: true, Config: detection.DefaultIPHoppingConfig()},
			SessionHijacking: SessionHijackingRule{Enabled: true, Config: detection.DefaultSessionHijackingConfig()},
			BruteForce:       BruteForceRule{Enabled: true, Config: detection.DefaultBruteForceConfig()},
			GeoRestriction:   GeoRestrictionRule{Enabled: false},
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://127.0.0.1:4222",
			Subject:       "auth.events.>",
			QueueGroup:    "authwatch",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8710,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate runs struct-tag validation plus the hand checks the tags cannot
// express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config validation: retry max_delay %s below base_delay %s",
			c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Rules.GeoRestriction.Enabled {
		if err := detection.NewGeoRestrictionRule(c.Rules.GeoRestriction.Config).Validate(); err != nil {
			return fmt.Errorf("config validation: geo_restriction: %w", err)
		}
	}
	return nil
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package alerting delivers security alerts to an outbound webhook. The
// dispatcher composes the circuit breaker around the retried HTTP post and
// swallows every failure at this boundary: a missed alert must never block
// or fail the caller's authentication path.
package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/authwatch/authwatch/internal/detection"
)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	// URL is the webhook endpoint. Empty disables delivery.
	URL string `json:"url" koanf:"url" validate:"omitempty,url"`

	// Token is sent as an Authorization Bearer header when set.
	Token string `json:"token" koanf:"token"`

	// Enabled gates all delivery.
	Enabled bool `json:"enabled" koanf:"enabled"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `json:"request_timeout" koanf:"request_timeout" validate:"gt=0"`

	// RateLimitPerSecond paces outbound sends; 0 means unpaced.
	RateLimitPerSecond float64 `json:"rate_limit_per_second" koanf:"rate_limit_per_second" validate:"gte=0"`
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Enabled:            true,
		RequestTimeout:     10 * time.Second,
		RateLimitPerSecond: 2,
	}
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Details   PayloadDetails `json:"details"`
}

// PayloadDetails carries the alert specifics.
type PayloadDetails struct {
	Email          string         `json:"email,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	RiskScore      *int           `json:"riskScore,omitempty"`
	FailedAttempts *int           `json:"failedAttempts,omitempty"`
	LockedUntil    *time.Time     `json:"lockedUntil,omitempty"`
	Message        string         `json:"message"`
	AdditionalInfo map[string]any `json:"additionalInfo,omitempty"`
}

// WebhookNotifier posts alert payloads over HTTP.
type WebhookNotifier struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewWebhookNotifier creates the notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultWebhookConfig().RequestTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}

	return &WebhookNotifier{
		config:  cfg,
		limiter: limiter,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Enabled reports whether the notifier can deliver at all.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config.Enabled && n.config.URL != ""
}

// Send posts one payload. The rate limiter wait honors ctx cancellation.
func (n *WebhookNotifier) Send(ctx context.Context, payload Payload) error {
	n.mu.RLock()
	url := n.config.URL
	token := n.config.Token
	n.mu.RUnlock()

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildPayload maps the engine's alert shape onto the wire payload.
func buildPayload(alert detection.SecurityAlert) Payload {
	details := PayloadDetails{
		Email:     alert.Email,
		UserID:    alert.UserID,
		IPAddress: alert.IPAddress,
		UserAgent: alert.UserAgent,
		Message:   alert.Message,
	}
	if alert.RiskScore > 0 {
		score := alert.RiskScore
		details.RiskScore = &score
	}
	if len(alert.Evidence) > 0 {
		details.AdditionalInfo = alert.Evidence
		if v, ok := alert.Evidence["failedAttempts"].(int); ok {
			details.FailedAttempts = &v
		}
		if v, ok := alert.Evidence["lockedUntil"].(time.Time); ok {
			details.LockedUntil = &v
		}
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Payload{
		Type:      alert.Type,
		Severity:  alert.Severity,
		Timestamp: ts,
		Details:   details,
	}
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/metrics"
	"github.com/authwatch/authwatch/internal/resilience"
)

// notifier abstracts the webhook for tests.
type notifier interface {
	Enabled() bool
	Send(ctx context.Context, payload Payload) error
}

// Dispatcher is the delivery pipeline: the circuit breaker wraps the full
// retry sequence, so one breaker call is one logical delivery attempt.
type Dispatcher struct {
	notifier notifier
	retry    resilience.RetryConfig
	breaker  *resilience.Breaker
}

// NewDispatcher assembles the pipeline.
func NewDispatcher(n *WebhookNotifier, retryCfg resilience.RetryConfig, breakerCfg resilience.BreakerConfig) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		retry:    retryCfg,
		breaker:  resilience.NewBreaker("alert-webhook", breakerCfg),
	}
}

// newDispatcherWithNotifier is the test seam.
func newDispatcherWithNotifier(n notifier, retryCfg resilience.RetryConfig, breakerCfg resilience.BreakerConfig) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		retry:    retryCfg,
		breaker:  resilience.NewBreaker("alert-webhook-test", breakerCfg),
	}
}

// Dispatch delivers one alert. Every failure mode, an open circuit
// included, is logged and swallowed here; callers never see an error.
func (d *Dispatcher) Dispatch(ctx context.Context, alert detection.SecurityAlert) {
	if !d.notifier.Enabled() {
		logging.Debug().Str("type", alert.Type).Msg("alert delivery disabled, dropping alert")
		metrics.AlertDeliveries.WithLabelValues("disabled").Inc()
		return
	}

	payload := buildPayload(alert)
	start := time.Now()

	_, err := d.breaker.Execute(func() (any, error) {
		return resilience.Do(ctx, d.retry, "alert-webhook", func(attemptCtx context.Context) (struct{}, error) {
			return struct{}{}, d.notifier.Send(attemptCtx, payload)
		})
	})
	metrics.AlertDeliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.AlertDeliveries.WithLabelValues("delivered").Inc()
		logging.Info().
			Str("type", alert.Type).
			Str("severity", alert.Severity).
			Msg("alert delivered")
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.AlertDeliveries.WithLabelValues("rejected").Inc()
		logging.Warn().
			Str("type", alert.Type).
			Msg("alert dropped, delivery circuit open")
	default:
		metrics.AlertDeliveries.WithLabelValues("failed").Inc()
		logging.Error().Err(err).
			Str("type", alert.Type).
			Msg("alert delivery failed")
	}
}

// BreakerStatus exposes the delivery breaker for the diagnostics API.
func (d *Dispatcher) BreakerStatus() resilience.BreakerStatus {
	return d.breaker.Status()
}

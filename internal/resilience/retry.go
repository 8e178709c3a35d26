// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package resilience carries the delivery-side failure handling: a jittered
// exponential-backoff retry helper and a circuit breaker built on
// sony/gobreaker. The alerting dispatcher composes them breaker-outside,
// retry-inside so one breaker call covers one full retry sequence.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/authwatch/authwatch/internal/logging"
)

// RetryConfig tunes the retry loop.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries" koanf:"max_retries" validate:"gte=0"`

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration `json:"base_delay" koanf:"base_delay" validate:"gt=0"`

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `json:"max_delay" koanf:"max_delay" validate:"gt=0"`

	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier" koanf:"backoff_multiplier" validate:"gte=1"`

	// JitterFactor spreads each delay by ±factor to avoid thundering herds.
	JitterFactor float64 `json:"jitter_factor" koanf:"jitter_factor" validate:"gte=0,lte=1"`

	// Timeout bounds each individual attempt.
	Timeout time.Duration `json:"timeout" koanf:"timeout" validate:"gt=0"`
}

// DefaultRetryConfig returns sensible defaults for webhook delivery.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
		Timeout:           10 * time.Second,
	}
}

// Do runs op until it succeeds or the retries are exhausted. Each attempt
// gets its own timeout derived from ctx; backoff sleeps are cancellable via
// ctx, in which case the context error is returned. After exhaustion the
// last attempt's error is returned.
func Do[T any](ctx context.Context, cfg RetryConfig, label string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt-1)
			logging.Debug().
				Str("op", label).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying after backoff")

			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%s: %w", label, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		result, err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", label, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s: %d attempts exhausted: %w", label, cfg.MaxRetries+1, lastErr)
}

// backoffDelay computes min(MaxDelay, BaseDelay·Multiplier^attempt) spread
// by ±JitterFactor.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if max := float64(cfg.MaxDelay); backoff > max {
		backoff = max
	}
	if cfg.JitterFactor > 0 {
		spread := 1 + cfg.JitterFactor*(2*rand.Float64()-1)
		backoff *= spread
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

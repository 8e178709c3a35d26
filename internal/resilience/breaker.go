// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package resilience

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/metrics"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold uint32 `json:"failure_threshold" koanf:"failure_threshold" validate:"gt=0"`

	// FailureCountWindow is the closed-state window after which the counts
	// reset.
	FailureCountWindow time.Duration `json:"failure_count_window" koanf:"failure_count_window" validate:"gt=0"`

	// OpenStateDuration is how long the circuit stays open before a
	// half-open probe.
	OpenStateDuration time.Duration `json:"open_state_duration" koanf:"open_state_duration" validate:"gt=0"`

	// SuccessThreshold is the count of half-open successes that close the
	// circuit.
	SuccessThreshold uint32 `json:"success_threshold" koanf:"success_threshold" validate:"gt=0"`

	// FailureRateThreshold opens the circuit when the failure percentage
	// over at least MinimumNumberOfCalls exceeds it.
	FailureRateThreshold float64 `json:"failure_rate_threshold" koanf:"failure_rate_threshold" validate:"gte=0,lte=100"`

	// MinimumNumberOfCalls gates the rate check.
	MinimumNumberOfCalls uint32 `json:"minimum_number_of_calls" koanf:"minimum_number_of_calls" validate:"gt=0"`
}

// DefaultBreakerConfig returns sensible defaults for webhook delivery.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		FailureCountWindow:   time.Minute,
		OpenStateDuration:    30 * time.Second,
		SuccessThreshold:     2,
		FailureRateThreshold: 60,
		MinimumNumberOfCalls: 10,
	}
}

// BreakerStatus is a read-only snapshot of the breaker.
type BreakerStatus struct {
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	TotalFailures       uint32    `json:"total_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastStateChange     time.Time `json:"last_state_change,omitempty"`
}

// Breaker wraps a sony/gobreaker circuit breaker with the delivery
// pipeline's semantics: trip on consecutive failures or on failure rate,
// reject with ErrCircuitOpen while open.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]

	// mu guards the timestamps: Execute and the state-change callback
	// write them outside gobreaker's lock while Status reads them from
	// HTTP handlers.
	mu              sync.Mutex
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{name: name}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.FailureCountWindow,
		Timeout:     cfg.OpenStateDuration,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if counts.Requests < cfg.MinimumNumberOfCalls {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return failureRate > cfg.FailureRateThreshold
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.lastStateChange = time.Now()
			b.mu.Unlock()
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return b
}

// Execute runs op under the breaker. When the circuit is open the op is not
// invoked and ErrCircuitOpen is returned.
func (b *Breaker) Execute(op func() (any, error)) (any, error) {
	result, err := b.cb.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
		return nil, err
	}
	return result, nil
}

// Status returns a read-only snapshot.
func (b *Breaker) Status() BreakerStatus {
	counts := b.cb.Counts()

	b.mu.Lock()
	lastFailure := b.lastFailure
	lastStateChange := b.lastStateChange
	b.mu.Unlock()

	return BreakerStatus{
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		LastFailureTime:     lastFailure,
		LastStateChange:     lastStateChange,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

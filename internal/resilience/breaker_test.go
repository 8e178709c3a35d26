// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     3,
		FailureCountWindow:   time.Minute,
		OpenStateDuration:    50 * time.Millisecond,
		SuccessThreshold:     1,
		FailureRateThreshold: 60,
		MinimumNumberOfCalls: 100, // keep the rate check out of these tests
	}
}

func failNTimes(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_, _ = b.Execute(func() (any, error) {
			return nil, errors.New("boom")
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test-open", testBreakerConfig())

	failNTimes(b, 3)

	if got := b.Status().State; got != "open" {
		t.Fatalf("state = %s, want open after 3 consecutive failures", got)
	}

	// While open the op must not run.
	invoked := false
	_, err := b.Execute(func() (any, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("op was invoked while the circuit was open")
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := NewBreaker("test-closed", testBreakerConfig())

	failNTimes(b, 2)
	if got := b.Status().State; got != "closed" {
		t.Errorf("state = %s, want closed below the failure threshold", got)
	}

	// A success resets the consecutive count.
	if _, err := b.Execute(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	failNTimes(b, 2)
	if got := b.Status().State; got != "closed" {
		t.Errorf("state = %s, want closed after the success reset", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("test-recovery", testBreakerConfig())

	failNTimes(b, 3)
	if got := b.Status().State; got != "open" {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(60 * time.Millisecond) // past OpenStateDuration

	result, err := b.Execute(func() (any, error) { return "probe-ok", nil })
	if err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if result != "probe-ok" {
		t.Errorf("result = %v, want probe-ok", result)
	}
	if got := b.Status().State; got != "closed" {
		t.Errorf("state = %s, want closed after a successful probe", got)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker("test-reopen", testBreakerConfig())

	failNTimes(b, 3)
	time.Sleep(60 * time.Millisecond)

	failNTimes(b, 1)
	if got := b.Status().State; got != "open" {
		t.Errorf("state = %s, want open again after a failed probe", got)
	}
}

func TestBreakerStatusConcurrentWithExecute(t *testing.T) {
	// Status is served from HTTP handlers while deliveries run; the
	// timestamp fields must stay safe under the race detector.
	b := NewBreaker("test-concurrent", BreakerConfig{
		FailureThreshold:     1000, // keep the circuit closed for the whole test
		FailureCountWindow:   time.Minute,
		OpenStateDuration:    time.Minute,
		SuccessThreshold:     1,
		FailureRateThreshold: 100,
		MinimumNumberOfCalls: 100000,
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Status()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, _ = b.Execute(func() (any, error) {
			return nil, errors.New("boom")
		})
	}

	close(stop)
	wg.Wait()

	st := b.Status()
	if st.LastFailureTime.IsZero() {
		t.Error("LastFailureTime not recorded")
	}
	if st.State != "closed" {
		t.Errorf("state = %s, want closed", st.State)
	}
}

func TestBreakerStatusCounts(t *testing.T) {
	b := NewBreaker("test-status", testBreakerConfig())

	failNTimes(b, 2)
	st := b.Status()
	if st.ConsecutiveFailures != 2 || st.TotalFailures != 2 {
		t.Errorf("status = %+v, want 2 consecutive and 2 total failures", st)
	}
	if st.LastFailureTime.IsZero() {
		t.Error("LastFailureTime not recorded")
	}
}

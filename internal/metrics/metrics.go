// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package metrics exposes Prometheus instrumentation for the detection
// engine, the alert delivery pipeline, and the outbound event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection engine metrics

	RuleExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_rule_executions_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"rule"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_rule_matches_total",
			Help: "Total number of rule evaluations that reported a threat",
		},
		[]string{"rule", "severity"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_rule_errors_total",
			Help: "Total number of rule evaluations that failed and were treated as non-matches",
		},
		[]string{"rule"},
	)

	RuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authwatch_rule_duration_seconds",
			Help:    "Duration of individual rule evaluations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule"},
	)

	EvaluationPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authwatch_evaluation_passes_total",
			Help: "Total number of full evaluation passes over the rule registry",
		},
	)

	ThreatsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_threats_detected_total",
			Help: "Total number of matched rule results by severity",
		},
		[]string{"severity"},
	)

	// Alert delivery metrics

	AlertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_alert_deliveries_total",
			Help: "Total number of alert webhook deliveries by outcome (delivered, failed, rejected, disabled)",
		},
		[]string{"outcome"},
	)

	AlertDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authwatch_alert_delivery_duration_seconds",
			Help:    "End-to-end duration of alert webhook deliveries, retries included",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authwatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Action dispatch metrics

	ActionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_actions_dispatched_total",
			Help: "Total mitigation action events dispatched",
		},
		[]string{"action"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_events_published_total",
			Help: "Total outbound domain events published by subject",
		},
		[]string{"subject"},
	)
)

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package ingest consumes authentication events from NATS and feeds them to
// the detection engine. Each inbound message carries the triggering event
// plus the caller's recent-event history; no datastore is consulted here.
package ingest

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/logging"
)

// Evaluator runs one detection pass. Satisfied by *detection.Engine.
type Evaluator interface {
	EvaluateRules(ctx context.Context, ec *detection.Context) []detection.Result
}

// Config tunes the inbound subscription.
type Config struct {
	// Subject is the subscription subject, typically a wildcard such as
	// "auth.events.>".
	Subject string

	// QueueGroup load-balances consumption across instances. Empty means
	// every instance sees every event.
	QueueGroup string
}

// Subscriber consumes auth events and evaluates them. It implements
// suture.Service via Serve.
type Subscriber struct {
	conn   *nats.Conn
	cfg    Config
	engine Evaluator
}

// NewSubscriber creates a subscriber on an established connection. The
// subscription is opened by Serve, not here.
func NewSubscriber(conn *nats.Conn, cfg Config, engine Evaluator) *Subscriber {
	return &Subscriber{
		conn:   conn,
		cfg:    cfg,
		engine: engine,
	}
}

// Serve subscribes and blocks until ctx is cancelled, then drains the
// subscription so in-flight events finish evaluation.
func (s *Subscriber) Serve(ctx context.Context) error {
	var sub *nats.Subscription
	var err error

	handler := func(msg *nats.Msg) {
		s.handle(ctx, msg)
	}

	if s.cfg.QueueGroup != "" {
		sub, err = s.conn.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, handler)
	} else {
		sub, err = s.conn.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", s.cfg.Subject, err)
	}

	logging.Info().
		Str("subject", s.cfg.Subject).
		Str("queue_group", s.cfg.QueueGroup).
		Msg("Auth event subscription started")

	<-ctx.Done()

	if drainErr := sub.Drain(); drainErr != nil {
		logging.Warn().Err(drainErr).Msg("Auth event subscription drain failed")
	}
	return ctx.Err()
}

// handle decodes one inbound message and runs an evaluation pass. Malformed
// messages are logged and dropped; they never stop the subscription.
func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	ec, err := DecodeEvent(msg.Data)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Msg("Dropping undecodable auth event")
		return
	}

	s.engine.EvaluateRules(ctx, ec)
}

// DecodeEvent parses an inbound auth event into an evaluation context.
// The event type and IP address are mandatory; a zero timestamp is stamped
// with the arrival time.
func DecodeEvent(data []byte) (*detection.Context, error) {
	ec := &detection.Context{}
	if err := json.Unmarshal(data, ec); err != nil {
		return nil, fmt.Errorf("decode auth event: %w", err)
	}

	if ec.EventType == "" {
		return nil, fmt.Errorf("decode auth event: missing event_type")
	}
	if ec.IPAddress == "" {
		return nil, fmt.Errorf("decode auth event: missing ip_address")
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now().UTC()
	}

	return ec, nil
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package events provides the outbound domain-event publishers. Detection
// results and dispatched security actions leave the process through a
// Publisher; everything downstream (lockout workers, SOC tooling) consumes
// the NATS subjects.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/metrics"
)

// Publisher emits domain events as JSON payloads on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Envelope wraps every published payload with an ID and emission time so
// consumers can deduplicate and order.
type Envelope struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NATSPublisher publishes envelopes over a NATS connection.
type NATSPublisher struct {
	conn *nats.Conn

	mu     sync.RWMutex
	closed bool
}

// Connect dials NATS with reconnection handling and returns a publisher.
func Connect(url string, maxReconnects int, reconnectWait time.Duration) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisher(conn), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish serializes the payload into an envelope and sends it.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	env := Envelope{
		ID:        uuid.NewString(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", subject, err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.EventsPublished.WithLabelValues(subject).Inc()
	return nil
}

// Conn exposes the underlying connection for the inbound subscriber.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if err := p.conn.Drain(); err != nil {
		logging.Warn().Err(err).Msg("nats drain failed")
		p.conn.Close()
	}
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/authwatch/authwatch/internal/detection"
)

type capturingEvaluator struct {
	mu       sync.Mutex
	contexts []*detection.Context
}

func (c *capturingEvaluator) EvaluateRules(_ context.Context, ec *detection.Context) []detection.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = append(c.contexts, ec)
	return nil
}

func (c *capturingEvaluator) seen() []*detection.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*detection.Context, len(c.contexts))
	copy(out, c.contexts)
	return out
}

func TestDecodeEvent(t *testing.T) {
	payload := `{
		"event_type": "LOGIN_SUCCESS",
		"user_id": "user-1",
		"email": "user@example.com",
		"ip_address": "192.0.2.10",
		"user_agent": "Mozilla/5.0",
		"timestamp": "2026-03-14T12:00:00Z",
		"metadata": {"location": {"lat": 52.52, "lon": 13.405, "country": "DE"}},
		"recent_events": [
			{"timestamp": "2026-03-14T11:30:00Z", "event_type": "LOGIN_SUCCESS", "ip_address": "192.0.2.11"}
		]
	}`

	ec, err := DecodeEvent([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if ec.EventType != detection.EventLoginSuccess {
		t.Errorf("EventType = %q, want %q", ec.EventType, detection.EventLoginSuccess)
	}
	if ec.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", ec.UserID)
	}
	if ec.IPAddress != "192.0.2.10" {
		t.Errorf("IPAddress = %q, want 192.0.2.10", ec.IPAddress)
	}
	if len(ec.RecentEvents) != 1 {
		t.Fatalf("RecentEvents length = %d, want 1", len(ec.RecentEvents))
	}
	if ec.RecentEvents[0].IPAddress != "192.0.2.11" {
		t.Errorf("RecentEvents[0].IPAddress = %q, want 192.0.2.11", ec.RecentEvents[0].IPAddress)
	}
	if _, ok := ec.Metadata["location"]; !ok {
		t.Error("Metadata missing location")
	}
}

func TestDecodeEventStampsZeroTimestamp(t *testing.T) {
	before := time.Now().UTC()
	ec, err := DecodeEvent([]byte(`{"event_type": "LOGIN_FAILED", "ip_address": "192.0.2.1"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if ec.Timestamp.Before(before) || ec.Timestamp.After(time.Now().UTC()) {
		t.Errorf("Timestamp = %v, want stamped with arrival time", ec.Timestamp)
	}
}

func TestDecodeEventRejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"event_type": `},
		{"missing event_type", `{"ip_address": "192.0.2.1"}`},
		{"missing ip_address", `{"event_type": "LOGIN_SUCCESS"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEvent([]byte(tt.payload)); err == nil {
				t.Error("DecodeEvent() error = nil, want error")
			}
		})
	}
}

func TestHandleEvaluatesDecodableEvents(t *testing.T) {
	eval := &capturingEvaluator{}
	sub := NewSubscriber(nil, Config{Subject: "auth.events.>"}, eval)

	sub.handle(context.Background(), &nats.Msg{
		Subject: "auth.events.login",
		Data:    []byte(`{"event_type": "LOGIN_SUCCESS", "ip_address": "192.0.2.10", "user_id": "u1"}`),
	})
	sub.handle(context.Background(), &nats.Msg{
		Subject: "auth.events.login",
		Data:    []byte(`not json`),
	})

	seen := eval.seen()
	if len(seen) != 1 {
		t.Fatalf("evaluated %d contexts, want 1", len(seen))
	}
	if seen[0].UserID != "u1" {
		t.Errorf("UserID = %q, want u1", seen[0].UserID)
	}
}

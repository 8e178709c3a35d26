// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package events

import (
	"context"
	"sync"
)

// Published is one event recorded by the in-memory publisher.
type Published struct {
	Subject string
	Payload any
}

// MemoryPublisher collects events in memory. Used in tests and as a no-op
// sink when NATS is disabled.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Published
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records the event.
func (p *MemoryPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Published{Subject: subject, Payload: payload})
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.events))
	copy(out, p.events)
	return out
}

// BySubject returns the recorded events matching a subject.
func (p *MemoryPublisher) BySubject(subject string) []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Published
	for _, ev := range p.events {
		if ev.Subject == subject {
			out = append(out, ev)
		}
	}
	return out
}

// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

package actions

import (
	"context"
	"testing"

	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/events"
)

func TestDispatchKnownActions(t *testing.T) {
	pub := events.NewMemoryPublisher()
	d := NewDispatcher(pub)

	ec := &detection.Context{UserID: "user-1", IPAddress: "1.1.1.1"}

	tests := []struct {
		action  detection.Action
		subject string
	}{
		{detection.ActionBlockIP, "security.block.ip"},
		{detection.ActionRequire2FA, "security.require.2fa"},
		{detection.ActionInvalidateSessions, "security.invalidate.sessions"},
		{detection.ActionIncreaseMonitoring, "security.increase.monitoring"},
	}
	for _, tt := range tests {
		d.DispatchAction(context.Background(), tt.action, ec)
		got := pub.BySubject(tt.subject)
		if len(got) != 1 {
			t.Errorf("%s: %d events on %s, want 1", tt.action, len(got), tt.subject)
			continue
		}
		payload, ok := got[0].Payload.(Payload)
		if !ok {
			t.Errorf("%s: payload is %T, want Payload", tt.action, got[0].Payload)
			continue
		}
		if payload.UserID != "user-1" || payload.IPAddress != "1.1.1.1" {
			t.Errorf("%s: payload = %+v, missing originating context", tt.action, payload)
		}
	}
}

func TestDispatchUnknownActionDropped(t *testing.T) {
	pub := events.NewMemoryPublisher()
	d := NewDispatcher(pub)

	d.DispatchAction(context.Background(), detection.Action("NOTIFY_PAGER"), &detection.Context{})

	if got := pub.Events(); len(got) != 0 {
		t.Errorf("unknown action published %d events, want 0", len(got))
	}
}

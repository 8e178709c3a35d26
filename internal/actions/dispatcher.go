// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package actions turns suggested security actions into discrete domain
// events. Action names are an open set: anything unrecognized is dropped,
// never an error, so rules can suggest actions this deployment does not act
// on.
package actions

import (
	"context"

	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/events"
	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/metrics"
)

// subjects maps the known actions to their event subjects.
var subjects = map[detection.Action]string{
	detection.ActionBlockIP:            "security.block.ip",
	detection.ActionRequire2FA:         "security.require.2fa",
	detection.ActionInvalidateSessions: "security.invalidate.sessions",
	detection.ActionIncreaseMonitoring: "security.increase.monitoring",
}

// Payload is the body of every action event.
type Payload struct {
	Action    string `json:"action"`
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// Dispatcher publishes action events, fire and forget.
type Dispatcher struct {
	publisher events.Publisher
}

// NewDispatcher creates a dispatcher over the given publisher.
func NewDispatcher(publisher events.Publisher) *Dispatcher {
	return &Dispatcher{publisher: publisher}
}

// DispatchAction publishes one action event. Unknown actions are dropped.
// Publish failures are logged; nothing propagates to the caller.
func (d *Dispatcher) DispatchAction(ctx context.Context, action detection.Action, ec *detection.Context) {
	subject, ok := subjects[action]
	if !ok {
		logging.Debug().Str("action", string(action)).Msg("dropping unknown action")
		return
	}

	payload := Payload{
		Action:    string(action),
		UserID:    ec.UserID,
		Email:     ec.Email,
		IPAddress: ec.IPAddress,
	}
	if err := d.publisher.Publish(ctx, subject, payload); err != nil {
		logging.Error().Err(err).Str("subject", subject).Msg("failed to publish action event")
		return
	}
	metrics.ActionsDispatched.WithLabelValues(string(action)).Inc()
}

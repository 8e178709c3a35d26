// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Command authwatch runs the authentication threat detection service: a
// NATS consumer feeding the rule engine, webhook alert delivery behind a
// circuit breaker, and a diagnostics HTTP server, all under a supervisor
// tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/authwatch/authwatch/internal/actions"
	"github.com/authwatch/authwatch/internal/alerting"
	"github.com/authwatch/authwatch/internal/config"
	"github.com/authwatch/authwatch/internal/detection"
	"github.com/authwatch/authwatch/internal/events"
	"github.com/authwatch/authwatch/internal/ingest"
	"github.com/authwatch/authwatch/internal/logging"
	"github.com/authwatch/authwatch/internal/server"
	"github.com/authwatch/authwatch/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("nats_enabled", cfg.NATS.Enabled).
		Bool("alerts_enabled", cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "").
		Msg("Starting Authwatch")

	// Event transport. Without NATS the service still evaluates whatever
	// arrives over future transports and keeps domain events in memory.
	var publisher events.Publisher
	var natsPub *events.NATSPublisher
	if cfg.NATS.Enabled {
		natsPub, err = events.Connect(cfg.NATS.URL, cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait)
		if err != nil {
			logging.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsPub.Close()
		publisher = natsPub
	} else {
		logging.Warn().Msg("NATS disabled, domain events stay in memory")
		publisher = events.NewMemoryPublisher()
	}

	// Alert delivery pipeline: rate-limited webhook behind retry and a
	// circuit breaker.
	notifier := alerting.NewWebhookNotifier(cfg.Alerts.Webhook)
	alertDispatcher := alerting.NewDispatcher(notifier, cfg.Retry, cfg.Breaker)

	actionDispatcher := actions.NewDispatcher(publisher)

	engine := detection.NewEngine(publisher, alertDispatcher, actionDispatcher)
	if err := registerRules(engine, cfg); err != nil {
		logging.Fatal().Err(err).Msg("Failed to register detection rules")
	}

	// Supervision tree: ingest and API layers restart independently.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	if natsPub != nil {
		sub := ingest.NewSubscriber(natsPub.Conn(), ingest.Config{
			Subject:    cfg.NATS.Subject,
			QueueGroup: cfg.NATS.QueueGroup,
		}, engine)
		tree.AddIngestService(sub)
	}

	srv := server.New(server.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Timeout: cfg.Server.Timeout,
	}, engine, alertDispatcher)
	tree.AddAPIService(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Authwatch stopped")
}

// registerRules builds the enabled detection rules from configuration,
// routed through the rule factory so config-driven construction takes the
// same path future external rule definitions will. A rule that fails to
// build or validate aborts startup: a misconfigured detector is worse than
// a loud crash.
func registerRules(engine *detection.Engine, cfg *config.Config) error {
	kinds := []struct {
		kind    string
		enabled bool
		config  any
	}{
		{detection.RuleKindIPHopping, cfg.Rules.IPHopping.Enabled, cfg.Rules.IPHopping.Config},
		{detection.RuleKindSessionHijacking, cfg.Rules.SessionHijacking.Enabled, cfg.Rules.SessionHijacking.Config},
		{detection.RuleKindBruteForce, cfg.Rules.BruteForce.Enabled, cfg.Rules.BruteForce.Config},
		{detection.RuleKindGeoRestriction, cfg.Rules.GeoRestriction.Enabled, cfg.Rules.GeoRestriction.Config},
	}

	registered := 0
	for _, k := range kinds {
		if !k.enabled {
			logging.Debug().Str("rule_kind", k.kind).Msg("Rule disabled")
			continue
		}

		raw, err := json.Marshal(k.config)
		if err != nil {
			return fmt.Errorf("encode %s config: %w", k.kind, err)
		}
		rule, err := detection.BuildRule(k.kind, raw)
		if err != nil {
			return fmt.Errorf("build rule %s: %w", k.kind, err)
		}
		if err := engine.RegisterRule(rule); err != nil {
			return fmt.Errorf("register rule %s: %w", k.kind, err)
		}
		logging.Info().Str("rule", rule.Meta().ID).Msg("Rule registered")
		registered++
	}

	if registered == 0 {
		logging.Warn().Msg("No detection rules enabled")
	}
	return nil
}

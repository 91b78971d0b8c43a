// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Hardonian/ReadyLayer-sub001/pkg/logging"
	"github.com/Hardonian/ReadyLayer-sub001/services/review"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/analyzers"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evidence"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/storage/badgerstore"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/storage/filestore"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/telemetry"
)

// app bundles everything a command needs: the review engine, the stores
// behind it, and the shutdown hooks. Build one per process with
// buildApp and Close it before exiting.
type app struct {
	cfg    Config
	logger *logging.Logger

	stores *badgerstore.Stores
	files  *filestore.Store // non-nil only for the file policy source

	resolver *policy.Resolver
	producer *evidence.Producer
	metrics  *telemetry.Metrics
	recorder *telemetry.Recorder
	engine   *review.Orchestrator

	telemetryShutdown func(context.Context) error
}

// buildApp wires the full review engine from configuration.
//
// Description:
//
//	Construction order mirrors teardown order in reverse: logging,
//	telemetry, storage, policy resolution, evidence, metrics, analyzers,
//	then the orchestrator on top. Metric registration failures degrade
//	to a log line; everything else is fatal, because a partially wired
//	engine produces verdicts nobody should trust.
//
// Parameters:
//   - ctx: Used for telemetry exporter setup.
//   - cfg: Validated configuration (see LoadConfig).
//   - service: Logging service label, "cli" or "server".
//
// Returns:
//   - *app: The wired application. Call Close when done.
//   - error: Non-nil when any required component cannot start.
func buildApp(ctx context.Context, cfg Config, service string) (*app, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg: cfg,
		logger: logging.New(logging.Config{
			Level:   level,
			LogDir:  cfg.Logging.Dir,
			Service: service,
			JSON:    cfg.Logging.JSON,
		}),
	}
	log := a.logger.Slog()

	a.telemetryShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "readylayer",
		ServiceVersion: version,
		Environment:    telemetry.DefaultConfig().Environment,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a.stores, err = badgerstore.OpenStores(badgerstore.Config{
		Path:       expandHome(cfg.Storage.Path),
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: true,
		Logger:     log,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var packSource policy.Store = a.stores.Policy
	if cfg.Policy.Source == "file" {
		a.files, err = filestore.NewStore(expandHome(cfg.Policy.Dir), log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open policy directory: %w", err)
		}
		packSource = a.files
	}

	ttl, err := cfg.Policy.parseCacheTTL()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.resolver, err = policy.NewResolver(packSource, policy.ResolverConfig{
		PackCacheTTL: ttl,
		Logger:       log,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	a.producer, err = evidence.NewProducer(a.stores.Evidence)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build evidence producer: %w", err)
	}

	meter := otel.Meter("readylayer.review")
	a.metrics, err = telemetry.NewMetrics(meter)
	if err != nil {
		log.Error("metrics unavailable (observability degraded)", "error", err)
		a.metrics = nil
	}
	if a.metrics != nil {
		a.recorder, err = telemetry.NewRecorder(a.metrics, telemetry.RecorderOptions{Logger: log})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("start recorder: %w", err)
		}
		if _, err := a.metrics.RegisterRecorderDepth(meter, a.recorder.Depth); err != nil {
			log.Warn("recorder depth gauge unavailable", "error", err)
		}
	}

	static, err := analyzers.NewPatternAnalyzer()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load detection rules: %w", err)
	}
	var ai review.AIAnalyzer
	if cfg.Review.AI.Enabled {
		aiCfg := analyzers.DefaultAIConfig()
		if cfg.Review.AI.Model != "" {
			aiCfg.Model = cfg.Review.AI.Model
		}
		reviewer, err := analyzers.NewAIReviewer(aiCfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ai review enabled but unavailable: %w", err)
		}
		ai = reviewer
	}

	a.engine, err = review.NewOrchestrator(review.Options{
		Resolver: a.resolver,
		Static:   static,
		AI:       ai,
		Schema:   analyzers.NewMigrationChecker(),
		Evidence: a.producer,
		Results:  a.stores.Results,
		Recorder: a.recorder,
		Metrics:  a.metrics,
		Logger:   log,
		Config: review.Config{
			MaxConcurrency: cfg.Review.MaxConcurrency,
			DefaultTier:    datatypes.Tier(cfg.Review.Tier),
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	return a, nil
}

// watchPolicies starts pack hot-reload for the file policy source.
// No-op for the badger source; serve calls this, one-shot commands
// don't need it.
func (a *app) watchPolicies() error {
	if a.files == nil {
		return nil
	}
	return a.files.Watch(func(orgID, repoID string) {
		a.resolver.Invalidate(orgID, repoID)
	})
}

// Close tears the application down in reverse construction order.
// Safe to call on a partially built app.
func (a *app) Close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.files != nil {
		a.files.Close()
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.logger.Error("storage close failed", "error", err)
		}
	}
	if a.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetryShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown incomplete", "error", err)
		}
		cancel()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package review orchestrates policy-driven evaluation of proposed changes.
//
// Description:
//
//	The Orchestrator runs one attempt through a fixed pipeline: resolve
//	the effective policy, collect findings from the analyzers, evaluate
//	them deterministically, and persist evidence plus the result. It is
//	the only component that converts pipeline failures into outcomes.
//	Analyzers return findings or errors; the evaluator is pure; stores
//	persist what they are given. When a required stage fails, the
//	attempt is marked failed and reported blocked, because a change the
//	engine could not evaluate must not merge on the strength of a
//	missing answer.
//
//	The package defines the narrow interfaces it consumes. Concrete
//	implementations live in the analyzers and storage packages and are
//	wired in by the caller.
package review

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evidence"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/telemetry"
)

var (
	tracer = otel.Tracer("readylayer.review")
	meter  = otel.Meter("readylayer.review")
)

// Attempt kinds, persisted on results and evidence bundles.
const (
	KindReview = "review"
	KindDrift  = "drift"
)

// RuleDegradedReconciliation is the synthetic finding emitted when the
// schema reconciler fails and the evaluation proceeds without its results.
const RuleDegradedReconciliation = "schema.reconciliation-degraded"

// StaticAnalyzer scans one file's content for findings.
//
// Description:
//
//	Static analysis is deterministic and runs on every analyzed file.
//	An error from a static analyzer fails the whole attempt: losing
//	deterministic coverage silently would let unreviewed changes
//	through.
type StaticAnalyzer interface {
	Analyze(ctx context.Context, path string, content []byte) ([]datatypes.Finding, error)
	Name() string
	Version() string
}

// AIAnalyzer reviews one file with repository context.
//
// Description:
//
//	AI review is optional at wiring time but, once wired, its errors
//	fail the attempt like any other analyzer. Provider usage errors
//	surface their own failure kind on the result so callers can tell a
//	rate limit from an exhausted budget.
type AIAnalyzer interface {
	Analyze(ctx context.Context, path string, content []byte, repoCtx datatypes.RepoContext) ([]datatypes.Finding, error)
	Name() string
	Version() string
}

// SchemaReconciler cross-checks migration files against the code that
// references them.
//
// Description:
//
//	Reconciler failures degrade the attempt instead of failing it: the
//	evaluation proceeds with a single synthetic medium finding marking
//	the coverage gap, so policy still decides whether that gap blocks.
type SchemaReconciler interface {
	Reconcile(ctx context.Context, migrations, code []datatypes.ChangedFile) ([]datatypes.Finding, error)
	Name() string
	Version() string
}

// ResultStore persists terminal review results.
type ResultStore interface {
	Save(ctx context.Context, result *datatypes.ReviewResult) error
	Get(ctx context.Context, id string) (*datatypes.ReviewResult, error)
}

// Notifier delivers a terminal result to an external consumer. Delivery is
// best-effort: failures are logged and never change the result.
type Notifier interface {
	Notify(ctx context.Context, result *datatypes.ReviewResult) error
}

// Config tunes pipeline concurrency and per-stage timeouts.
type Config struct {
	// MaxConcurrency caps concurrently running analyzer calls.
	MaxConcurrency int `json:"maxConcurrency" yaml:"max_concurrency"`

	// StaticTimeout bounds one static analyzer call.
	StaticTimeout time.Duration `json:"staticTimeout" yaml:"static_timeout"`

	// AITimeout bounds one AI reviewer call.
	AITimeout time.Duration `json:"aiTimeout" yaml:"ai_timeout"`

	// SchemaTimeout bounds the schema reconciliation call.
	SchemaTimeout time.Duration `json:"schemaTimeout" yaml:"schema_timeout"`

	// NotifyTimeout bounds best-effort result notification.
	NotifyTimeout time.Duration `json:"notifyTimeout" yaml:"notify_timeout"`

	// DefaultTier applies when a request does not name a tier.
	DefaultTier datatypes.Tier `json:"defaultTier" yaml:"default_tier"`
}

// DefaultConfig returns the production pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: min(4, runtime.NumCPU()),
		StaticTimeout:  10 * time.Second,
		AITimeout:      60 * time.Second,
		SchemaTimeout:  15 * time.Second,
		NotifyTimeout:  5 * time.Second,
		DefaultTier:    datatypes.TierBasic,
	}
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Resolver *policy.Resolver    // required
	Static   StaticAnalyzer      // required
	AI       AIAnalyzer          // optional; nil disables AI review
	Schema   SchemaReconciler    // optional; nil disables reconciliation
	Evidence *evidence.Producer  // required
	Results  ResultStore         // required
	Notifier Notifier            // optional
	Recorder *telemetry.Recorder // optional
	Metrics  *telemetry.Metrics  // optional; created from the package meter when nil
	Logger   *slog.Logger        // nil means slog.Default
	Config   Config
}

// Orchestrator runs review and drift attempts end to end.
//
// Thread Safety:
//
//	Safe for concurrent use. Each attempt owns its result until the
//	result reaches a terminal state, after which it is immutable.
type Orchestrator struct {
	cfg      Config
	resolver *policy.Resolver
	static   StaticAnalyzer
	ai       AIAnalyzer
	schema   SchemaReconciler
	producer *evidence.Producer
	results  ResultStore
	notifier Notifier
	recorder *telemetry.Recorder
	logger   *slog.Logger
	now      func() time.Time

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// NewOrchestrator validates the wiring and returns a ready orchestrator.
//
// Inputs:
//
//	opts - Collaborators and configuration. Resolver, Static, Evidence,
//	       and Results are required. Zero config fields take defaults.
//
// Outputs:
//
//	*Orchestrator - The configured orchestrator.
//	error - Non-nil when a required collaborator is missing.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if opts.Static == nil {
		return nil, errors.New("static analyzer must not be nil")
	}
	if opts.Evidence == nil {
		return nil, errors.New("evidence producer must not be nil")
	}
	if opts.Results == nil {
		return nil, errors.New("result store must not be nil")
	}

	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.StaticTimeout <= 0 {
		cfg.StaticTimeout = defaults.StaticTimeout
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = defaults.AITimeout
	}
	if cfg.SchemaTimeout <= 0 {
		cfg.SchemaTimeout = defaults.SchemaTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaults.NotifyTimeout
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = defaults.DefaultTier
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:      cfg,
		resolver: opts.Resolver,
		static:   opts.Static,
		ai:       opts.AI,
		schema:   opts.Schema,
		producer: opts.Evidence,
		results:  opts.Results,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		logger:   logger,
		now:      time.Now,
		metrics:  opts.Metrics,
	}, nil
}

// ensureMetrics lazily registers the pipeline instruments. Registration
// failure disables metrics for the process lifetime and is logged once;
// the pipeline itself never depends on observability.
func (o *Orchestrator) ensureMetrics() *telemetry.Metrics {
	o.metricsOnce.Do(func() {
		if o.metrics != nil {
			return
		}
		m, err := telemetry.NewMetrics(meter)
		if err != nil {
			o.logger.Error("metrics unavailable (observability degraded)", "error", err)
			return
		}
		o.metrics = m
	})
	return o.metrics
}

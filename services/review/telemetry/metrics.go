// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the review engine.
//
// Description:
//
//	Provides standard counters and histograms for review attempts, finding
//	production, analyzer calls, and evidence writes. All metrics use the
//	"review_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Attempt Metrics ---

	// AttemptsTotal counts review attempts by kind and terminal status.
	AttemptsTotal metric.Int64Counter

	// AttemptDuration records end-to-end attempt duration in seconds.
	AttemptDuration metric.Float64Histogram

	// ActiveAttempts tracks attempts currently in flight.
	ActiveAttempts metric.Int64UpDownCounter

	// ScoreDistribution records the deterministic score of decided attempts.
	ScoreDistribution metric.Int64Histogram

	// --- Finding Metrics ---

	// FindingsTotal counts findings by severity.
	FindingsTotal metric.Int64Counter

	// WaiversAppliedTotal counts findings suppressed by waivers.
	WaiversAppliedTotal metric.Int64Counter

	// --- Analyzer Metrics ---

	// AnalyzerCallsTotal counts analyzer invocations by analyzer and status.
	AnalyzerCallsTotal metric.Int64Counter

	// AnalyzerDuration records per-call analyzer duration in seconds.
	AnalyzerDuration metric.Float64Histogram

	// --- Evidence Metrics ---

	// EvidenceWritesTotal counts evidence bundles persisted.
	EvidenceWritesTotal metric.Int64Counter

	// --- Recorder Metrics ---

	// RecorderDroppedTotal counts observations dropped by the async recorder.
	RecorderDroppedTotal metric.Int64Counter

	// RecorderDepth reports the recorder queue depth at scrape time.
	RecorderDepth metric.Int64ObservableGauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Attempt Metrics ---
	m.AttemptsTotal, err = meter.Int64Counter(
		"review_attempts_total",
		metric.WithDescription("Total review attempts by kind and terminal status"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempts_total: %w", err)
	}

	m.AttemptDuration, err = meter.Float64Histogram(
		"review_attempt_duration_seconds",
		metric.WithDescription("End-to-end review attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempt_duration: %w", err)
	}

	m.ActiveAttempts, err = meter.Int64UpDownCounter(
		"review_active_attempts",
		metric.WithDescription("Review attempts currently in flight"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_attempts: %w", err)
	}

	m.ScoreDistribution, err = meter.Int64Histogram(
		"review_score",
		metric.WithDescription("Deterministic score of decided attempts"),
		metric.WithUnit("{score}"),
		metric.WithExplicitBucketBoundaries(0, 10, 25, 50, 70, 80, 90, 95, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("create score: %w", err)
	}

	// --- Finding Metrics ---
	m.FindingsTotal, err = meter.Int64Counter(
		"review_findings_total",
		metric.WithDescription("Total findings by severity"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create findings_total: %w", err)
	}

	m.WaiversAppliedTotal, err = meter.Int64Counter(
		"review_waivers_applied_total",
		metric.WithDescription("Findings suppressed by active waivers"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create waivers_applied_total: %w", err)
	}

	// --- Analyzer Metrics ---
	m.AnalyzerCallsTotal, err = meter.Int64Counter(
		"review_analyzer_calls_total",
		metric.WithDescription("Analyzer invocations by analyzer and status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create analyzer_calls_total: %w", err)
	}

	m.AnalyzerDuration, err = meter.Float64Histogram(
		"review_analyzer_duration_seconds",
		metric.WithDescription("Per-call analyzer duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create analyzer_duration: %w", err)
	}

	// --- Evidence Metrics ---
	m.EvidenceWritesTotal, err = meter.Int64Counter(
		"review_evidence_writes_total",
		metric.WithDescription("Evidence bundles persisted"),
		metric.WithUnit("{bundle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evidence_writes_total: %w", err)
	}

	// --- Recorder Metrics ---
	m.RecorderDroppedTotal, err = meter.Int64Counter(
		"review_recorder_dropped_total",
		metric.WithDescription("Observations dropped by the async recorder"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recorder_dropped_total: %w", err)
	}

	// Note: RecorderDepth requires a callback registration, handled separately

	return m, nil
}

// RegisterRecorderDepth registers a callback for the recorder queue depth gauge.
//
// Description:
//
//	Sets up an observable gauge that reports how many observations are
//	waiting in the recorder queue. The callback is invoked each time
//	metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	depthFunc - A function that returns the current queue depth.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterRecorderDepth(meter metric.Meter, depthFunc func() int64) (metric.Registration, error) {
	var err error
	m.RecorderDepth, err = meter.Int64ObservableGauge(
		"review_recorder_depth",
		metric.WithDescription("Observations waiting in the recorder queue"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recorder_depth: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.RecorderDepth, depthFunc())
		return nil
	}, m.RecorderDepth)
}

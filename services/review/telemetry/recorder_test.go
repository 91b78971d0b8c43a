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
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(otel.Meter("test_recorder"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func sampleResult() *datatypes.ReviewResult {
	now := time.Now()
	return &datatypes.ReviewResult{
		ID:        "r-1",
		OrgID:     "org-1",
		RepoID:    "api-server",
		ChangeRef: "pr-42",
		Kind:      "review",
		Status:    datatypes.StatusCompleted,
		Score:     95,
		SeverityCounts: map[datatypes.Severity]int{
			datatypes.SeverityLow: 1,
		},
		WaivedCount: 1,
		EvidenceID:  "ev-1",
		StartedAt:   now.Add(-2 * time.Second),
		FinishedAt:  now,
	}
}

func TestNewRecorder_NilMetrics(t *testing.T) {
	if _, err := NewRecorder(nil, RecorderOptions{}); !errors.Is(err, ErrNilMetrics) {
		t.Errorf("NewRecorder(nil) error = %v, want ErrNilMetrics", err)
	}
}

func TestRecorder_RecordAndClose(t *testing.T) {
	r, err := NewRecorder(testMetrics(t), RecorderOptions{BufferSize: 32})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		r.Record(sampleResult())
	}
	r.Close()

	if got := r.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
	if got := r.Depth(); got != 0 {
		t.Errorf("Depth() after Close = %d, want 0 (queue drained)", got)
	}
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	r, err := NewRecorder(testMetrics(t), RecorderOptions{})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	r.Close()
	r.Close()
}

func TestRecorder_RecordAfterCloseIsNoop(t *testing.T) {
	r, err := NewRecorder(testMetrics(t), RecorderOptions{})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	r.Close()

	r.Record(sampleResult())
	if got := r.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0 for post-close record", got)
	}
}

func TestRecorder_NilResultIgnored(t *testing.T) {
	r, err := NewRecorder(testMetrics(t), RecorderOptions{})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	defer r.Close()
	r.Record(nil)
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	// Built without a worker so the queue cannot drain.
	r := &Recorder{
		metrics: testMetrics(t),
		events:  make(chan *datatypes.ReviewResult, 1),
		done:    make(chan struct{}),
		logger:  slog.Default(),
	}

	r.Record(sampleResult())
	r.Record(sampleResult())
	r.Record(sampleResult())

	if got := r.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := r.Depth(); got != 1 {
		t.Errorf("Depth() = %d, want 1", got)
	}
}

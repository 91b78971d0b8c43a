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
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// defaultRecorderBuffer is the queue size when RecorderOptions leaves it zero.
const defaultRecorderBuffer = 256

// RecorderOptions configures the async recorder.
type RecorderOptions struct {
	// BufferSize is the observation queue capacity. Zero means 256.
	BufferSize int

	// Logger receives drop warnings. Nil means slog.Default().
	Logger *slog.Logger
}

// Recorder turns decided review results into metrics off the request path.
//
// Description:
//
//	Record never blocks and never fails: when the queue is full the
//	observation is dropped and counted. The review pipeline calls Record
//	after the decision is persisted, so a slow or dead metrics backend
//	cannot slow down or fail a review.
//
// Thread Safety: safe for concurrent use. Close is idempotent.
type Recorder struct {
	metrics *Metrics
	events  chan *datatypes.ReviewResult
	done    chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewRecorder starts the recorder worker.
//
// Inputs:
//
//	metrics - Destination instruments. Must not be nil.
//	opts - Queue size and logger; zero values get defaults.
//
// Outputs:
//
//	*Recorder - Running recorder. Call Close on shutdown.
//	error - ErrNilMetrics when metrics is nil.
func NewRecorder(metrics *Metrics, opts RecorderOptions) (*Recorder, error) {
	if metrics == nil {
		return nil, ErrNilMetrics
	}
	size := opts.BufferSize
	if size <= 0 {
		size = defaultRecorderBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		metrics: metrics,
		events:  make(chan *datatypes.ReviewResult, size),
		done:    make(chan struct{}),
		logger:  logger.With("component", "recorder"),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues one decided result. Non-blocking; drops when full or closed.
func (r *Recorder) Record(result *datatypes.ReviewResult) {
	if result == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.events <- result:
	default:
		n := r.dropped.Add(1)
		r.metrics.RecorderDroppedTotal.Add(context.Background(), 1)
		if n == 1 || n%100 == 0 {
			r.logger.Warn("recorder queue full, dropping observations", "dropped_total", n)
		}
	}
}

// Dropped returns how many observations have been dropped since start.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Depth returns the current queue depth. Suitable for RegisterRecorderDepth.
func (r *Recorder) Depth() int64 {
	return int64(len(r.events))
}

// Close stops the worker after draining whatever is queued.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case res := <-r.events:
			r.observe(res)
		case <-r.done:
			// Drain the queue, then exit.
			for {
				select {
				case res := <-r.events:
					r.observe(res)
				default:
					return
				}
			}
		}
	}
}

// observe converts one result into metric updates.
func (r *Recorder) observe(res *datatypes.ReviewResult) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", res.Kind),
		attribute.String("status", string(res.Status)),
	)

	r.metrics.AttemptsTotal.Add(ctx, 1, attrs)
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		r.metrics.AttemptDuration.Record(ctx, res.FinishedAt.Sub(res.StartedAt).Seconds(), attrs)
	}
	if res.Status != datatypes.StatusFailed {
		r.metrics.ScoreDistribution.Record(ctx, int64(res.Score), attrs)
	}

	for sev, count := range res.SeverityCounts {
		r.metrics.FindingsTotal.Add(ctx, int64(count),
			metric.WithAttributes(attribute.String("severity", string(sev))))
	}
	if res.WaivedCount > 0 {
		r.metrics.WaiversAppliedTotal.Add(ctx, int64(res.WaivedCount))
	}
	if res.EvidenceID != "" {
		r.metrics.EvidenceWritesTotal.Add(ctx, 1)
	}
}

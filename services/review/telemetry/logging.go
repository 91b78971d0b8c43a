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

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns the logger with trace_id and span_id fields when
// the context carries a recording span, and the logger unchanged when it
// does not. Correlating a log line back to its trace costs one With call
// at the top of the request, not one lookup per line.
//
// A nil logger falls back to slog.Default.
//
// Thread Safety: safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithAttempt extends LoggerWithTrace with the coordinates of one
// review attempt, so every line the pipeline emits can be grouped by the
// change it belongs to.
//
// Thread Safety: safe for concurrent use.
func LoggerWithAttempt(ctx context.Context, logger *slog.Logger, orgID, repoID, changeRef string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("org_id", orgID),
		slog.String("repo_id", repoID),
		slog.String("change_ref", changeRef),
	)
}

// TraceID returns the hex trace ID from the context, or "" when no valid
// span context is present. Error responses echo it so a caller can hand
// operators something to search for.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

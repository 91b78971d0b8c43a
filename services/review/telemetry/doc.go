// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry SDK for the review engine:
// Init builds tracer and meter providers from a small Config, Metrics
// and Recorder turn decided reviews into instrument updates, and the
// logging helpers stamp trace IDs onto slog records.
//
// The package exposes OTel types directly rather than wrapping them.
// Swapping the backend is an exporter-name change in config, never a
// code change: traces go to any OTLP receiver ("otlp", with "jaeger"
// accepted as an alias for receivers that grew OTLP support), to
// "stdout", or nowhere ("none"); metrics are served for Prometheus
// scraping ("prometheus"), printed ("stdout"), or dropped ("none").
//
// Everything in this package is a side channel. The review decision is
// computed, persisted, and returned before any metric or notification is
// best-effort recorded; a telemetry outage can drop observations but can
// never change or delay a verdict.
//
// DefaultConfig honors the usual environment variables where they make
// sense: OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER,
// OTEL_EXPORTER_OTLP_ENDPOINT, and READYLAYER_ENV for the deployment
// environment resource attribute.
//
// Everything exported here is safe for concurrent use once Init has
// returned.
package telemetry

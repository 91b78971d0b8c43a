// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNilRequest indicates a nil request was provided.
	ErrNilRequest = errors.New("request cannot be nil")

	// ErrInvalidFinding indicates an analyzer emitted a finding that
	// failed boundary validation. Wrapped errors carry the field detail.
	ErrInvalidFinding = errors.New("invalid finding")

	// ErrInvalidRequest indicates a request failed boundary validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// UsageKind classifies provider usage limits.
type UsageKind string

const (
	// UsageRateLimited means the provider throttled the call. Retryable.
	UsageRateLimited UsageKind = "rate_limited"

	// UsageBudgetExhausted means a spend or token budget is gone.
	// Not retryable until the budget resets.
	UsageBudgetExhausted UsageKind = "budget_exhausted"
)

// UsageError reports a quota or rate limit from an analyzer backend.
//
// Description:
//
//	Usage errors are never coerced into generic failures: the orchestrator
//	surfaces Kind verbatim on the failed ReviewResult so callers can back
//	off or alert on budget exhaustion. Construct with NewUsageError and
//	detect with errors.As.
//
// Thread Safety:
//
//	Immutable value, safe to share.
type UsageError struct {
	Kind       UsageKind
	Provider   string
	Detail     string
	RetryAfter time.Duration
}

// NewUsageError builds a UsageError for the given provider and kind.
func NewUsageError(kind UsageKind, provider, detail string) *UsageError {
	return &UsageError{Kind: kind, Provider: provider, Detail: detail}
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Detail)
}

// FailureKindFor maps a usage kind to the result failure kind.
func (e *UsageError) FailureKindFor() FailureKind {
	if e.Kind == UsageBudgetExhausted {
		return FailureBudgetExhausted
	}
	return FailureRateLimited
}

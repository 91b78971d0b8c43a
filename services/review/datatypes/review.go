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
	"time"
)

// Tier is an organization's enforcement tier.
//
// Description:
//
//	The tier determines the synthesized default policy when no pack is
//	configured for an org or repo. Unknown tiers resolve to TierBasic,
//	which is the most permissive blocking set but still blocks critical.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierModerate Tier = "moderate"
	TierMaximum  Tier = "maximum"
)

// Valid reports whether t names a known enforcement tier.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierModerate, TierMaximum:
		return true
	}
	return false
}

// ReviewRequest describes one proposed change to evaluate.
//
// Description:
//
//	Diff carries the raw unified diff when the caller has one; Files carry
//	per-file content for the analyzers. Either may be empty, but an empty
//	request (no diff and no files) evaluates trivially to a pass with no
//	findings. Branch is optional; when absent, branch-scoped waivers never
//	match (the engine prefers not suppressing over guessing).
type ReviewRequest struct {
	OrgID     string        `json:"orgId" validate:"required,max=256"`
	RepoID    string        `json:"repoId" validate:"required,max=256"`
	ChangeRef string        `json:"changeRef" validate:"required,max=512"`
	Branch    string        `json:"branch,omitempty" validate:"max=512"`
	Tier      Tier          `json:"tier,omitempty"`
	Diff      string        `json:"diff,omitempty"`
	Files     []ChangedFile `json:"files,omitempty" validate:"dive"`
}

// DriftRequest describes a non-review artifact set to evaluate, for example
// documentation that must stay in sync with code. It flows through the same
// resolve/evaluate/evidence pipeline as a review.
type DriftRequest struct {
	OrgID       string        `json:"orgId" validate:"required,max=256"`
	RepoID      string        `json:"repoId" validate:"required,max=256"`
	ArtifactRef string        `json:"artifactRef" validate:"required,max=512"`
	Tier        Tier          `json:"tier,omitempty"`
	Artifacts   []ChangedFile `json:"artifacts,omitempty" validate:"dive"`
}

// ReviewStatus is the terminal state of a review attempt.
type ReviewStatus string

const (
	// StatusCompleted means the evaluation ran and nothing blocked.
	StatusCompleted ReviewStatus = "completed"

	// StatusBlocked means the evaluation ran and a rule blocked the change.
	StatusBlocked ReviewStatus = "blocked"

	// StatusFailed means the pipeline could not produce a trustworthy
	// evaluation. Failed reviews report blocked to callers.
	StatusFailed ReviewStatus = "failed"
)

// Phase tracks where a review attempt is in its pipeline.
//
// Description:
//
//	Attempts move strictly forward: Started, CollectingFindings,
//	Evaluating, Persisting, then one terminal status. The phase is
//	observable in logs and spans, not persisted.
type Phase int

const (
	PhaseStarted Phase = iota
	PhaseCollecting
	PhaseEvaluating
	PhasePersisting
	PhaseDone
)

// String returns the phase name used in logs and span attributes.
func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseCollecting:
		return "collecting_findings"
	case PhaseEvaluating:
		return "evaluating"
	case PhasePersisting:
		return "persisting"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// FailureKind is a machine-readable class for failed attempts.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureAnalyzer        FailureKind = "analyzer_error"
	FailurePolicyStore     FailureKind = "policy_store_error"
	FailurePersistence     FailureKind = "persistence_error"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureBudgetExhausted FailureKind = "budget_exhausted"
)

// BlockingReason identifies the first finding, in deterministic order, whose
// resolved action was block.
type BlockingReason struct {
	RuleID  string `json:"ruleId"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message,omitempty"`
}

// ReviewResult is the persisted outcome of one review attempt.
//
// Description:
//
//	Exactly one result exists per attempt. Failed attempts still produce a
//	result (marked failed, reported blocked) so the audit trail is
//	complete; the only exception is caller cancellation, where nothing is
//	persisted. Remediation carries a human hint for failed attempts.
//
// Thread Safety:
//
//	Immutable once persisted.
type ReviewResult struct {
	ID             string           `json:"id"`
	OrgID          string           `json:"orgId"`
	RepoID         string           `json:"repoId"`
	ChangeRef      string           `json:"changeRef"`
	Kind           string           `json:"kind"` // "review" or "drift"
	Status         ReviewStatus     `json:"status"`
	Blocked        bool             `json:"blocked"`
	Score          int              `json:"score"`
	SeverityCounts map[Severity]int `json:"severityCounts,omitempty"`
	WaivedCount    int              `json:"waivedCount"`
	BlockingReason *BlockingReason  `json:"blockingReason,omitempty"`
	FailureKind    FailureKind      `json:"failureKind,omitempty"`
	Error          string           `json:"error,omitempty"`
	Remediation    string           `json:"remediation,omitempty"`
	EvidenceID     string           `json:"evidenceId,omitempty"`
	PolicyChecksum string           `json:"policyChecksum,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	FinishedAt     time.Time        `json:"finishedAt"`
}

// Passed reports whether the review completed without blocking.
func (r *ReviewResult) Passed() bool {
	return r.Status == StatusCompleted && !r.Blocked
}

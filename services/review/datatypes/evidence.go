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

// EvidenceSchemaVersion tags exported evidence so historical bundles stay
// interpretable after the engine's internal shapes change.
const EvidenceSchemaVersion = "1"

// EvidenceInputs pins the inputs a decision was computed from.
//
// Description:
//
//	DiffSHA256 hashes the raw diff bytes. FileListSHA256 hashes the
//	de-duplicated, sorted, newline-joined file path list; sorting removes
//	collection-order nondeterminism, so the same change always pins the
//	same hash regardless of analyzer interleaving.
type EvidenceInputs struct {
	DiffSHA256     string `json:"diffSha256,omitempty"`
	FileListSHA256 string `json:"fileListSha256,omitempty"`
	OrgID          string `json:"orgId"`
	RepoID         string `json:"repoId"`
	ChangeRef      string `json:"changeRef"`
	Branch         string `json:"branch,omitempty"`
	FileCount      int    `json:"fileCount"`
	FindingCount   int    `json:"findingCount"`
}

// EvidenceBundle is the immutable audit artifact for one decision.
//
// Description:
//
//	A bundle proves which policy version (PolicyChecksum) and which inputs
//	produced a decision, with the deterministic score and the fired rules.
//	Bundles are written exactly once and never updated. Digest is a
//	sha256 over the canonical JSON of the bundle with Digest blanked,
//	so any later mutation of a stored bundle is detectable offline.
//
// Thread Safety:
//
//	Immutable once produced. Safe to share.
type EvidenceBundle struct {
	ID                 string            `json:"id"`
	LinkedResourceID   string            `json:"linkedResourceId"`
	Kind               string            `json:"kind"` // "review" or "drift"
	Inputs             EvidenceInputs    `json:"inputs"`
	RulesFired         []string          `json:"rulesFired"`
	DeterministicScore int               `json:"deterministicScore"`
	PolicyChecksum     string            `json:"policyChecksum"`
	ToolVersions       map[string]string `json:"toolVersions,omitempty"`
	TimingsMS          map[string]int64  `json:"timingsMs,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	Digest             string            `json:"digest,omitempty"`
}

// PolicySnapshot is the minimal pack identity embedded in an export so the
// export is interpretable without store access.
type PolicySnapshot struct {
	PackID   string `json:"packId,omitempty"`
	Version  int    `json:"version,omitempty"`
	Checksum string `json:"checksum"`
	Source   string `json:"source,omitempty"` // "pack" or "tier-default"
}

// EvidenceExport is the stable external representation of a bundle.
type EvidenceExport struct {
	SchemaVersion string          `json:"schemaVersion"`
	Bundle        *EvidenceBundle `json:"bundle"`
	Policy        *PolicySnapshot `json:"policy,omitempty"`
	ExportedAt    time.Time       `json:"exportedAt"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the domain types shared by the ReadyLayer review
// engine: findings, change requests, decisions, and evidence bundles.
//
// # Description
//
// Types in this package are closed structs with explicit fields. Analyzer
// output crosses into the engine only through these types, and only after
// boundary validation (see validate.go). Nothing here performs I/O.
//
// # Thread Safety
//
// All types are plain values. Treat Finding and EvidenceBundle as immutable
// once constructed; the engine never mutates them after ingestion.
package datatypes

import (
	"sort"
	"strings"
)

// Severity classifies how dangerous a finding is.
//
// Description:
//
//	Severity drives both the blocking decision (via policy rule actions)
//	and the deterministic score penalty. The set is closed; anything else
//	is rejected at the analyzer boundary.
//
// Thread Safety:
//
//	Severity is an immutable value type, safe for concurrent use.
type Severity string

const (
	// SeverityCritical marks findings that are exploitable or corrupting.
	SeverityCritical Severity = "critical"

	// SeverityHigh marks findings with serious but conditional impact.
	SeverityHigh Severity = "high"

	// SeverityMedium marks findings worth fixing before merge.
	SeverityMedium Severity = "medium"

	// SeverityLow marks style-adjacent or informational findings.
	SeverityLow Severity = "low"
)

// severityRank orders severities from most to least severe.
// Lower rank is more severe.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordering index of the severity (0 = critical).
// Unknown severities rank after all known ones.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() <= min.Rank()
}

// ParseSeverity converts a string to a Severity, case-insensitively.
//
// Outputs:
//
//	Severity - The parsed severity.
//	bool - False when the input names no known severity.
func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Severities returns all known severities ordered from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// Action is what a policy rule tells the evaluator to do with a finding.
type Action string

const (
	// ActionBlock fails the review when a matching finding survives waivers.
	ActionBlock Action = "block"

	// ActionWarn records the finding without failing the review.
	ActionWarn Action = "warn"

	// ActionAllow suppresses any effect beyond the score penalty.
	ActionAllow Action = "allow"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionWarn, ActionAllow:
		return true
	}
	return false
}

// Finding is a single issue an analyzer raised against a change.
//
// Description:
//
//	Findings are produced by static, AI, or schema analyzers and are the
//	only analyzer output the evaluator sees. A finding is immutable after
//	boundary validation. Confidence is the analyzer's own estimate in
//	[0,1]; the evaluator does not weight by it, but evidence preserves it.
//
// Thread Safety:
//
//	Immutable after construction. Safe to share across goroutines.
type Finding struct {
	RuleID     string   `json:"ruleId" validate:"required,max=256"`
	Severity   Severity `json:"severity" validate:"required,severity"`
	File       string   `json:"file" validate:"required,max=4096"`
	Line       int      `json:"line" validate:"gte=0"`
	Column     int      `json:"column,omitempty" validate:"gte=0"`
	Message    string   `json:"message" validate:"required,maxbytes"`
	Fix        string   `json:"fix,omitempty" validate:"omitempty,maxbytes"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// SortFindings stable-sorts a copy of findings by (File, Line, RuleID).
//
// Description:
//
//	This is the engine's hard ordering contract. Every consumer that cares
//	about "first" (notably the blocking reason) operates on this order, so
//	collection-time interleaving can never change a decision. The input
//	slice is not mutated.
func SortFindings(findings []Finding) []Finding {
	out := make([]Finding, len(findings))
	copy(out, findings)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// CountBySeverity tallies findings per severity.
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(severityRank))
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

// FileStatus describes how a change touched a file.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileDeleted  FileStatus = "deleted"
)

// ChangedFile is one file of a proposed change, with its post-change content.
//
// Description:
//
//	PrevContent is optional and only populated when the caller has the
//	pre-image available (schema reconciliation uses it). Content is empty
//	for deletions.
type ChangedFile struct {
	Path        string     `json:"path" validate:"required,max=4096"`
	Status      FileStatus `json:"status,omitempty"`
	Content     string     `json:"content,omitempty"`
	PrevContent string     `json:"prevContent,omitempty"`
}

// RepoContext is the slice of repository state an AI analyzer may see.
//
// Description:
//
//	Deliberately small: org/repo identity, the ref under review, and the
//	paths touched. No repository contents beyond the file being analyzed
//	cross this boundary.
type RepoContext struct {
	OrgID     string   `json:"orgId"`
	RepoID    string   `json:"repoId"`
	ChangeRef string   `json:"changeRef"`
	Branch    string   `json:"branch,omitempty"`
	FilePaths []string `json:"filePaths,omitempty"`
}

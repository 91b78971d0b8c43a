// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluate computes the deterministic decision for one finding set
// under one effective policy.
//
// # Description
//
// Evaluate is a pure function: no I/O, no clock, no randomness, input never
// mutated. Identical findings and policy produce a bit-identical Result, and
// the engine's audit story rests on that property.
//
// # Thread Safety
//
// Everything here is stateless. Safe for concurrent use.
package evaluate

import (
	"sort"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
)

// severityPenalty is the fixed score deduction per non-waived finding.
var severityPenalty = map[datatypes.Severity]int{
	datatypes.SeverityCritical: 20,
	datatypes.SeverityHigh:     10,
	datatypes.SeverityMedium:   5,
	datatypes.SeverityLow:      2,
}

// Result is the decision for one evaluation.
//
// Description:
//
//	Score starts at 100 and deducts per non-waived finding, clamped to
//	[0,100]. RulesFired is the sorted distinct rule IDs of non-waived
//	findings. BlockingReason names the FIRST finding, in (file, line,
//	ruleId) order, whose resolved action was block; it is first-wins, not
//	worst-severity-wins.
type Result struct {
	Blocked        bool                      `json:"blocked"`
	Score          int                       `json:"score"`
	RulesFired     []string                  `json:"rulesFired"`
	Waived         []datatypes.Finding       `json:"waived,omitempty"`
	NonWaived      []datatypes.Finding       `json:"nonWaived,omitempty"`
	BlockingReason *datatypes.BlockingReason `json:"blockingReason,omitempty"`
}

// Evaluate applies the effective policy to a finding set.
//
// Description:
//
//	Findings are first normalized into (file, line, ruleId) order; this
//	sort is the ordering contract that makes the blocking reason stable
//	across any collection interleaving. Waiver matching partitions the
//	set, then each surviving finding resolves its action: the exact rule,
//	else the pack wildcard, else the built-in conservative default
//	(critical and high block, medium warns, low allows). Disabled rules
//	fall through to the next candidate.
//
// Inputs:
//
//	findings - The merged analyzer output. Not mutated. May be empty.
//	pol - The effective policy. A nil policy evaluates with no rules and
//	      no waivers, which leaves only the built-in defaults.
//
// Outputs:
//
//	Result - The deterministic decision.
func Evaluate(findings []datatypes.Finding, pol *policy.EffectivePolicy) Result {
	if pol == nil {
		pol = &policy.EffectivePolicy{}
	}

	sorted := datatypes.SortFindings(findings)

	res := Result{Score: 100, RulesFired: []string{}}
	firedSet := make(map[string]bool)

	for _, f := range sorted {
		if waived(&f, pol) {
			res.Waived = append(res.Waived, f)
			continue
		}
		res.NonWaived = append(res.NonWaived, f)

		res.Score -= severityPenalty[f.Severity]

		if !firedSet[f.RuleID] {
			firedSet[f.RuleID] = true
			res.RulesFired = append(res.RulesFired, f.RuleID)
		}

		if resolveAction(pol, f.RuleID, f.Severity) == datatypes.ActionBlock && res.BlockingReason == nil {
			res.Blocked = true
			res.BlockingReason = &datatypes.BlockingReason{
				RuleID:  f.RuleID,
				File:    f.File,
				Line:    f.Line,
				Message: f.Message,
			}
		}
	}

	if res.Score < 0 {
		res.Score = 0
	}
	if res.Score > 100 {
		res.Score = 100
	}
	sort.Strings(res.RulesFired)

	return res
}

// waived reports whether any policy waiver suppresses the finding.
func waived(f *datatypes.Finding, pol *policy.EffectivePolicy) bool {
	for i := range pol.Waivers {
		if pol.Waivers[i].Matches(f.RuleID, pol.Ref, f.File) {
			return true
		}
	}
	return false
}

// resolveAction walks exact rule, wildcard, then built-in default.
func resolveAction(pol *policy.EffectivePolicy, ruleID string, sev datatypes.Severity) datatypes.Action {
	if r, ok := pol.Rule(ruleID); ok && r.IsEnabled() {
		if a, ok := r.ActionFor(sev); ok {
			return a
		}
	}
	if r, ok := pol.Rule(policy.WildcardRuleID); ok && r.IsEnabled() {
		if a, ok := r.ActionFor(sev); ok {
			return a
		}
	}
	return builtinDefault(sev)
}

// builtinDefault is the conservative floor when no pack rule speaks.
// Unknown severities should never reach this point; blocking them is the
// safe answer if one does.
func builtinDefault(sev datatypes.Severity) datatypes.Action {
	switch sev {
	case datatypes.SeverityCritical, datatypes.SeverityHigh:
		return datatypes.ActionBlock
	case datatypes.SeverityMedium:
		return datatypes.ActionWarn
	case datatypes.SeverityLow:
		return datatypes.ActionAllow
	default:
		return datatypes.ActionBlock
	}
}

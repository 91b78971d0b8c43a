// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzers ships the built-in finding producers: the pattern
// scanner, the AI reviewer, and the schema reconciler.
//
// # Description
//
// Analyzers are collaborators of the review pipeline, not part of its
// decision core. Each one emits datatypes.Finding values and nothing else;
// the pipeline validates every batch at the boundary before it counts.
package analyzers

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// PatternVersion is reported in evidence tool versions and bumps whenever
// the embedded rule set or scanning behavior changes.
const PatternVersion = "1.3.0"

// ErrInvalidRules indicates a rule source that failed parsing or validation.
var ErrInvalidRules = errors.New("invalid pattern rules")

// defaultRulesYAML is baked into the binary so the stock rule set is
// immutable at runtime and travels with the executable.
//
//go:embed default_rules.yaml
var defaultRulesYAML []byte

// PatternRule is one regex detection rule.
type PatternRule struct {
	ID          string             `yaml:"id"`
	Description string             `yaml:"description"`
	Severity    datatypes.Severity `yaml:"severity"`
	Regex       string             `yaml:"regex"`
	Fix         string             `yaml:"fix,omitempty"`
	Confidence  float64            `yaml:"confidence"`

	compiled *regexp.Regexp
}

type patternRuleFile struct {
	Rules []PatternRule `yaml:"rules"`
}

// PatternAnalyzer scans file content line by line against compiled rules.
//
// Description:
//
//	Rules are compiled once at construction; Analyze then runs pure regex
//	matching with no allocation beyond the findings. A finding's line
//	number is 1-based within the content the caller supplied.
//
// Thread Safety:
//
//	Safe for concurrent use after construction.
type PatternAnalyzer struct {
	rules []PatternRule
}

// NewPatternAnalyzer builds the analyzer from the embedded default rules.
func NewPatternAnalyzer() (*PatternAnalyzer, error) {
	return NewPatternAnalyzerFromRules(defaultRulesYAML)
}

// NewPatternAnalyzerFromRules builds the analyzer from YAML rule source.
//
// Inputs:
//
//	source - YAML with a top-level rules list. Every rule needs an id, a
//	         known severity, a compilable regex, and confidence in [0,1].
//
// Outputs:
//
//	*PatternAnalyzer - Ready to scan.
//	error - Wraps ErrInvalidRules naming the offending rule.
func NewPatternAnalyzerFromRules(source []byte) (*PatternAnalyzer, error) {
	var rf patternRuleFile
	if err := yaml.Unmarshal(source, &rf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules defined", ErrInvalidRules)
	}

	seen := make(map[string]bool, len(rf.Rules))
	for i := range rf.Rules {
		r := &rf.Rules[i]
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", ErrInvalidRules, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRules, r.ID)
		}
		seen[r.ID] = true
		if !r.Severity.Valid() {
			return nil, fmt.Errorf("%w: rule %q: unknown severity %q", ErrInvalidRules, r.ID, r.Severity)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("%w: rule %q: confidence %v outside [0,1]", ErrInvalidRules, r.ID, r.Confidence)
		}
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRules, r.ID, err)
		}
		r.compiled = re
	}

	return &PatternAnalyzer{rules: rf.Rules}, nil
}

// Name identifies the analyzer in evidence tool versions.
func (a *PatternAnalyzer) Name() string { return "pattern-scan" }

// Version reports the rule set version.
func (a *PatternAnalyzer) Version() string { return PatternVersion }

// RuleCount returns how many rules are loaded. Used by the CLI.
func (a *PatternAnalyzer) RuleCount() int { return len(a.rules) }

// Analyze scans content and returns a finding per rule match per line.
//
// Inputs:
//
//	ctx - Checked between lines; scanning aborts on cancellation.
//	path - Recorded as the finding file.
//	content - The text to scan. Line numbers are 1-based within it.
//
// Outputs:
//
//	[]datatypes.Finding - All matches, in line order.
//	error - Only on cancellation.
func (a *PatternAnalyzer) Analyze(ctx context.Context, path string, content []byte) ([]datatypes.Finding, error) {
	var findings []datatypes.Finding

	lines := strings.Split(string(content), "\n")
	for lineNum, line := range lines {
		if lineNum%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for i := range a.rules {
			rule := &a.rules[i]
			loc := rule.compiled.FindStringIndex(line)
			if loc == nil {
				continue
			}
			findings = append(findings, datatypes.Finding{
				RuleID:     rule.ID,
				Severity:   rule.Severity,
				File:       path,
				Line:       lineNum + 1,
				Column:     loc[0] + 1,
				Message:    rule.Description,
				Fix:        rule.Fix,
				Confidence: rule.Confidence,
			})
		}
	}
	return findings, nil
}

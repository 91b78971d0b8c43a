// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy holds policy packs, waivers, and the resolver that merges
// them into the effective policy for one change.
//
// # Description
//
// Packs are authored as YAML, parsed once, and pinned by a sha256 checksum of
// their source text. The resolver walks repo-scoped pack, then org-scoped
// pack, then a tier-synthesized default, and attaches the active waivers.
// The resulting EffectivePolicy is request-scoped and never persisted.
//
// # Thread Safety
//
// Parsed packs and waivers are immutable. The Resolver is safe for
// concurrent use.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

var (
	// ErrNilStore indicates the resolver was built without a store.
	ErrNilStore = errors.New("policy store cannot be nil")

	// ErrInvalidPack indicates pack source that failed parsing or
	// validation. Wrapped errors carry the detail.
	ErrInvalidPack = errors.New("invalid policy pack")

	// ErrChecksumMismatch indicates a stored pack whose source no longer
	// hashes to its recorded checksum.
	ErrChecksumMismatch = errors.New("policy pack checksum mismatch")
)

// Checksum returns the canonical sha256 hex digest used to pin pack sources.
func Checksum(source []byte) string {
	h := sha256.Sum256(source)
	return hex.EncodeToString(h[:])
}

// PolicyRule maps finding severities to actions for one rule ID.
//
// Description:
//
//	RuleID "*" is the pack's wildcard fallback. A disabled rule does not
//	mask findings; resolution falls through to the next candidate.
type PolicyRule struct {
	RuleID     string                                  `json:"ruleId" yaml:"ruleId"`
	Severities map[datatypes.Severity]datatypes.Action `json:"severities" yaml:"severities"`
	Enabled    *bool                                   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Params     map[string]any                          `json:"params,omitempty" yaml:"params,omitempty"`
}

// IsEnabled reports whether the rule participates in resolution.
// Rules are enabled unless explicitly disabled.
func (r *PolicyRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ActionFor returns the rule's action for a severity, if it defines one.
func (r *PolicyRule) ActionFor(sev datatypes.Severity) (datatypes.Action, bool) {
	a, ok := r.Severities[sev]
	return a, ok
}

// WildcardRuleID matches any finding rule during resolution fallback.
const WildcardRuleID = "*"

// PolicyPack is one versioned, checksum-pinned set of rules.
//
// Description:
//
//	RepoID is empty for org-wide packs. Checksum is the sha256 of
//	SourceText, computed at parse time and recomputed (never trusted)
//	when a pack is read back from storage. Packs are append-only: a new
//	version is a new pack, existing packs never change.
type PolicyPack struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"orgId"`
	RepoID     string       `json:"repoId,omitempty"`
	Version    int          `json:"version"`
	SourceText string       `json:"sourceText"`
	Checksum   string       `json:"checksum"`
	Rules      []PolicyRule `json:"rules"`
}

// VerifyChecksum recomputes the source hash and compares it to the recorded
// checksum. Storage adapters call this on every read.
func (p *PolicyPack) VerifyChecksum() error {
	got := Checksum([]byte(p.SourceText))
	if got != p.Checksum {
		return fmt.Errorf("%w: pack %s: recorded %s, computed %s",
			ErrChecksumMismatch, p.ID, p.Checksum, got)
	}
	return nil
}

// packFile is the YAML shape of an authored pack.
type packFile struct {
	ID      string       `yaml:"id"`
	Version int          `yaml:"version"`
	Rules   []PolicyRule `yaml:"rules"`
}

// ParsePack parses YAML pack source and pins its checksum.
//
// Description:
//
//	Validation is strict: every rule needs a rule ID and at least one
//	severity entry, severities and actions must come from their closed
//	sets, and duplicate rule IDs are rejected. The raw source is retained
//	verbatim so the checksum is reproducible byte-for-byte.
//
// Inputs:
//
//	orgID - Owning organization. Required.
//	repoID - Owning repository, or empty for an org-wide pack.
//	source - Raw YAML bytes.
//
// Outputs:
//
//	*PolicyPack - The parsed, checksum-pinned pack.
//	error - Wraps ErrInvalidPack on any structural problem.
func ParsePack(orgID, repoID string, source []byte) (*PolicyPack, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidPack)
	}

	var pf packFile
	if err := yaml.Unmarshal(source, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	if len(pf.Rules) == 0 {
		return nil, fmt.Errorf("%w: pack defines no rules", ErrInvalidPack)
	}

	seen := make(map[string]bool, len(pf.Rules))
	for i := range pf.Rules {
		r := &pf.Rules[i]
		if strings.TrimSpace(r.RuleID) == "" {
			return nil, fmt.Errorf("%w: rule %d has no ruleId", ErrInvalidPack, i)
		}
		if seen[r.RuleID] {
			return nil, fmt.Errorf("%w: duplicate ruleId %q", ErrInvalidPack, r.RuleID)
		}
		seen[r.RuleID] = true
		if len(r.Severities) == 0 {
			return nil, fmt.Errorf("%w: rule %q maps no severities", ErrInvalidPack, r.RuleID)
		}
		for sev, act := range r.Severities {
			if !sev.Valid() {
				return nil, fmt.Errorf("%w: rule %q: unknown severity %q", ErrInvalidPack, r.RuleID, sev)
			}
			if !act.Valid() {
				return nil, fmt.Errorf("%w: rule %q: unknown action %q", ErrInvalidPack, r.RuleID, act)
			}
		}
	}

	id := pf.ID
	if id == "" {
		id = orgID
		if repoID != "" {
			id = orgID + "/" + repoID
		}
	}

	return &PolicyPack{
		ID:         id,
		OrgID:      orgID,
		RepoID:     repoID,
		Version:    pf.Version,
		SourceText: string(source),
		Checksum:   Checksum(source),
		Rules:      pf.Rules,
	}, nil
}

// Scope limits where a waiver applies.
type Scope string

const (
	// ScopeRepo waives the rule everywhere in the repository.
	ScopeRepo Scope = "repo"

	// ScopeBranch waives the rule only on one branch.
	ScopeBranch Scope = "branch"

	// ScopePath waives the rule for files matching a glob.
	ScopePath Scope = "path"
)

// Valid reports whether s names a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeRepo, ScopeBranch, ScopePath:
		return true
	}
	return false
}

// Waiver suppresses one rule within a scope, until it expires.
//
// Description:
//
//	Expiry is enforced by the store query (LoadActiveWaivers takes the
//	evaluation time); downstream code treats the waivers it receives as
//	active. Branch-scoped waivers only match when the review carried
//	branch context: with no branch on the request, the waiver does not
//	suppress. Suppressing less is the safe direction.
type Waiver struct {
	ID         string     `json:"id" yaml:"id"`
	RuleID     string     `json:"ruleId" yaml:"ruleId"`
	Scope      Scope      `json:"scope" yaml:"scope"`
	ScopeValue string     `json:"scopeValue,omitempty" yaml:"scopeValue,omitempty"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`

	glob *regexp.Regexp
}

// Active reports whether the waiver is unexpired at the given time.
func (w *Waiver) Active(now time.Time) bool {
	return w.ExpiresAt == nil || w.ExpiresAt.After(now)
}

// Compile pre-builds the path glob so matching never compiles per finding.
// Safe to skip; Matches falls back to compiling on demand.
func (w *Waiver) Compile() error {
	if w.Scope != ScopePath || w.ScopeValue == "" {
		return nil
	}
	re, err := globRegexp(w.ScopeValue)
	if err != nil {
		return fmt.Errorf("waiver %s: bad path pattern %q: %w", w.ID, w.ScopeValue, err)
	}
	w.glob = re
	return nil
}

// Matches reports whether the waiver suppresses a finding with the given
// rule ID and file, under the resolution ref.
func (w *Waiver) Matches(ruleID string, ref Ref, file string) bool {
	if w.RuleID != ruleID {
		return false
	}
	switch w.Scope {
	case ScopeRepo:
		return true
	case ScopeBranch:
		return w.ScopeValue != "" && ref.Branch != "" && w.ScopeValue == ref.Branch
	case ScopePath:
		if w.ScopeValue == "" {
			return false
		}
		re := w.glob
		if re == nil {
			var err error
			re, err = globRegexp(w.ScopeValue)
			if err != nil {
				return false
			}
		}
		return re.MatchString(file)
	default:
		return false
	}
}

// globRegexp converts a waiver path pattern to an anchored regexp.
// `*` matches any run of non-separator characters; `**` is not special,
// two adjacent runs collapse into one.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString("[^/]*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Ref is the identity the policy was resolved for. Branch may be empty when
// the caller had no branch context.
type Ref struct {
	OrgID  string `json:"orgId"`
	RepoID string `json:"repoId"`
	Branch string `json:"branch,omitempty"`
}

// EffectivePolicy is the merged policy for one evaluation.
//
// Description:
//
//	Ephemeral and request-scoped: recomputed on every review, never
//	persisted. Rules is keyed by rule ID and includes the wildcard entry
//	when the pack defines one. Source records whether the pack came from
//	storage or was synthesized from the org's tier.
//
// Thread Safety:
//
//	Immutable after resolution. Safe to share.
type EffectivePolicy struct {
	Pack    *PolicyPack
	Source  string // "pack" or "tier-default"
	Rules   map[string]PolicyRule
	Waivers []Waiver
	Ref     Ref
}

// Rule returns the pack rule for a rule ID, when one exists.
func (p *EffectivePolicy) Rule(ruleID string) (PolicyRule, bool) {
	r, ok := p.Rules[ruleID]
	return r, ok
}

// Snapshot reduces the policy to the identity embedded in evidence exports.
func (p *EffectivePolicy) Snapshot() *datatypes.PolicySnapshot {
	s := &datatypes.PolicySnapshot{Source: p.Source}
	if p.Pack != nil {
		s.PackID = p.Pack.ID
		s.Version = p.Pack.Version
		s.Checksum = p.Pack.Checksum
	}
	return s
}

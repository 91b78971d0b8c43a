// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"strings"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// tierActions is the blocking table synthesized when an org has no pack.
// basic blocks only critical; moderate adds high; maximum adds medium.
var tierActions = map[datatypes.Tier]map[datatypes.Severity]datatypes.Action{
	datatypes.TierBasic: {
		datatypes.SeverityCritical: datatypes.ActionBlock,
		datatypes.SeverityHigh:     datatypes.ActionWarn,
		datatypes.SeverityMedium:   datatypes.ActionWarn,
		datatypes.SeverityLow:      datatypes.ActionAllow,
	},
	datatypes.TierModerate: {
		datatypes.SeverityCritical: datatypes.ActionBlock,
		datatypes.SeverityHigh:     datatypes.ActionBlock,
		datatypes.SeverityMedium:   datatypes.ActionWarn,
		datatypes.SeverityLow:      datatypes.ActionAllow,
	},
	datatypes.TierMaximum: {
		datatypes.SeverityCritical: datatypes.ActionBlock,
		datatypes.SeverityHigh:     datatypes.ActionBlock,
		datatypes.SeverityMedium:   datatypes.ActionBlock,
		datatypes.SeverityLow:      datatypes.ActionWarn,
	},
}

// TierDefaultPack synthesizes the fallback pack for an enforcement tier.
//
// Description:
//
//	A pure function of the tier: no clock, no randomness, no org state.
//	The source text is rendered in a fixed severity order, so two orgs on
//	the same tier pin the identical checksum. Unknown or empty tiers
//	resolve to basic.
//
// Inputs:
//
//	orgID - Recorded on the pack for audit; not part of the checksum.
//	repoID - Recorded on the pack; not part of the checksum.
//	tier - The org's enforcement tier.
//
// Outputs:
//
//	*PolicyPack - A single-wildcard-rule pack with Source "tier-default".
func TierDefaultPack(orgID, repoID string, tier datatypes.Tier) *PolicyPack {
	if !tier.Valid() {
		tier = datatypes.TierBasic
	}
	actions := tierActions[tier]

	var b strings.Builder
	fmt.Fprintf(&b, "id: tier-default-%s\nversion: 0\nrules:\n", tier)
	fmt.Fprintf(&b, "  - ruleId: \"%s\"\n    severities:\n", WildcardRuleID)
	for _, sev := range datatypes.Severities() {
		fmt.Fprintf(&b, "      %s: %s\n", sev, actions[sev])
	}
	source := b.String()

	severities := make(map[datatypes.Severity]datatypes.Action, len(actions))
	for sev, act := range actions {
		severities[sev] = act
	}

	return &PolicyPack{
		ID:         fmt.Sprintf("tier-default-%s", tier),
		OrgID:      orgID,
		RepoID:     repoID,
		Version:    0,
		SourceText: source,
		Checksum:   Checksum([]byte(source)),
		Rules: []PolicyRule{{
			RuleID:     WildcardRuleID,
			Severities: severities,
		}},
	}
}

// TierAction returns the table action for a tier and severity. Used by
// tests and the policy show command to display effective behavior.
func TierAction(tier datatypes.Tier, sev datatypes.Severity) datatypes.Action {
	if !tier.Valid() {
		tier = datatypes.TierBasic
	}
	return tierActions[tier][sev]
}

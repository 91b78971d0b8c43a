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
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxFindingMessageBytes bounds analyzer-supplied text fields. Anything
// larger is hostile or broken output, not a finding.
const MaxFindingMessageBytes = 16 * 1024

var findingValidate *validator.Validate

func init() {
	findingValidate = validator.New()
	_ = findingValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = findingValidate.RegisterValidation("severity", validateSeverity)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxFindingMessageBytes
}

func validateSeverity(fl validator.FieldLevel) bool {
	return Severity(fl.Field().String()).Valid()
}

// Validate checks one finding against the boundary rules.
//
// Description:
//
//	Applied to every finding an analyzer emits, before the finding enters
//	the pipeline. Unknown severities, missing required fields, confidence
//	outside [0,1], and oversized text all fail. The returned error wraps
//	ErrInvalidFinding.
func (f *Finding) Validate() error {
	if err := findingValidate.Struct(f); err != nil {
		return fmt.Errorf("%w: rule %q: %v", ErrInvalidFinding, f.RuleID, err)
	}
	return nil
}

// ValidateFindings rejects an analyzer batch if any finding is malformed.
//
// Description:
//
//	One malformed finding fails the whole batch, and the orchestrator
//	treats that as an analyzer failure. Malformed output blocks the
//	attempt; it is never silently dropped.
//
// Inputs:
//
//	findings - The batch to validate. May be empty.
//
// Outputs:
//
//	error - Non-nil if any finding fails validation, naming its index.
func ValidateFindings(findings []Finding) error {
	for i := range findings {
		if err := findings[i].Validate(); err != nil {
			return fmt.Errorf("finding %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks a review request at the API boundary.
func (r *ReviewRequest) Validate() error {
	if r == nil {
		return ErrNilRequest
	}
	if err := findingValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Tier != "" && !r.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, r.Tier)
	}
	return nil
}

// Validate checks a drift request at the API boundary.
func (r *DriftRequest) Validate() error {
	if r == nil {
		return ErrNilRequest
	}
	if err := findingValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Tier != "" && !r.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, r.Tier)
	}
	return nil
}

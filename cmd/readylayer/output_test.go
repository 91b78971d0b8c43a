// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

func passedResult() *datatypes.ReviewResult {
	started := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	return &datatypes.ReviewResult{
		ID:             "res-1",
		OrgID:          "acme",
		RepoID:         "api",
		ChangeRef:      "pr-42",
		Kind:           "review",
		Status:         datatypes.StatusCompleted,
		Score:          92,
		SeverityCounts: map[datatypes.Severity]int{datatypes.SeverityLow: 2},
		EvidenceID:     "ev-1",
		PolicyChecksum: "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899",
		StartedAt:      started,
		FinishedAt:     started.Add(1200 * time.Millisecond),
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name   string
		status datatypes.ReviewStatus
		block  bool
		want   int
	}{
		{name: "completed pass", status: datatypes.StatusCompleted, want: exitPass},
		{name: "completed but blocked", status: datatypes.StatusCompleted, block: true, want: exitBlocked},
		{name: "blocked", status: datatypes.StatusBlocked, block: true, want: exitBlocked},
		{name: "failed reports blocked", status: datatypes.StatusFailed, block: true, want: exitBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &datatypes.ReviewResult{Status: tt.status, Blocked: tt.block}
			if got := exitCodeFor(res); got != tt.want {
				t.Errorf("exitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRenderResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := renderResult(&buf, passedResult(), "json"); err != nil {
		t.Fatalf("renderResult() error = %v", err)
	}

	var decoded datatypes.ReviewResult
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	if decoded.ID != "res-1" || decoded.Score != 92 {
		t.Errorf("Decoded result = %+v", decoded)
	}
}

func TestRenderResult_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := renderResult(&buf, passedResult(), "xml")
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("renderResult() error = %v, want unknown format", err)
	}
}

func TestRenderText_Passed(t *testing.T) {
	var buf bytes.Buffer
	if err := renderResult(&buf, passedResult(), "text"); err != nil {
		t.Fatalf("renderResult() error = %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "PASSED") {
		t.Errorf("Output missing PASSED verdict:\n%s", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("Non-terminal writer should have no ANSI codes:\n%s", out)
	}
	if !strings.Contains(out, "acme/api pr-42") {
		t.Errorf("Output missing change identity:\n%s", out)
	}
	if !strings.Contains(out, "92/100") {
		t.Errorf("Output missing score:\n%s", out)
	}
	if !strings.Contains(out, "2 low") {
		t.Errorf("Output missing findings summary:\n%s", out)
	}
	if !strings.Contains(out, "res-1") {
		t.Errorf("Output missing result ID:\n%s", out)
	}
	if !strings.Contains(out, "ev-1") {
		t.Errorf("Output missing evidence ID:\n%s", out)
	}
	if !strings.Contains(out, "aabbccddeeff") || strings.Contains(out, "aabbccddeeff0011") {
		t.Errorf("Checksum should be truncated to 12 chars:\n%s", out)
	}
	if !strings.Contains(out, "1.2s") {
		t.Errorf("Output missing duration:\n%s", out)
	}
}

func TestRenderText_Blocked(t *testing.T) {
	res := passedResult()
	res.Status = datatypes.StatusBlocked
	res.Blocked = true
	res.Score = 41
	res.SeverityCounts = map[datatypes.Severity]int{
		datatypes.SeverityCritical: 1,
		datatypes.SeverityMedium:   3,
	}
	res.WaivedCount = 2
	res.BlockingReason = &datatypes.BlockingReason{
		RuleID:  "SEC-004",
		File:    "legacy/auth.go",
		Line:    42,
		Message: "hardcoded credential",
	}

	var buf bytes.Buffer
	if err := renderResult(&buf, res, "text"); err != nil {
		t.Fatalf("renderResult() error = %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "BLOCKED") {
		t.Errorf("Output missing BLOCKED verdict:\n%s", out)
	}
	if !strings.Contains(out, "SEC-004 at legacy/auth.go:42") {
		t.Errorf("Output missing blocking reason:\n%s", out)
	}
	if !strings.Contains(out, "hardcoded credential") {
		t.Errorf("Output missing blocking message:\n%s", out)
	}
	if !strings.Contains(out, "1 critical, 3 medium (2 waived)") {
		t.Errorf("Findings summary wrong:\n%s", out)
	}
}

func TestRenderText_Failed(t *testing.T) {
	res := passedResult()
	res.Status = datatypes.StatusFailed
	res.Blocked = true
	res.FailureKind = datatypes.FailureAnalyzer
	res.Error = "static analyzer timed out"
	res.Remediation = "Retry the review; static analysis exceeded its deadline."

	var buf bytes.Buffer
	if err := renderResult(&buf, res, "text"); err != nil {
		t.Fatalf("renderResult() error = %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "FAILED") {
		t.Errorf("Output missing FAILED verdict:\n%s", out)
	}
	if !strings.Contains(out, "analyzer_error") {
		t.Errorf("Output missing failure kind:\n%s", out)
	}
	if !strings.Contains(out, "Retry the review") {
		t.Errorf("Output missing remediation:\n%s", out)
	}
}

func TestVerdictLine_Color(t *testing.T) {
	res := passedResult()

	plain := verdictLine(res, false)
	if plain != "PASSED" {
		t.Errorf("verdictLine(color=false) = %q, want PASSED", plain)
	}

	colored := verdictLine(res, true)
	if !strings.Contains(colored, ansiGreen) || !strings.Contains(colored, ansiReset) {
		t.Errorf("verdictLine(color=true) = %q, want green ANSI", colored)
	}
}

func TestFindingsSummary(t *testing.T) {
	tests := []struct {
		name   string
		counts map[datatypes.Severity]int
		waived int
		want   string
	}{
		{name: "empty", want: "none"},
		{
			name:   "ordered most severe first",
			counts: map[datatypes.Severity]int{datatypes.SeverityLow: 5, datatypes.SeverityCritical: 1},
			want:   "1 critical, 5 low",
		},
		{
			name:   "waived only",
			waived: 3,
			want:   "none (3 waived)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &datatypes.ReviewResult{SeverityCounts: tt.counts, WaivedCount: tt.waived}
			if got := findingsSummary(res); got != tt.want {
				t.Errorf("findingsSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShortChecksum(t *testing.T) {
	if got := shortChecksum("aabbccddeeff00112233"); got != "aabbccddeeff" {
		t.Errorf("shortChecksum() = %q, want 12 chars", got)
	}
	if got := shortChecksum("abc"); got != "abc" {
		t.Errorf("shortChecksum(short) = %q, want unchanged", got)
	}
}

func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	if colorEnabled(&buf) {
		t.Error("colorEnabled(bytes.Buffer) = true, want false")
	}

	t.Setenv("NO_COLOR", "1")
	if colorEnabled(&buf) {
		t.Error("colorEnabled with NO_COLOR = true, want false")
	}
}

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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

// exitCodeFor maps a terminal result to the CLI exit code. Failed
// attempts report blocked, so they exit 1 like any other block.
func exitCodeFor(res *datatypes.ReviewResult) int {
	if res.Passed() {
		return exitPass
	}
	return exitBlocked
}

// checkFormat rejects unknown output formats before any work runs.
func checkFormat(format string) error {
	switch format {
	case "text", "json", "":
		return nil
	default:
		return fmt.Errorf("unknown format %q (valid: text, json)", format)
	}
}

// renderResult writes a terminal result in the requested format.
func renderResult(w io.Writer, res *datatypes.ReviewResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "text", "":
		renderText(w, res, colorEnabled(w))
		return nil
	default:
		return fmt.Errorf("unknown format %q (valid: text, json)", format)
	}
}

func renderText(w io.Writer, res *datatypes.ReviewResult, color bool) {
	fmt.Fprintln(w, verdictLine(res, color))
	fmt.Fprintf(w, "  Change:   %s/%s %s\n", res.OrgID, res.RepoID, res.ChangeRef)
	fmt.Fprintf(w, "  Score:    %d/100\n", res.Score)
	fmt.Fprintf(w, "  Findings: %s\n", findingsSummary(res))
	if res.BlockingReason != nil {
		br := res.BlockingReason
		fmt.Fprintf(w, "  Blocked by: %s at %s:%d\n", br.RuleID, br.File, br.Line)
		if br.Message != "" {
			fmt.Fprintf(w, "              %s\n", br.Message)
		}
	}
	if res.FailureKind != datatypes.FailureNone {
		fmt.Fprintf(w, "  Failure:  %s: %s\n", res.FailureKind, res.Error)
		if res.Remediation != "" {
			fmt.Fprintf(w, "  Try:      %s\n", res.Remediation)
		}
	}
	fmt.Fprintf(w, "  Result:   %s\n", res.ID)
	if res.EvidenceID != "" {
		fmt.Fprintf(w, "  Evidence: %s\n", res.EvidenceID)
	}
	if res.PolicyChecksum != "" {
		fmt.Fprintf(w, "  Policy:   %s\n", shortChecksum(res.PolicyChecksum))
	}
	fmt.Fprintf(w, "  Duration: %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

func verdictLine(res *datatypes.ReviewResult, color bool) string {
	var word, tint string
	switch {
	case res.Passed():
		word, tint = "PASSED", ansiGreen
	case res.Status == datatypes.StatusFailed:
		word, tint = "FAILED", ansiYellow
	default:
		word, tint = "BLOCKED", ansiRed
	}
	if color {
		return ansiBold + tint + word + ansiReset
	}
	return word
}

// findingsSummary formats severity counts from most to least severe,
// for example "1 critical, 3 medium (2 waived)".
func findingsSummary(res *datatypes.ReviewResult) string {
	var parts []string
	for _, sev := range datatypes.Severities() {
		if n := res.SeverityCounts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	s := "none"
	if len(parts) > 0 {
		s = strings.Join(parts, ", ")
	}
	if res.WaivedCount > 0 {
		s += fmt.Sprintf(" (%d waived)", res.WaivedCount)
	}
	return s
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// colorEnabled reports whether w is a terminal that wants ANSI color.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

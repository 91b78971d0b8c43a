// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const strictPack = `id: e2e-strict
rules:
  - ruleId: debug-logging
    severities:
      low: block
`

// TestPolicy_PublishChangesVerdict verifies a published pack overrides
// the tier default on the next review. debug-logging is low severity,
// allowed by every tier, so only the pack can block it.
func TestPolicy_PublishChangesVerdict(t *testing.T) {
	home := t.TempDir()
	workDir := t.TempDir()

	bait := filepath.Join(workDir, "app.js")
	if err := os.WriteFile(bait, []byte("console.log(\"boot\");\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// 1. Without a pack the tier default allows low findings.
	stdout, _, code := runCLI(t, home,
		"review", "--org", "acme", "--repo", "api", "--change", "pr-10", bait)
	if code != 0 {
		t.Fatalf("Pre-pack review exited %d, want 0.\n%s", code, stdout)
	}

	// 2. Publish a pack that blocks debug-logging.
	packFile := filepath.Join(workDir, "pack.yaml")
	if err := os.WriteFile(packFile, []byte(strictPack), 0644); err != nil {
		t.Fatal(err)
	}
	stdout, stderr, code := runCLI(t, home,
		"policy", "publish", packFile, "--org", "acme", "--repo", "api")
	if code != 0 {
		t.Fatalf("Publish exited %d.\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "e2e-strict") {
		t.Errorf("Publish output should name the pack:\n%s", stdout)
	}

	// 3. The same change now blocks.
	stdout, _, code = runCLI(t, home,
		"review", "--org", "acme", "--repo", "api", "--change", "pr-10", bait)
	if code != 1 {
		t.Fatalf("Post-pack review exited %d, want 1.\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "debug-logging") {
		t.Errorf("Output should name the blocking rule:\n%s", stdout)
	}

	// 4. policy show reflects the published pack.
	stdout, _, code = runCLI(t, home,
		"policy", "show", "--org", "acme", "--repo", "api")
	if code != 0 {
		t.Fatalf("policy show exited %d.\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "e2e-strict") || !strings.Contains(stdout, "debug-logging") {
		t.Errorf("policy show should render the pack and its rules:\n%s", stdout)
	}
}

// TestPolicy_WaiverLifecycle walks add, list, enforce-around, and remove.
func TestPolicy_WaiverLifecycle(t *testing.T) {
	home := t.TempDir()
	workDir := t.TempDir()

	bait := filepath.Join(workDir, "app.js")
	if err := os.WriteFile(bait, []byte("console.log(\"boot\");\n"), 0644); err != nil {
		t.Fatal(err)
	}
	packFile := filepath.Join(workDir, "pack.yaml")
	if err := os.WriteFile(packFile, []byte(strictPack), 0644); err != nil {
		t.Fatal(err)
	}
	if _, stderr, code := runCLI(t, home,
		"policy", "publish", packFile, "--org", "acme", "--repo", "api"); code != 0 {
		t.Fatalf("Publish failed: %s", stderr)
	}

	// 1. Waive the rule the pack blocks.
	stdout, stderr, code := runCLI(t, home,
		"waiver", "add", "--org", "acme", "--repo", "api",
		"--rule", "debug-logging", "--reason", "log migration in flight")
	if code != 0 {
		t.Fatalf("waiver add exited %d.\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}
	fields := strings.Fields(stdout)
	if len(fields) < 2 || fields[0] != "Waiver" {
		t.Fatalf("Could not parse waiver ID from output:\n%s", stdout)
	}
	waiverID := fields[1]

	// 2. The waived rule no longer blocks, and the verdict says so.
	stdout, _, code = runCLI(t, home,
		"review", "--org", "acme", "--repo", "api", "--change", "pr-11", bait)
	if code != 0 {
		t.Fatalf("Waived review exited %d, want 0.\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "waived") {
		t.Errorf("Output should mention the waiver:\n%s", stdout)
	}

	// 3. The waiver shows up in list.
	stdout, _, code = runCLI(t, home,
		"waiver", "list", "--org", "acme", "--repo", "api")
	if code != 0 || !strings.Contains(stdout, waiverID) {
		t.Errorf("waiver list (exit %d) should include %s:\n%s", code, waiverID, stdout)
	}

	// 4. Removing without --force refuses.
	_, _, code = runCLI(t, home,
		"waiver", "remove", waiverID, "--org", "acme", "--repo", "api")
	if code != 2 {
		t.Errorf("Unforced remove exited %d, want 2", code)
	}

	// 5. Forced remove re-enables enforcement.
	stdout, stderr, code = runCLI(t, home,
		"waiver", "remove", waiverID, "--force", "--org", "acme", "--repo", "api")
	if code != 0 {
		t.Fatalf("Forced remove exited %d.\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}
	stdout, _, code = runCLI(t, home,
		"review", "--org", "acme", "--repo", "api", "--change", "pr-12", bait)
	if code != 1 {
		t.Errorf("Post-removal review exited %d, want 1 (rule enforced again).\n%s", code, stdout)
	}
}

// TestPolicy_LintValidatesWithoutPublishing verifies lint parses a pack
// and leaves no trace in storage.
func TestPolicy_LintValidatesWithoutPublishing(t *testing.T) {
	home := t.TempDir()
	workDir := t.TempDir()

	packFile := filepath.Join(workDir, "pack.yaml")
	if err := os.WriteFile(packFile, []byte(strictPack), 0644); err != nil {
		t.Fatal(err)
	}

	stdout, _, code := runCLI(t, home, "policy", "lint", packFile)
	if code != 0 || !strings.Contains(stdout, "OK") {
		t.Fatalf("Lint exited %d:\n%s", code, stdout)
	}

	// Lint must not publish.
	stdout, _, code = runCLI(t, home,
		"policy", "show", "--org", "local", "--repo", "api")
	if code != 0 {
		t.Fatalf("policy show exited %d:\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "Tier defaults apply") {
		t.Errorf("No pack should be active after lint:\n%s", stdout)
	}
	if !strings.Contains(stdout, "Tier basic:") || !strings.Contains(stdout, "critical=block") {
		t.Errorf("Show should render the effective tier actions:\n%s", stdout)
	}

	// A malformed pack fails with exit 2.
	badFile := filepath.Join(workDir, "bad.yaml")
	os.WriteFile(badFile, []byte("rules: [not: a: pack"), 0644)
	_, stderr, code := runCLI(t, home, "policy", "lint", badFile)
	if code != 2 {
		t.Errorf("Bad pack lint exited %d, want 2.\nstderr: %s", code, stderr)
	}
}

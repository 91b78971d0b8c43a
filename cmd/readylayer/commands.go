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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes are part of the CLI contract: CI gates branch on them.
const (
	exitPass    = 0
	exitBlocked = 1
	exitError   = 2
)

var (
	rootCmd = &cobra.Command{
		Use:     "readylayer",
		Short:   "A CLI to evaluate code changes against org policy packs",
		Long:    `ReadyLayer evaluates changes through static scanning, optional AI review, and schema reconciliation, then renders a policy verdict with signed evidence.`,
		Version: version,
	}
	configPath string

	reviewCmd = &cobra.Command{
		Use:   "review [files...]",
		Short: "Evaluate a change and render a policy verdict",
		Long: `Runs the full review pipeline over a diff, explicit files, or both.
The verdict determines the exit code: 0 when the change passes, 1 when
policy blocks it, 2 on errors.`,
		Args: cobra.ArbitraryArgs,
		Run:  runReviewCommand,
	}
	reviewOrg    string
	reviewRepo   string
	reviewChange string
	reviewBranch string
	reviewTier   string
	reviewDiff   string
	reviewFormat string
	reviewAI     bool

	driftCmd = &cobra.Command{
		Use:   "drift [artifacts...]",
		Short: "Check deployed artifacts for drift from reviewed state",
		Long:  `Compares artifact descriptors against the policy pack's drift rules. Exit codes match review: 0 clean, 1 drift blocked, 2 errors.`,
		Args:  cobra.ArbitraryArgs,
		Run:   runDriftCommand,
	}
	driftOrg    string
	driftRepo   string
	driftRef    string
	driftTier   string
	driftFormat string

	// --- Policy pack administration ---
	policyCmd = &cobra.Command{
		Use:   "policy",
		Short: "Manage policy packs",
	}
	policyLintCmd = &cobra.Command{
		Use:   "lint [pack.yaml]",
		Short: "Parse and validate a policy pack without publishing it",
		Args:  cobra.ExactArgs(1),
		Run:   runPolicyLintCommand,
	}
	policyShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the active policy pack for an org/repo",
		Run:   runPolicyShowCommand,
	}
	policyPublishCmd = &cobra.Command{
		Use:   "publish [pack.yaml]",
		Short: "Validate and publish a policy pack as the new active version",
		Args:  cobra.ExactArgs(1),
		Run:   runPolicyPublishCommand,
	}
	policyOrg  string
	policyRepo string

	// --- Waiver administration ---
	waiverCmd = &cobra.Command{
		Use:   "waiver",
		Short: "Manage rule waivers",
		Long:  `Waivers suppress a named rule for a scope until they expire. Every applied waiver is recorded in the evidence bundle.`,
	}
	waiverAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a waiver for a rule",
		Run:   runWaiverAddCommand,
	}
	waiverListCmd = &cobra.Command{
		Use:   "list",
		Short: "List active waivers for an org/repo",
		Run:   runWaiverListCommand,
	}
	waiverRemoveCmd = &cobra.Command{
		Use:   "remove [waiver-id]",
		Short: "Remove a waiver and re-enable enforcement",
		Args:  cobra.ExactArgs(1),
		Run:   runWaiverRemoveCommand,
	}
	waiverOrg     string
	waiverRepo    string
	waiverRule    string
	waiverScope   string
	waiverValue   string
	waiverReason  string
	waiverExpires string
	waiverForce   bool

	// --- Evidence commands ---
	evidenceCmd = &cobra.Command{
		Use:   "evidence",
		Short: "Export and verify evidence bundles",
	}
	evidenceExportCmd = &cobra.Command{
		Use:   "export [result-id]",
		Short: "Export the evidence bundle for a review result",
		Long:  `Exports the versioned evidence envelope as JSON. Accepts a result ID from review output or an evidence bundle ID directly.`,
		Args:  cobra.ExactArgs(1),
		Run:   runEvidenceExportCommand,
	}
	evidenceVerifyCmd = &cobra.Command{
		Use:   "verify [bundle-id]",
		Short: "Verify a stored evidence bundle's integrity hashes",
		Args:  cobra.ExactArgs(1),
		Run:   runEvidenceVerifyCommand,
	}
	evidenceOut string

	// --- Server mode ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the review engine as an HTTP API",
		Long:  `Starts a Gin server exposing review, drift, result, and evidence endpoints. With the file policy source, pack edits hot-reload without a restart.`,
		Run:   runServeCommand,
	}
	servePort int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.readylayer/config.yaml)")

	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().StringVar(&reviewOrg, "org", "", "Organization ID (default \"local\")")
	reviewCmd.Flags().StringVar(&reviewRepo, "repo", "", "Repository ID (default: current directory name)")
	reviewCmd.Flags().StringVar(&reviewChange, "change", "", "Change reference, e.g. a PR number or branch (default \"workspace\")")
	reviewCmd.Flags().StringVar(&reviewBranch, "branch", "", "Branch the change targets")
	reviewCmd.Flags().StringVarP(&reviewTier, "tier", "t", "", "Review tier (basic, moderate, maximum)")
	reviewCmd.Flags().StringVar(&reviewDiff, "diff", "", "Unified diff file to review, or - for stdin")
	reviewCmd.Flags().StringVarP(&reviewFormat, "format", "f", "text", "Output format (text, json)")
	reviewCmd.Flags().BoolVar(&reviewAI, "ai", false, "Enable AI review for this run (needs OPENAI_API_KEY)")

	rootCmd.AddCommand(driftCmd)
	driftCmd.Flags().StringVar(&driftOrg, "org", "", "Organization ID (default \"local\")")
	driftCmd.Flags().StringVar(&driftRepo, "repo", "", "Repository ID (default: current directory name)")
	driftCmd.Flags().StringVar(&driftRef, "ref", "", "Artifact reference, e.g. a release tag or image digest")
	driftCmd.Flags().StringVarP(&driftTier, "tier", "t", "", "Review tier (basic, moderate, maximum)")
	driftCmd.Flags().StringVarP(&driftFormat, "format", "f", "text", "Output format (text, json)")

	// --- Policy commands ---
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyLintCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyPublishCmd)
	policyCmd.PersistentFlags().StringVar(&policyOrg, "org", "", "Organization ID (default \"local\")")
	policyCmd.PersistentFlags().StringVar(&policyRepo, "repo", "", "Repository ID (default: current directory name)")

	// --- Waiver commands ---
	rootCmd.AddCommand(waiverCmd)
	waiverCmd.AddCommand(waiverAddCmd)
	waiverCmd.AddCommand(waiverListCmd)
	waiverCmd.AddCommand(waiverRemoveCmd)
	waiverCmd.PersistentFlags().StringVar(&waiverOrg, "org", "", "Organization ID (default \"local\")")
	waiverCmd.PersistentFlags().StringVar(&waiverRepo, "repo", "", "Repository ID (default: current directory name)")
	waiverAddCmd.Flags().StringVar(&waiverRule, "rule", "", "Rule ID the waiver suppresses")
	waiverAddCmd.Flags().StringVar(&waiverScope, "scope", "repo", "Waiver scope (repo, branch, path)")
	waiverAddCmd.Flags().StringVar(&waiverValue, "value", "", "Scope value: branch name for --scope branch, path glob for --scope path")
	waiverAddCmd.Flags().StringVar(&waiverReason, "reason", "", "Why the rule is waived (recorded in evidence)")
	waiverAddCmd.Flags().StringVar(&waiverExpires, "expires", "", "Waiver lifetime as a duration, e.g. 720h (default: no expiry)")
	waiverRemoveCmd.Flags().BoolVar(&waiverForce, "force", false, "Required to confirm waiver removal")

	// --- Evidence commands ---
	rootCmd.AddCommand(evidenceCmd)
	evidenceCmd.AddCommand(evidenceExportCmd)
	evidenceCmd.AddCommand(evidenceVerifyCmd)
	evidenceExportCmd.Flags().StringVarP(&evidenceOut, "out", "o", "", "Write the bundle to a file instead of stdout")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port (default from config, 8080)")
}

// fatal prints the error and exits with the error code. Verdict exit
// codes (0 and 1) are reserved for completed evaluations.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "readylayer: %v\n", err)
	os.Exit(exitError)
}

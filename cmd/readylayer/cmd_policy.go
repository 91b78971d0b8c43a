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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Hardonian/ReadyLayer-sub001/pkg/logging"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/storage/badgerstore"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/storage/filestore"
)

func runPolicyLintCommand(cmd *cobra.Command, args []string) {
	src, err := os.ReadFile(args[0])
	if err != nil {
		fatal(fmt.Errorf("read pack: %w", err))
	}
	pack, err := policy.ParsePack(orgOrDefault(policyOrg), repoOrDefault(policyRepo), src)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("OK: %s parses as pack %q with %d rules\n", args[0], pack.ID, len(pack.Rules))
	fmt.Printf("  Checksum: %s\n", pack.Checksum)
}

func runPolicyShowCommand(cmd *cobra.Command, args []string) {
	org := orgOrDefault(policyOrg)
	repo := repoOrDefault(policyRepo)
	ctx := context.Background()

	var pack *policy.PolicyPack
	if config.Policy.Source == "file" {
		logger := newAdminLogger()
		files, err := filestore.NewStore(expandHome(config.Policy.Dir), logger.Slog())
		if err != nil {
			_ = logger.Close()
			fatal(err)
		}
		pack, err = loadPackWithFallback(ctx, files, org, repo)
		files.Close()
		_ = logger.Close()
		if err != nil {
			fatal(err)
		}
	} else {
		stores, logger := openAdminStores()
		var err error
		pack, err = loadPackWithFallback(ctx, stores.Policy, org, repo)
		closeAdminStores(stores, logger)
		if err != nil {
			fatal(err)
		}
	}

	if pack == nil {
		tier := datatypes.Tier(config.Review.Tier)
		if !tier.Valid() {
			tier = datatypes.TierBasic
		}
		fmt.Printf("No policy pack published for %s/%s. Tier defaults apply.\n", org, repo)
		fmt.Printf("  Tier %s: %s\n", tier, tierActionsLine(tier))
		return
	}
	renderPack(pack)
}

// tierActionsLine formats a tier's effective actions in the same shape
// as severityActions, for example "critical=block high=warn low=allow".
func tierActionsLine(tier datatypes.Tier) string {
	parts := make([]string, 0, len(datatypes.Severities()))
	for _, sev := range datatypes.Severities() {
		parts = append(parts, fmt.Sprintf("%s=%s", sev, policy.TierAction(tier, sev)))
	}
	return strings.Join(parts, " ")
}

// loadPackWithFallback mirrors resolver precedence: the repo pack wins,
// then the org-wide pack, then nothing.
func loadPackWithFallback(ctx context.Context, store policy.Store, org, repo string) (*policy.PolicyPack, error) {
	pack, err := store.LoadLatestPack(ctx, org, repo)
	if err != nil || pack != nil {
		return pack, err
	}
	return store.LoadLatestPack(ctx, org, "")
}

func renderPack(pack *policy.PolicyPack) {
	scope := pack.OrgID
	if pack.RepoID != "" {
		scope += "/" + pack.RepoID
	} else {
		scope += " (org-wide)"
	}
	fmt.Printf("Pack %q v%d for %s\n", pack.ID, pack.Version, scope)
	fmt.Printf("  Checksum: %s\n", shortChecksum(pack.Checksum))
	fmt.Printf("  Rules (%d):\n", len(pack.Rules))
	for i := range pack.Rules {
		r := &pack.Rules[i]
		state := ""
		if !r.IsEnabled() {
			state = " [disabled]"
		}
		fmt.Printf("    %s%s: %s\n", r.RuleID, state, severityActions(r))
	}
}

// severityActions formats a rule's severity map from most to least
// severe, for example "critical=block high=block medium=warn".
func severityActions(r *policy.PolicyRule) string {
	var parts []string
	for _, sev := range datatypes.Severities() {
		if action, ok := r.ActionFor(sev); ok {
			parts = append(parts, fmt.Sprintf("%s=%s", sev, action))
		}
	}
	if len(parts) == 0 {
		return "(no actions)"
	}
	return strings.Join(parts, " ")
}

func runPolicyPublishCommand(cmd *cobra.Command, args []string) {
	requireBadgerPolicySource()
	org := orgOrDefault(policyOrg)
	repo := repoOrDefault(policyRepo)

	src, err := os.ReadFile(args[0])
	if err != nil {
		fatal(fmt.Errorf("read pack: %w", err))
	}
	pack, err := policy.ParsePack(org, repo, src)
	if err != nil {
		fatal(err)
	}

	stores, logger := openAdminStores()
	err = stores.Policy.SavePack(context.Background(), pack)
	closeAdminStores(stores, logger)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Published pack %q v%d for %s/%s\n", pack.ID, pack.Version, org, repo)
	fmt.Printf("  Checksum: %s\n", pack.Checksum)
}

func runWaiverAddCommand(cmd *cobra.Command, args []string) {
	requireBadgerPolicySource()
	if waiverRule == "" {
		fatal(errors.New("--rule is required"))
	}
	org := orgOrDefault(waiverOrg)
	repo := repoOrDefault(waiverRepo)

	var expires *time.Time
	if waiverExpires != "" {
		d, err := time.ParseDuration(waiverExpires)
		if err != nil {
			fatal(fmt.Errorf("bad --expires value: %w", err))
		}
		if d <= 0 {
			fatal(errors.New("--expires must be a positive duration"))
		}
		t := time.Now().Add(d)
		expires = &t
	}

	w := &policy.Waiver{
		RuleID:     waiverRule,
		Scope:      policy.Scope(waiverScope),
		ScopeValue: waiverValue,
		Reason:     waiverReason,
		ExpiresAt:  expires,
	}
	stores, logger := openAdminStores()
	err := stores.Policy.SaveWaiver(context.Background(), org, repo, w)
	closeAdminStores(stores, logger)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Waiver %s added: rule %s suppressed for %s/%s\n", w.ID, w.RuleID, org, repo)
	if expires != nil {
		fmt.Printf("  Expires: %s\n", expires.Format(time.RFC3339))
	} else {
		fmt.Println("  Expires: never (consider --expires so waivers do not outlive their reason)")
	}
}

func runWaiverListCommand(cmd *cobra.Command, args []string) {
	requireBadgerPolicySource()
	org := orgOrDefault(waiverOrg)
	repo := repoOrDefault(waiverRepo)

	stores, logger := openAdminStores()
	waivers, err := stores.Policy.LoadActiveWaivers(context.Background(), org, repo, time.Now())
	closeAdminStores(stores, logger)
	if err != nil {
		fatal(err)
	}

	if len(waivers) == 0 {
		fmt.Printf("No active waivers for %s/%s\n", org, repo)
		return
	}
	fmt.Printf("%d active waiver(s) for %s/%s:\n", len(waivers), org, repo)
	for i := range waivers {
		w := &waivers[i]
		line := fmt.Sprintf("  %s  rule=%s scope=%s", w.ID, w.RuleID, w.Scope)
		if w.ScopeValue != "" {
			line += fmt.Sprintf(" value=%q", w.ScopeValue)
		}
		if w.ExpiresAt != nil {
			line += fmt.Sprintf(" expires=%s", w.ExpiresAt.Format("2006-01-02"))
		}
		fmt.Println(line)
		if w.Reason != "" {
			fmt.Printf("      reason: %s\n", w.Reason)
		}
	}
}

func runWaiverRemoveCommand(cmd *cobra.Command, args []string) {
	requireBadgerPolicySource()
	org := orgOrDefault(waiverOrg)
	repo := repoOrDefault(waiverRepo)
	id := args[0]

	if !waiverForce {
		fmt.Println("Error: the --force flag is required to remove a waiver.")
		fmt.Printf("Example: readylayer waiver remove %s --force\n", id)
		os.Exit(exitError)
	}

	// Second layer of safety for interactive runs. CI pipes are not
	// prompted; --force already confirmed intent there.
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Printf("Removing waiver %s re-enables enforcement of its rule for %s/%s.\n", id, org, repo)
		fmt.Print("Are you sure you want to continue? (yes/no): ")
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input != "yes" && input != "y" {
			fmt.Println("Aborted. No changes were made.")
			return
		}
	}

	stores, logger := openAdminStores()
	err := stores.Policy.DeleteWaiver(context.Background(), org, repo, id)
	closeAdminStores(stores, logger)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Waiver %s removed.\n", id)
}

// requireBadgerPolicySource rejects write commands under the file
// source, where the YAML directory is the authority.
func requireBadgerPolicySource() {
	if config.Policy.Source == "file" {
		fatal(fmt.Errorf("policy.source is \"file\": packs and waivers live in %s; edit the YAML files there, or switch policy.source to badger", config.Policy.Dir))
	}
}

// newAdminLogger builds the logger for administrative commands that do
// not need the full engine.
func newAdminLogger() *logging.Logger {
	level, err := logging.ParseLevel(config.Logging.Level)
	if err != nil {
		fatal(err)
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  config.Logging.Dir,
		Service: "cli",
		JSON:    config.Logging.JSON,
	})
}

// openAdminStores opens storage without analyzers or telemetry.
func openAdminStores() (*badgerstore.Stores, *logging.Logger) {
	logger := newAdminLogger()
	stores, err := badgerstore.OpenStores(badgerstore.Config{
		Path:       expandHome(config.Storage.Path),
		InMemory:   config.Storage.InMemory,
		SyncWrites: true,
		Logger:     logger.Slog(),
	})
	if err != nil {
		_ = logger.Close()
		fatal(fmt.Errorf("open storage: %w", err))
	}
	return stores, logger
}

func closeAdminStores(stores *badgerstore.Stores, logger *logging.Logger) {
	if err := stores.Close(); err != nil {
		logger.Error("storage close failed", "error", err)
	}
	_ = logger.Close()
}

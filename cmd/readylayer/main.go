// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command readylayer evaluates code changes against org policy packs.
//
// ReadyLayer runs a change through static pattern scanning, optional
// AI review, and schema reconciliation, then renders a policy verdict
// with signed evidence:
//   - Policy packs versioned per org/repo (BadgerDB or YAML directory)
//   - Three review tiers (basic, moderate, maximum)
//   - Waivers with scopes and expiry
//   - Tamper-evident evidence bundles for every verdict
//
// Usage:
//
//	readylayer review --diff change.patch
//	readylayer review --org acme --repo api --change pr-142 --tier moderate cmd/server/main.go
//	readylayer drift --org acme --repo api --ref release-v2.3 manifest.yaml
//
// Policy management:
//
//	readylayer policy lint readylayer.yaml
//	readylayer policy show --org acme --repo api
//	readylayer policy publish --org acme --repo api readylayer.yaml
//	readylayer waiver add --org acme --repo api --rule SEC-004 --scope path --value "legacy/*.go" --reason "tracked in JIRA-812" --expires 720h
//
// Evidence:
//
//	readylayer evidence export <result-id>
//	readylayer evidence verify <bundle-id>
//
// Server mode:
//
//	readylayer serve --port 8080
//
//	# Submit a review over HTTP
//	curl -X POST http://localhost:8080/v1/reviews \
//	  -H "Content-Type: application/json" \
//	  -d '{"org_id": "acme", "repo_id": "api", "change_ref": "pr-142", "files": [{"path": "main.go", "status": "modified"}]}'
//
// Exit codes: 0 when the change passes policy, 1 when it is blocked,
// 2 on configuration or runtime errors.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build. "dev" means a local build.
var version = "dev"

var config Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitError)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			fatal(err)
		}
		config = cfg
	}
}

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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

func runReviewCommand(cmd *cobra.Command, args []string) {
	cfg := config
	if cmd.Flags().Changed("ai") {
		cfg.Review.AI.Enabled = reviewAI
	}

	if err := checkFormat(reviewFormat); err != nil {
		fatal(err)
	}
	req, err := buildReviewRequest(args)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, "cli")
	if err != nil {
		fatal(err)
	}

	res, err := app.engine.ReviewChange(ctx, req)
	if err != nil {
		app.Close()
		fatal(err)
	}
	if err := renderResult(os.Stdout, res, reviewFormat); err != nil {
		app.Close()
		fatal(err)
	}
	app.Close()
	os.Exit(exitCodeFor(res))
}

func runDriftCommand(cmd *cobra.Command, args []string) {
	if err := checkFormat(driftFormat); err != nil {
		fatal(err)
	}
	req, err := buildDriftRequest(args)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, config, "cli")
	if err != nil {
		fatal(err)
	}

	res, err := app.engine.CheckDrift(ctx, req)
	if err != nil {
		app.Close()
		fatal(err)
	}
	if err := renderResult(os.Stdout, res, driftFormat); err != nil {
		app.Close()
		fatal(err)
	}
	app.Close()
	os.Exit(exitCodeFor(res))
}

func buildReviewRequest(args []string) (*datatypes.ReviewRequest, error) {
	diff, err := readDiffInput(reviewDiff)
	if err != nil {
		return nil, err
	}
	files, err := loadChangedFiles(args)
	if err != nil {
		return nil, err
	}
	if diff == "" && len(files) == 0 {
		return nil, errors.New("nothing to review: pass file paths, --diff <file>, or pipe a diff with --diff -")
	}
	tier, err := parseTier(reviewTier)
	if err != nil {
		return nil, err
	}
	return &datatypes.ReviewRequest{
		OrgID:     orgOrDefault(reviewOrg),
		RepoID:    repoOrDefault(reviewRepo),
		ChangeRef: refOrDefault(reviewChange),
		Branch:    reviewBranch,
		Tier:      tier,
		Diff:      diff,
		Files:     files,
	}, nil
}

func buildDriftRequest(args []string) (*datatypes.DriftRequest, error) {
	if len(args) == 0 {
		return nil, errors.New("nothing to check: pass artifact file paths")
	}
	artifacts, err := loadChangedFiles(args)
	if err != nil {
		return nil, err
	}
	tier, err := parseTier(driftTier)
	if err != nil {
		return nil, err
	}
	return &datatypes.DriftRequest{
		OrgID:       orgOrDefault(driftOrg),
		RepoID:      repoOrDefault(driftRepo),
		ArtifactRef: refOrDefault(driftRef),
		Tier:        tier,
		Artifacts:   artifacts,
	}, nil
}

// readDiffInput loads diff text from a file, or from stdin for "-".
func readDiffInput(src string) (string, error) {
	switch src {
	case "":
		return "", nil
	case "-":
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return "", errors.New("--diff - expects a diff on stdin, e.g.: git diff | readylayer review --diff -")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read diff from stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(src)
		if err != nil {
			return "", fmt.Errorf("read diff: %w", err)
		}
		return string(data), nil
	}
}

// loadChangedFiles reads workspace files into changed-file records. The
// CLI has no pre-images, so everything reads as a modification.
func loadChangedFiles(paths []string) ([]datatypes.ChangedFile, error) {
	files := make([]datatypes.ChangedFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, datatypes.ChangedFile{
			Path:    filepath.ToSlash(p),
			Status:  datatypes.FileModified,
			Content: string(data),
		})
	}
	return files, nil
}

func parseTier(v string) (datatypes.Tier, error) {
	if v == "" {
		return "", nil
	}
	t := datatypes.Tier(strings.ToLower(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q (valid: basic, moderate, maximum)", v)
	}
	return t, nil
}

func orgOrDefault(v string) string {
	if v == "" {
		return "local"
	}
	return v
}

func repoOrDefault(v string) string {
	if v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "workspace"
	}
	return filepath.Base(wd)
}

func refOrDefault(v string) string {
	if v == "" {
		return "workspace"
	}
	return v
}

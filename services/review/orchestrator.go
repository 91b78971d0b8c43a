// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/analyzers"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/diffparse"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evaluate"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evidence"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/telemetry"
)

// ReviewChange runs the full pipeline for one proposed change.
//
// Description:
//
//	The attempt moves through resolve, collect, evaluate, and persist.
//	Infrastructure failures do not surface as errors: the attempt is
//	marked failed, reported blocked, persisted, and returned. The error
//	return is reserved for invalid requests and caller cancellation,
//	the one case where nothing is persisted.
//
// Inputs:
//
//	ctx - Cancels the attempt. Cancellation abandons the attempt
//	      without persisting anything.
//	req - The change to evaluate. Validated at this boundary.
//
// Outputs:
//
//	*datatypes.ReviewResult - The terminal result. Check Status and
//	      Blocked, not the error, for the verdict.
//	error - Non-nil only for invalid requests or cancellation.
func (o *Orchestrator) ReviewChange(ctx context.Context, req *datatypes.ReviewRequest) (*datatypes.ReviewResult, error) {
	if req == nil {
		return nil, errors.New("review request cannot be nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tier := req.Tier
	if tier == "" {
		tier = o.cfg.DefaultTier
	}
	return o.runAttempt(ctx, attemptInput{
		kind:      KindReview,
		orgID:     req.OrgID,
		repoID:    req.RepoID,
		changeRef: req.ChangeRef,
		branch:    req.Branch,
		tier:      tier,
		diff:      req.Diff,
		files:     req.Files,
	})
}

// CheckDrift evaluates a non-review artifact set through the same
// pipeline. Drift attempts have no diff and no branch, so branch-scoped
// waivers never match them.
func (o *Orchestrator) CheckDrift(ctx context.Context, req *datatypes.DriftRequest) (*datatypes.ReviewResult, error) {
	if req == nil {
		return nil, errors.New("drift request cannot be nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tier := req.Tier
	if tier == "" {
		tier = o.cfg.DefaultTier
	}
	return o.runAttempt(ctx, attemptInput{
		kind:      KindDrift,
		orgID:     req.OrgID,
		repoID:    req.RepoID,
		changeRef: req.ArtifactRef,
		tier:      tier,
		files:     req.Artifacts,
	})
}

// ExportEvidence loads a bundle, verifies its digest, and wraps it in the
// versioned export envelope. The embedded policy snapshot carries only
// what the bundle itself can prove, which is the pack checksum.
func (o *Orchestrator) ExportEvidence(ctx context.Context, evidenceID string) (*datatypes.EvidenceExport, error) {
	bundle, err := o.producer.Load(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	return o.producer.Export(bundle, &datatypes.PolicySnapshot{Checksum: bundle.PolicyChecksum})
}

// GetResult returns a persisted result, or nil when none exists.
func (o *Orchestrator) GetResult(ctx context.Context, id string) (*datatypes.ReviewResult, error) {
	return o.results.Get(ctx, id)
}

// attemptInput is the normalized form review and drift requests share.
type attemptInput struct {
	kind      string
	orgID     string
	repoID    string
	changeRef string
	branch    string
	tier      datatypes.Tier
	diff      string
	files     []datatypes.ChangedFile
}

func (o *Orchestrator) runAttempt(ctx context.Context, in attemptInput) (*datatypes.ReviewResult, error) {
	result := &datatypes.ReviewResult{
		ID:        uuid.NewString(),
		OrgID:     in.orgID,
		RepoID:    in.repoID,
		ChangeRef: in.changeRef,
		Kind:      in.kind,
		StartedAt: o.now(),
	}

	ctx, span := tracer.Start(ctx, "review.Attempt", trace.WithAttributes(
		attribute.String("review.kind", in.kind),
		attribute.String("review.org_id", in.orgID),
		attribute.String("review.repo_id", in.repoID),
		attribute.String("review.change_ref", in.changeRef),
		attribute.String("review.attempt_id", result.ID),
	))
	defer span.End()

	logger := telemetry.LoggerWithAttempt(ctx, o.logger, in.orgID, in.repoID, in.changeRef).
		With("attempt_id", result.ID)
	o.setPhase(ctx, span, logger, datatypes.PhaseStarted)
	logger.InfoContext(ctx, "review attempt started",
		"kind", in.kind, "files", len(in.files), "diff_bytes", len(in.diff))

	if m := o.ensureMetrics(); m != nil {
		m.ActiveAttempts.Add(ctx, 1)
		defer m.ActiveAttempts.Add(ctx, -1)
	}

	timings := make(map[string]int64, 3)

	rctx, rspan := tracer.Start(ctx, "review.ResolvePolicy")
	resolveStart := o.now()
	pol, err := o.resolver.Resolve(rctx, policy.Ref{OrgID: in.orgID, RepoID: in.repoID, Branch: in.branch}, in.tier)
	timings["resolve_policy"] = o.now().Sub(resolveStart).Milliseconds()
	if err != nil {
		endSpanError(rspan, err, "policy resolution failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.failAttempt(ctx, span, logger, result, datatypes.FailurePolicyStore, err)
	}
	rspan.SetAttributes(attribute.String("review.policy_source", pol.Source))
	rspan.End()
	result.PolicyChecksum = pol.Pack.Checksum

	o.setPhase(ctx, span, logger, datatypes.PhaseCollecting)
	cctx, cspan := tracer.Start(ctx, "review.CollectFindings")
	collectStart := o.now()
	findings, paths, err := o.collectFindings(cctx, in, logger)
	timings["collect_findings"] = o.now().Sub(collectStart).Milliseconds()
	if err != nil {
		endSpanError(cspan, err, "finding collection failed")
		if ctx.Err() != nil {
			// Caller cancellation persists nothing.
			return nil, ctx.Err()
		}
		return o.failAttempt(ctx, span, logger, result, failureKindFor(err), err)
	}
	cspan.SetAttributes(
		attribute.Int("review.files", len(paths)),
		attribute.Int("review.findings", len(findings)),
	)
	cspan.End()

	o.setPhase(ctx, span, logger, datatypes.PhaseEvaluating)
	_, espan := tracer.Start(ctx, "review.Evaluate")
	evalStart := o.now()
	eval := evaluate.Evaluate(findings, pol)
	timings["evaluate"] = o.now().Sub(evalStart).Milliseconds()
	espan.SetAttributes(
		attribute.Bool("review.blocked", eval.Blocked),
		attribute.Int("review.score", eval.Score),
		attribute.Int("review.waived", len(eval.Waived)),
	)
	espan.End()

	result.Score = eval.Score
	result.Blocked = eval.Blocked
	result.SeverityCounts = datatypes.CountBySeverity(eval.NonWaived)
	result.WaivedCount = len(eval.Waived)
	result.BlockingReason = eval.BlockingReason
	if eval.Blocked {
		result.Status = datatypes.StatusBlocked
	} else {
		result.Status = datatypes.StatusCompleted
	}

	o.setPhase(ctx, span, logger, datatypes.PhasePersisting)
	pctx, pspan := tracer.Start(ctx, "review.PersistOutcome")
	bundle, err := o.producer.Produce(pctx, evidence.ProduceInput{
		LinkedResourceID: result.ID,
		Kind:             in.kind,
		OrgID:            in.orgID,
		RepoID:           in.repoID,
		ChangeRef:        in.changeRef,
		Branch:           in.branch,
		Diff:             in.diff,
		FilePaths:        paths,
		FindingCount:     len(eval.NonWaived) + len(eval.Waived),
		RulesFired:       eval.RulesFired,
		Score:            eval.Score,
		PolicyChecksum:   pol.Pack.Checksum,
		ToolVersions:     o.toolVersions(),
		TimingsMS:        timings,
	})
	if err != nil {
		endSpanError(pspan, err, "evidence write failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.failAttempt(ctx, span, logger, result, datatypes.FailurePersistence, err)
	}
	result.EvidenceID = bundle.ID
	result.FinishedAt = o.now()
	if err := o.results.Save(pctx, result); err != nil {
		endSpanError(pspan, err, "result write failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.failAttempt(ctx, span, logger, result, datatypes.FailurePersistence, err)
	}
	pspan.End()

	o.setPhase(ctx, span, logger, datatypes.PhaseDone)
	o.deliver(ctx, result, logger)
	span.SetStatus(codes.Ok, "")
	logger.InfoContext(ctx, "review attempt completed",
		"status", string(result.Status),
		"blocked", result.Blocked,
		"score", result.Score,
		"findings", len(eval.NonWaived),
		"waived", result.WaivedCount,
		"evidence_id", result.EvidenceID,
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	)
	return result, nil
}

// analysisUnit is one path/content pair fed to the per-file analyzers.
// remap is set when the content came from a diff: index i holds the
// original file line for line i+1 of the analyzed content.
type analysisUnit struct {
	path    string
	content []byte
	remap   []diffparse.Line
	status  datatypes.FileStatus
}

// analysisUnits builds the per-file work list for an attempt.
//
// Description:
//
//	A diff delta wins over request file content for the same path: the
//	engine evaluates what the change introduces, and the delta is the
//	authoritative slice of it. Files outside the diff are analyzed in
//	full. Deleted files and deltas with no added lines produce nothing
//	to analyze.
func analysisUnits(deltas []diffparse.FileDelta, files []datatypes.ChangedFile) []analysisUnit {
	units := make([]analysisUnit, 0, len(deltas)+len(files))
	inDiff := make(map[string]bool, len(deltas))
	for _, d := range deltas {
		inDiff[d.Path] = true
		if d.Status == datatypes.FileDeleted || len(d.AddedLines) == 0 {
			continue
		}
		units = append(units, analysisUnit{
			path:    d.Path,
			content: []byte(d.AddedContent()),
			remap:   d.AddedLines,
			status:  d.Status,
		})
	}
	for _, f := range files {
		if inDiff[f.Path] || f.Status == datatypes.FileDeleted || f.Content == "" {
			continue
		}
		units = append(units, analysisUnit{
			path:    f.Path,
			content: []byte(f.Content),
			status:  f.Status,
		})
	}
	return units
}

// schemaInputs partitions the work list into migration files and the code
// that may reference them.
func schemaInputs(units []analysisUnit) (migrations, code []datatypes.ChangedFile) {
	for _, u := range units {
		cf := datatypes.ChangedFile{Path: u.path, Status: u.status, Content: string(u.content)}
		if analyzers.IsMigrationPath(u.path) {
			migrations = append(migrations, cf)
		} else {
			code = append(code, cf)
		}
	}
	return migrations, code
}

// collectFindings fans the work list out to the analyzers and merges
// their output in deterministic order: reconciliation findings first,
// then per-file findings in work-list order.
func (o *Orchestrator) collectFindings(ctx context.Context, in attemptInput, logger *slog.Logger) ([]datatypes.Finding, []string, error) {
	var deltas []diffparse.FileDelta
	if in.diff != "" {
		var err error
		deltas, err = diffparse.Parse(in.diff)
		if err != nil {
			return nil, nil, err
		}
		stats := diffparse.Summarize(deltas)
		logger.DebugContext(ctx, "diff parsed",
			"files", stats.FilesAffected,
			"lines_added", stats.LinesAdded,
			"lines_removed", stats.LinesRemoved)
	}

	units := analysisUnits(deltas, in.files)
	if len(units) == 0 {
		return nil, nil, nil
	}
	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.path
	}

	repoCtx := datatypes.RepoContext{
		OrgID:     in.orgID,
		RepoID:    in.repoID,
		ChangeRef: in.changeRef,
		Branch:    in.branch,
		FilePaths: paths,
	}
	migrations, code := schemaInputs(units)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)

	staticOut := make([][]datatypes.Finding, len(units))
	aiOut := make([][]datatypes.Finding, len(units))

	for i, u := range units {
		g.Go(func() error {
			fs, err := o.callAnalyzer(gCtx, o.static.Name(), o.cfg.StaticTimeout,
				func(c context.Context) ([]datatypes.Finding, error) {
					return o.static.Analyze(c, u.path, u.content)
				})
			if err != nil {
				return fmt.Errorf("static analysis of %s: %w", u.path, err)
			}
			staticOut[i] = remapLines(fs, u.remap)
			return nil
		})
		if o.ai != nil {
			g.Go(func() error {
				fs, err := o.callAnalyzer(gCtx, o.ai.Name(), o.cfg.AITimeout,
					func(c context.Context) ([]datatypes.Finding, error) {
						return o.ai.Analyze(c, u.path, u.content, repoCtx)
					})
				if err != nil {
					return fmt.Errorf("ai review of %s: %w", u.path, err)
				}
				aiOut[i] = remapLines(fs, u.remap)
				return nil
			})
		}
	}

	var (
		schemaOut []datatypes.Finding
		schemaErr error
	)
	if o.schema != nil && len(migrations) > 0 {
		g.Go(func() error {
			fs, err := o.callAnalyzer(gCtx, o.schema.Name(), o.cfg.SchemaTimeout,
				func(c context.Context) ([]datatypes.Finding, error) {
					return o.schema.Reconcile(c, migrations, code)
				})
			if err != nil {
				// Reconciler failures degrade instead of failing the
				// attempt; the gap surfaces as a finding below.
				schemaErr = err
				return nil
			}
			schemaOut = fs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, paths, err
	}

	if schemaErr != nil {
		logger.WarnContext(ctx, "schema reconciliation degraded", "error", schemaErr)
		schemaOut = []datatypes.Finding{degradedReconciliation(migrations[0].Path, schemaErr)}
	}

	findings := make([]datatypes.Finding, 0, len(schemaOut))
	findings = append(findings, schemaOut...)
	for i := range units {
		findings = append(findings, staticOut[i]...)
		findings = append(findings, aiOut[i]...)
	}
	return findings, paths, nil
}

// callAnalyzer runs one analyzer call under its timeout, validates the
// batch it returned, and records the call metrics. A malformed batch is
// an analyzer error: dropping findings silently is not an option.
func (o *Orchestrator) callAnalyzer(ctx context.Context, name string, timeout time.Duration, call func(context.Context) ([]datatypes.Finding, error)) ([]datatypes.Finding, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	findings, err := call(callCtx)
	if err == nil {
		err = datatypes.ValidateFindings(findings)
	}
	o.observeAnalyzer(ctx, name, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return findings, nil
}

// remapLines rewrites content-relative line numbers back to original file
// lines. Line zero means the whole file and lines outside the analyzed
// range are left as reported.
func remapLines(findings []datatypes.Finding, remap []diffparse.Line) []datatypes.Finding {
	if remap == nil {
		return findings
	}
	for i := range findings {
		if n := findings[i].Line; n >= 1 && n <= len(remap) {
			findings[i].Line = remap[n-1].Number
		}
	}
	return findings
}

func degradedReconciliation(path string, cause error) datatypes.Finding {
	return datatypes.Finding{
		RuleID:     RuleDegradedReconciliation,
		Severity:   datatypes.SeverityMedium,
		File:       path,
		Message:    fmt.Sprintf("schema reconciliation did not complete (%v); migration changes were not cross-checked against code", cause),
		Confidence: 1,
	}
}

// failAttempt marks the attempt failed and persists it best-effort.
//
// Description:
//
//	Failure is the fail-secure terminal: the result reports blocked so
//	a broken pipeline can never wave a change through. The failed
//	result is still written so the audit trail stays complete; when
//	even that write fails, the verdict stands and the gap is logged.
//	Callers handle cancellation before reaching here.
func (o *Orchestrator) failAttempt(ctx context.Context, span trace.Span, logger *slog.Logger, result *datatypes.ReviewResult, kind datatypes.FailureKind, cause error) (*datatypes.ReviewResult, error) {
	result.Status = datatypes.StatusFailed
	result.Blocked = true
	result.FailureKind = kind
	result.Error = cause.Error()
	result.Remediation = remediationFor(kind)
	result.FinishedAt = o.now()

	span.RecordError(cause)
	span.SetStatus(codes.Error, string(kind))
	logger.ErrorContext(ctx, "review attempt failed",
		"failure_kind", string(kind), "error", cause)

	if err := o.results.Save(ctx, result); err != nil {
		logger.ErrorContext(ctx, "failed result could not be persisted", "error", err)
	}
	o.deliver(ctx, result, logger)
	return result, nil
}

// deliver hands the terminal result to the async recorder and the
// notifier. Both are best-effort: a persisted result is decided, and
// downstream delivery problems must not change it.
func (o *Orchestrator) deliver(ctx context.Context, result *datatypes.ReviewResult, logger *slog.Logger) {
	if o.recorder != nil {
		o.recorder.Record(result)
	}
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, o.cfg.NotifyTimeout)
	defer cancel()
	if err := o.notifier.Notify(nctx, result); err != nil {
		logger.WarnContext(ctx, "result notification failed", "error", err)
	}
}

func (o *Orchestrator) setPhase(ctx context.Context, span trace.Span, logger *slog.Logger, p datatypes.Phase) {
	span.SetAttributes(attribute.String("review.phase", p.String()))
	logger.DebugContext(ctx, "phase transition", "phase", p.String())
}

// toolVersions names every analyzer that could have contributed findings.
func (o *Orchestrator) toolVersions() map[string]string {
	versions := map[string]string{o.static.Name(): o.static.Version()}
	if o.ai != nil {
		versions[o.ai.Name()] = o.ai.Version()
	}
	if o.schema != nil {
		versions[o.schema.Name()] = o.schema.Version()
	}
	return versions
}

func (o *Orchestrator) observeAnalyzer(ctx context.Context, name string, d time.Duration, err error) {
	m := o.ensureMetrics()
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("analyzer", name),
		attribute.String("status", status),
	)
	m.AnalyzerCallsTotal.Add(ctx, 1, attrs)
	m.AnalyzerDuration.Record(ctx, d.Seconds(), attrs)
}

// failureKindFor classifies a collection error. Provider usage errors
// carry their own failure kind; everything else, including a diff that
// would not parse, is an analyzer error.
func failureKindFor(err error) datatypes.FailureKind {
	var usage *datatypes.UsageError
	if errors.As(err, &usage) {
		return usage.FailureKindFor()
	}
	return datatypes.FailureAnalyzer
}

func remediationFor(kind datatypes.FailureKind) string {
	switch kind {
	case datatypes.FailurePolicyStore:
		return "verify the policy store is reachable and the configured pack parses"
	case datatypes.FailureRateLimited:
		return "the AI provider rate limited this attempt; retry after the indicated delay"
	case datatypes.FailureBudgetExhausted:
		return "the organization's AI review budget is exhausted; raise it or disable AI review"
	case datatypes.FailurePersistence:
		return "verify evidence and result storage health, then re-run the review"
	default:
		return "inspect analyzer logs for the failing file, then re-run the review"
	}
}

// endSpanError closes a child span that failed.
func endSpanError(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	span.End()
}

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
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evidence"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
)

// --- fakes ---

type fakePolicyStore struct {
	packs   map[string]*policy.PolicyPack
	waivers []policy.Waiver
	err     error
}

var _ policy.Store = (*fakePolicyStore)(nil)

func (s *fakePolicyStore) LoadLatestPack(_ context.Context, orgID, repoID string) (*policy.PolicyPack, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.packs[orgID+"\x00"+repoID], nil
}

func (s *fakePolicyStore) LoadActiveWaivers(_ context.Context, _, _ string, _ time.Time) ([]policy.Waiver, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.waivers, nil
}

type fakeEvidenceStore struct {
	mu      sync.Mutex
	bundles map[string]*datatypes.EvidenceBundle
	saveErr error
}

var _ evidence.Store = (*fakeEvidenceStore)(nil)

func (s *fakeEvidenceStore) Save(_ context.Context, bundle *datatypes.EvidenceBundle) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.ID] = bundle
	return bundle.ID, nil
}

func (s *fakeEvidenceStore) Get(_ context.Context, id string) (*datatypes.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundles[id], nil
}

type fakeResultStore struct {
	mu      sync.Mutex
	saved   []*datatypes.ReviewResult
	saveErr error
}

var _ ResultStore = (*fakeResultStore)(nil)

func (s *fakeResultStore) Save(_ context.Context, result *datatypes.ReviewResult) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.saved = append(s.saved, &cp)
	return nil
}

func (s *fakeResultStore) Get(_ context.Context, id string) (*datatypes.ReviewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.saved {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeResultStore) all() []*datatypes.ReviewResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*datatypes.ReviewResult, len(s.saved))
	copy(out, s.saved)
	return out
}

type fakeStatic struct {
	mu     sync.Mutex
	calls  []string
	byPath map[string][]datatypes.Finding
	err    error
}

var _ StaticAnalyzer = (*fakeStatic)(nil)

func (f *fakeStatic) Analyze(ctx context.Context, path string, _ []byte) ([]datatypes.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.byPath[path], nil
}

func (f *fakeStatic) Name() string    { return "pattern-scan" }
func (f *fakeStatic) Version() string { return "v1" }

type fakeAI struct {
	byPath map[string][]datatypes.Finding
	err    error
}

var _ AIAnalyzer = (*fakeAI)(nil)

func (f *fakeAI) Analyze(ctx context.Context, path string, _ []byte, _ datatypes.RepoContext) ([]datatypes.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.byPath[path], nil
}

func (f *fakeAI) Name() string    { return "ai-review" }
func (f *fakeAI) Version() string { return "model-1" }

type fakeSchema struct {
	findings []datatypes.Finding
	err      error

	mu         sync.Mutex
	migrations []string
}

var _ SchemaReconciler = (*fakeSchema)(nil)

func (f *fakeSchema) Reconcile(ctx context.Context, migrations, _ []datatypes.ChangedFile) ([]datatypes.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	for _, m := range migrations {
		f.migrations = append(f.migrations, m.Path)
	}
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.findings, nil
}

func (f *fakeSchema) Name() string    { return "schema-reconcile" }
func (f *fakeSchema) Version() string { return "v1" }

type fakeNotifier struct {
	mu  sync.Mutex
	got []*datatypes.ReviewResult
	err error
}

var _ Notifier = (*fakeNotifier)(nil)

func (f *fakeNotifier) Notify(_ context.Context, result *datatypes.ReviewResult) error {
	f.mu.Lock()
	f.got = append(f.got, result)
	f.mu.Unlock()
	return f.err
}

type fixture struct {
	policyStore   *fakePolicyStore
	evidenceStore *fakeEvidenceStore
	resultStore   *fakeResultStore
	static        *fakeStatic
	producer      *evidence.Producer
}

func newTestOrchestrator(t *testing.T, mutate func(*Options)) (*Orchestrator, *fixture) {
	t.Helper()
	f := &fixture{
		policyStore:   &fakePolicyStore{},
		evidenceStore: &fakeEvidenceStore{bundles: make(map[string]*datatypes.EvidenceBundle)},
		resultStore:   &fakeResultStore{},
		static:        &fakeStatic{},
	}
	resolver, err := policy.NewResolver(f.policyStore, policy.ResolverConfig{})
	require.NoError(t, err)
	producer, err := evidence.NewProducer(f.evidenceStore)
	require.NoError(t, err)
	f.producer = producer

	opts := Options{
		Resolver: resolver,
		Static:   f.static,
		Evidence: producer,
		Results:  f.resultStore,
		Logger:   slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := NewOrchestrator(opts)
	require.NoError(t, err)
	return o, f
}

func finding(rule, file string, line int, sev datatypes.Severity) datatypes.Finding {
	return datatypes.Finding{
		RuleID:     rule,
		Severity:   sev,
		File:       file,
		Line:       line,
		Message:    "detected " + rule,
		Confidence: 0.9,
	}
}

func reviewRequest(files ...datatypes.ChangedFile) *datatypes.ReviewRequest {
	return &datatypes.ReviewRequest{
		OrgID:     "acme",
		RepoID:    "api",
		ChangeRef: "pr-42",
		Branch:    "main",
		Files:     files,
	}
}

// --- tests ---

// TestNewOrchestrator_Validation rejects missing required collaborators.
func TestNewOrchestrator_Validation(t *testing.T) {
	store := &fakeResultStore{}
	resolver, err := policy.NewResolver(&fakePolicyStore{}, policy.ResolverConfig{})
	require.NoError(t, err)
	producer, err := evidence.NewProducer(&fakeEvidenceStore{bundles: map[string]*datatypes.EvidenceBundle{}})
	require.NoError(t, err)

	cases := []struct {
		name string
		opts Options
	}{
		{"nil resolver", Options{Static: &fakeStatic{}, Evidence: producer, Results: store}},
		{"nil static", Options{Resolver: resolver, Evidence: producer, Results: store}},
		{"nil evidence", Options{Resolver: resolver, Static: &fakeStatic{}, Results: store}},
		{"nil results", Options{Resolver: resolver, Static: &fakeStatic{}, Evidence: producer}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewOrchestrator(tc.opts)
			assert.Error(t, err)
		})
	}

	o, err := NewOrchestrator(Options{Resolver: resolver, Static: &fakeStatic{}, Evidence: producer, Results: store})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().StaticTimeout, o.cfg.StaticTimeout)
}

// TestReviewChange_CleanChangePasses runs the full pipeline on a change
// with no findings.
func TestReviewChange_CleanChangePasses(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/main.ts", Status: datatypes.FileModified, Content: "let x = 1\n"},
	))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.False(t, res.Blocked)
	assert.True(t, res.Passed())
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, KindReview, res.Kind)
	assert.NotEmpty(t, res.EvidenceID)
	assert.NotEmpty(t, res.PolicyChecksum)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	saved := f.resultStore.all()
	require.Len(t, saved, 1)
	assert.Equal(t, res.ID, saved[0].ID)

	got, err := o.GetResult(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, datatypes.StatusCompleted, got.Status)

	// The bundle is loadable and its digest verifies.
	bundle, err := f.producer.Load(context.Background(), res.EvidenceID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, bundle.LinkedResourceID)
	assert.Equal(t, 100, bundle.DeterministicScore)
	assert.Equal(t, res.PolicyChecksum, bundle.PolicyChecksum)
	assert.Equal(t, "v1", bundle.ToolVersions["pattern-scan"])
}

// TestReviewChange_EmptyRequestPasses evaluates trivially with no inputs.
func TestReviewChange_EmptyRequestPasses(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)

	res, err := o.ReviewChange(context.Background(), reviewRequest())
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, 100, res.Score)
	assert.NotEmpty(t, res.EvidenceID)
	assert.Empty(t, f.static.calls)
}

// TestReviewChange_BlocksCritical blocks a critical finding under the
// basic tier default policy.
func TestReviewChange_BlocksCritical(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.static.byPath = map[string][]datatypes.Finding{
		"src/db.ts": {finding("security.sql-injection", "src/db.ts", 10, datatypes.SeverityCritical)},
	}

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/db.ts", Status: datatypes.FileModified, Content: "query(id)\n"},
	))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusBlocked, res.Status)
	assert.True(t, res.Blocked)
	assert.False(t, res.Passed())
	assert.Equal(t, 80, res.Score)
	assert.Equal(t, 1, res.SeverityCounts[datatypes.SeverityCritical])
	require.NotNil(t, res.BlockingReason)
	assert.Equal(t, "security.sql-injection", res.BlockingReason.RuleID)
	assert.Equal(t, "src/db.ts", res.BlockingReason.File)
	assert.Equal(t, 10, res.BlockingReason.Line)
	assert.NotEmpty(t, res.EvidenceID)
}

// TestReviewChange_TierFromRequest applies the request tier to the
// synthesized default policy.
func TestReviewChange_TierFromRequest(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.static.byPath = map[string][]datatypes.Finding{
		"src/a.ts": {finding("style.todo", "src/a.ts", 3, datatypes.SeverityHigh)},
	}
	req := reviewRequest(datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"})

	// basic warns on high
	res, err := o.ReviewChange(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, 90, res.Score)

	// moderate blocks high
	req.Tier = datatypes.TierModerate
	res, err = o.ReviewChange(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
}

// TestReviewChange_WaiverSuppresses suppresses a waived finding without
// affecting the score.
func TestReviewChange_WaiverSuppresses(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.policyStore.waivers = []policy.Waiver{{ID: "w-1", RuleID: "security.sql-injection", Scope: policy.ScopeRepo}}
	f.static.byPath = map[string][]datatypes.Finding{
		"src/db.ts": {finding("security.sql-injection", "src/db.ts", 10, datatypes.SeverityCritical)},
	}

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/db.ts", Status: datatypes.FileModified, Content: "query(id)\n"},
	))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.False(t, res.Blocked)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 1, res.WaivedCount)
	assert.Empty(t, res.SeverityCounts)
}

// TestReviewChange_DiffRemapsLines maps findings on analyzed diff content
// back to original file lines.
func TestReviewChange_DiffRemapsLines(t *testing.T) {
	const diffText = `diff --git a/src/db.ts b/src/db.ts
--- a/src/db.ts
+++ b/src/db.ts
@@ -8,4 +8,5 @@ function query(id) {
 const db = connect();
-const q = "SELECT * FROM users";
+const q = "SELECT * FROM users WHERE id = " + id;
+runQuery(q);
 return db;
 }
`
	o, f := newTestOrchestrator(t, nil)
	// Line 1 of the analyzed added content is file line 9.
	f.static.byPath = map[string][]datatypes.Finding{
		"src/db.ts": {finding("security.sql-injection", "src/db.ts", 1, datatypes.SeverityCritical)},
	}

	req := reviewRequest()
	req.Diff = diffText
	res, err := o.ReviewChange(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Blocked)
	require.NotNil(t, res.BlockingReason)
	assert.Equal(t, 9, res.BlockingReason.Line)
	assert.Equal(t, []string{"src/db.ts"}, f.static.calls)
}

// TestReviewChange_DiffWinsOverFileContent analyzes the delta, not the
// full content, when both cover the same path.
func TestReviewChange_DiffWinsOverFileContent(t *testing.T) {
	const diffText = `diff --git a/src/new.ts b/src/new.ts
new file mode 100644
--- /dev/null
+++ b/src/new.ts
@@ -0,0 +1,2 @@
+export const x = 1;
+export const y = 2;
`
	o, f := newTestOrchestrator(t, nil)
	req := reviewRequest(datatypes.ChangedFile{Path: "src/new.ts", Status: datatypes.FileAdded, Content: "full file content\n"})
	req.Diff = diffText

	res, err := o.ReviewChange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, []string{"src/new.ts"}, f.static.calls)
}

// TestReviewChange_MergesAIFindings counts findings from both per-file
// analyzers.
func TestReviewChange_MergesAIFindings(t *testing.T) {
	ai := &fakeAI{byPath: map[string][]datatypes.Finding{
		"src/a.ts": {finding("ai.missing-auth-check", "src/a.ts", 7, datatypes.SeverityHigh)},
	}}
	o, f := newTestOrchestrator(t, func(opts *Options) { opts.AI = ai })
	f.static.byPath = map[string][]datatypes.Finding{
		"src/a.ts": {finding("style.loose-equality", "src/a.ts", 2, datatypes.SeverityMedium)},
	}

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"},
	))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, 85, res.Score)
	assert.Equal(t, 1, res.SeverityCounts[datatypes.SeverityHigh])
	assert.Equal(t, 1, res.SeverityCounts[datatypes.SeverityMedium])
}

// TestReviewChange_SchemaFindingsIncluded feeds migration files to the
// reconciler and merges its findings.
func TestReviewChange_SchemaFindingsIncluded(t *testing.T) {
	schema := &fakeSchema{findings: []datatypes.Finding{
		finding("schema.missing-migration", "migrations/0002_users.sql", 0, datatypes.SeverityMedium),
	}}
	o, _ := newTestOrchestrator(t, func(opts *Options) { opts.Schema = schema })

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "migrations/0002_users.sql", Status: datatypes.FileAdded, Content: "ALTER TABLE users ADD email text;\n"},
		datatypes.ChangedFile{Path: "src/users.ts", Status: datatypes.FileModified, Content: "user.email\n"},
	))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, 95, res.Score)
	assert.Equal(t, 1, res.SeverityCounts[datatypes.SeverityMedium])
	assert.Equal(t, []string{"migrations/0002_users.sql"}, schema.migrations)
}

// TestReviewChange_SchemaDegrades converts a reconciler failure into a
// single synthetic medium finding instead of failing the attempt.
func TestReviewChange_SchemaDegrades(t *testing.T) {
	schema := &fakeSchema{err: errors.New("ddl parse exploded")}
	o, _ := newTestOrchestrator(t, func(opts *Options) { opts.Schema = schema })

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "migrations/0002_users.sql", Status: datatypes.FileAdded, Content: "ALTER TABLE users ADD email text;\n"},
	))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, 95, res.Score)
	assert.Equal(t, 1, res.SeverityCounts[datatypes.SeverityMedium])
	assert.Equal(t, datatypes.FailureKind(""), res.FailureKind)
}

// TestReviewChange_SchemaSkippedWithoutMigrations never invokes the
// reconciler when the change touches no migration files.
func TestReviewChange_SchemaSkippedWithoutMigrations(t *testing.T) {
	schema := &fakeSchema{err: errors.New("must not run")}
	o, _ := newTestOrchestrator(t, func(opts *Options) { opts.Schema = schema })

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/app.ts", Status: datatypes.FileModified, Content: "x\n"},
	))
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Empty(t, schema.migrations)
}

// TestReviewChange_StaticFailureFailsClosed marks the attempt failed and
// blocked when deterministic coverage is lost.
func TestReviewChange_StaticFailureFailsClosed(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.static.err = errors.New("scanner crashed")

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"},
	))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.True(t, res.Blocked)
	assert.False(t, res.Passed())
	assert.Equal(t, datatypes.FailureAnalyzer, res.FailureKind)
	assert.Contains(t, res.Error, "scanner crashed")
	assert.NotEmpty(t, res.Remediation)
	assert.Empty(t, res.EvidenceID)

	saved := f.resultStore.all()
	require.Len(t, saved, 1)
	assert.Equal(t, datatypes.StatusFailed, saved[0].Status)
}

// TestReviewChange_MalformedFindingFailsClosed treats an invalid analyzer
// batch as an analyzer failure rather than dropping it.
func TestReviewChange_MalformedFindingFailsClosed(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.static.byPath = map[string][]datatypes.Finding{
		"src/a.ts": {{RuleID: "broken", Severity: "catastrophic", File: "src/a.ts", Message: "m"}},
	}

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"},
	))
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.Equal(t, datatypes.FailureAnalyzer, res.FailureKind)
}

// TestReviewChange_UsageErrorKinds surfaces provider usage failures with
// their own failure kinds.
func TestReviewChange_UsageErrorKinds(t *testing.T) {
	cases := []struct {
		usage datatypes.UsageKind
		want  datatypes.FailureKind
	}{
		{datatypes.UsageRateLimited, datatypes.FailureRateLimited},
		{datatypes.UsageBudgetExhausted, datatypes.FailureBudgetExhausted},
	}
	for _, tc := range cases {
		t.Run(string(tc.usage), func(t *testing.T) {
			ai := &fakeAI{err: datatypes.NewUsageError(tc.usage, "anthropic", "throttled")}
			o, _ := newTestOrchestrator(t, func(opts *Options) { opts.AI = ai })

			res, err := o.ReviewChange(context.Background(), reviewRequest(
				datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"},
			))
			require.NoError(t, err)
			assert.Equal(t, datatypes.StatusFailed, res.Status)
			assert.True(t, res.Blocked)
			assert.Equal(t, tc.want, res.FailureKind)
		})
	}
}

// TestReviewChange_PolicyStoreFailureFails fails closed when policy cannot
// be resolved.
func TestReviewChange_PolicyStoreFailureFails(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.policyStore.err = errors.New("store unavailable")

	res, err := o.ReviewChange(context.Background(), reviewRequest())
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.Equal(t, datatypes.FailurePolicyStore, res.FailureKind)
	assert.True(t, res.Blocked)
	require.Len(t, f.resultStore.all(), 1)
}

// TestReviewChange_EvidenceFailureFails fails the attempt when the bundle
// cannot be written; the decision may not outrun its evidence.
func TestReviewChange_EvidenceFailureFails(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.evidenceStore.saveErr = errors.New("disk full")

	res, err := o.ReviewChange(context.Background(), reviewRequest(
		datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"},
	))
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.Equal(t, datatypes.FailurePersistence, res.FailureKind)
	assert.Empty(t, res.EvidenceID)

	saved := f.resultStore.all()
	require.Len(t, saved, 1)
	assert.Equal(t, datatypes.StatusFailed, saved[0].Status)
}

// TestReviewChange_ResultSaveFailureStillReturnsVerdict returns a failed
// blocked result even when no write succeeds.
func TestReviewChange_ResultSaveFailureStillReturnsVerdict(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.resultStore.saveErr = errors.New("result store down")

	res, err := o.ReviewChange(context.Background(), reviewRequest())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.True(t, res.Blocked)
	assert.Equal(t, datatypes.FailurePersistence, res.FailureKind)
	assert.Empty(t, f.resultStore.all())
}

// TestReviewChange_CancelledContextPersistsNothing abandons the attempt on
// caller cancellation.
func TestReviewChange_CancelledContextPersistsNothing(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.ReviewChange(ctx, reviewRequest(
		datatypes.ChangedFile{Path: "src/a.ts", Status: datatypes.FileModified, Content: "x\n"},
	))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Empty(t, f.resultStore.all())
	assert.Empty(t, f.evidenceStore.bundles)
}

// TestReviewChange_RequestValidation rejects malformed requests before the
// pipeline starts.
func TestReviewChange_RequestValidation(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)

	_, err := o.ReviewChange(context.Background(), nil)
	assert.Error(t, err)

	_, err = o.ReviewChange(context.Background(), &datatypes.ReviewRequest{RepoID: "api", ChangeRef: "pr-1"})
	assert.ErrorIs(t, err, datatypes.ErrInvalidRequest)
	assert.Empty(t, f.resultStore.all())
}

// TestReviewChange_MalformedDiffFails treats an unparseable diff as a
// failed attempt, not a pass.
func TestReviewChange_MalformedDiffFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	req := reviewRequest()
	req.Diff = "this is not a diff\nat all\n"

	res, err := o.ReviewChange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.True(t, res.Blocked)
	assert.Equal(t, datatypes.FailureAnalyzer, res.FailureKind)
}

// TestReviewChange_NotifierBestEffort delivers the result and ignores
// notifier failures.
func TestReviewChange_NotifierBestEffort(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("webhook 500")}
	o, _ := newTestOrchestrator(t, func(opts *Options) { opts.Notifier = notifier })

	res, err := o.ReviewChange(context.Background(), reviewRequest())
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, res.Status)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.got, 1)
	assert.Equal(t, res.ID, notifier.got[0].ID)
}

// TestCheckDrift_EvaluatesArtifacts runs artifacts through the shared
// pipeline under the drift kind.
func TestCheckDrift_EvaluatesArtifacts(t *testing.T) {
	o, f := newTestOrchestrator(t, nil)
	f.static.byPath = map[string][]datatypes.Finding{
		"docs/api.md": {finding("drift.stale-endpoint", "docs/api.md", 14, datatypes.SeverityCritical)},
	}

	res, err := o.CheckDrift(context.Background(), &datatypes.DriftRequest{
		OrgID:       "acme",
		RepoID:      "api",
		ArtifactRef: "weekly-audit",
		Artifacts: []datatypes.ChangedFile{
			{Path: "docs/api.md", Status: datatypes.FileModified, Content: "GET /v2/users\n"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, KindDrift, res.Kind)
	assert.Equal(t, "weekly-audit", res.ChangeRef)
	assert.True(t, res.Blocked)

	_, err = o.CheckDrift(context.Background(), nil)
	assert.Error(t, err)
}

// TestExportEvidence_RoundTrip exports a produced bundle in the versioned
// envelope.
func TestExportEvidence_RoundTrip(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	res, err := o.ReviewChange(context.Background(), reviewRequest())
	require.NoError(t, err)
	require.NotEmpty(t, res.EvidenceID)

	export, err := o.ExportEvidence(context.Background(), res.EvidenceID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.EvidenceSchemaVersion, export.SchemaVersion)
	require.NotNil(t, export.Bundle)
	assert.Equal(t, res.EvidenceID, export.Bundle.ID)
	require.NotNil(t, export.Policy)
	assert.Equal(t, res.PolicyChecksum, export.Policy.Checksum)

	_, err = o.ExportEvidence(context.Background(), "no-such-bundle")
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

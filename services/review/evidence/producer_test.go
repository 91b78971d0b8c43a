// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// memStore is a write-once in-memory bundle store.
type memStore struct {
	bundles map[string]*datatypes.EvidenceBundle
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{bundles: make(map[string]*datatypes.EvidenceBundle)}
}

func (s *memStore) Save(ctx context.Context, b *datatypes.EvidenceBundle) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	if _, exists := s.bundles[b.ID]; exists {
		return "", errors.New("bundle already exists")
	}
	clone := *b
	s.bundles[b.ID] = &clone
	return b.ID, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*datatypes.EvidenceBundle, error) {
	b, ok := s.bundles[id]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func sampleInput() ProduceInput {
	return ProduceInput{
		LinkedResourceID: "review-123",
		Kind:             "review",
		OrgID:            "org-1",
		RepoID:           "repo-1",
		ChangeRef:        "pr-42",
		Branch:           "main",
		Diff:             "--- a/a.ts\n+++ b/a.ts\n@@ -1 +1 @@\n-x\n+y\n",
		FilePaths:        []string{"a.ts", "b.ts"},
		FindingCount:     2,
		RulesFired:       []string{"xss", "sql-injection"},
		Score:            70,
		PolicyChecksum:   "abc123",
		ToolVersions:     map[string]string{"pattern-scan": "1.4.0"},
		TimingsMS:        map[string]int64{"collect": 120, "evaluate": 2},
	}
}

func TestProduceSealsAndPersists(t *testing.T) {
	store := newMemStore()
	p, err := NewProducer(store)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	bundle, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if bundle.ID == "" {
		t.Error("bundle must carry an ID")
	}
	if bundle.Digest == "" {
		t.Error("bundle must be sealed with a digest")
	}
	if err := Verify(bundle); err != nil {
		t.Errorf("fresh bundle failed verification: %v", err)
	}
	if _, ok := store.bundles[bundle.ID]; !ok {
		t.Error("bundle was not persisted")
	}
	// RulesFired must come back canonical regardless of input order.
	if bundle.RulesFired[0] != "sql-injection" || bundle.RulesFired[1] != "xss" {
		t.Errorf("RulesFired = %v, want sorted", bundle.RulesFired)
	}
	if bundle.Inputs.FileCount != 2 || bundle.Inputs.FindingCount != 2 {
		t.Errorf("input counts = %d/%d, want 2/2",
			bundle.Inputs.FileCount, bundle.Inputs.FindingCount)
	}
}

func TestProduceDeterministicFields(t *testing.T) {
	store := newMemStore()
	p, _ := NewProducer(store)

	a, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce a: %v", err)
	}
	b, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce b: %v", err)
	}

	// Identical inputs pin identical hashes and score, whatever the
	// attempt identity.
	if a.Inputs.DiffSHA256 != b.Inputs.DiffSHA256 {
		t.Error("same diff produced different diff hashes")
	}
	if a.Inputs.FileListSHA256 != b.Inputs.FileListSHA256 {
		t.Error("same file set produced different file list hashes")
	}
	if a.DeterministicScore != b.DeterministicScore {
		t.Error("same inputs produced different scores")
	}
	if a.ID == b.ID {
		t.Error("attempts must get distinct bundle IDs")
	}
}

func TestProduceAcceptsPresuppliedHashes(t *testing.T) {
	store := newMemStore()
	p, _ := NewProducer(store)

	in := sampleInput()
	in.Diff = ""
	in.FilePaths = nil
	in.DiffSHA256 = "feedface"
	in.FileListSHA256 = "cafebabe"

	bundle, err := p.Produce(context.Background(), in)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if bundle.Inputs.DiffSHA256 != "feedface" {
		t.Errorf("DiffSHA256 = %q, want the presupplied hash", bundle.Inputs.DiffSHA256)
	}
	if bundle.Inputs.FileListSHA256 != "cafebabe" {
		t.Errorf("FileListSHA256 = %q, want the presupplied hash", bundle.Inputs.FileListSHA256)
	}
	if err := Verify(bundle); err != nil {
		t.Errorf("bundle with presupplied hashes failed verification: %v", err)
	}
}

func TestHashFileListOrderIndependent(t *testing.T) {
	a := HashFileList([]string{"b.ts", "a.ts", "c/d.go"})
	b := HashFileList([]string{"c/d.go", "a.ts", "b.ts"})
	if a != b {
		t.Error("file list hash must not depend on order")
	}

	c := HashFileList([]string{"a.ts", "a.ts", "b.ts", "c/d.go"})
	if a != c {
		t.Error("file list hash must not depend on duplicates")
	}

	d := HashFileList([]string{"a.ts", "b.ts"})
	if a == d {
		t.Error("different file sets must hash differently")
	}
}

func TestVerifyDetectsMutation(t *testing.T) {
	store := newMemStore()
	p, _ := NewProducer(store)

	bundle, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*datatypes.EvidenceBundle)
	}{
		{"score changed", func(b *datatypes.EvidenceBundle) { b.DeterministicScore = 100 }},
		{"rule list changed", func(b *datatypes.EvidenceBundle) { b.RulesFired = nil }},
		{"policy checksum changed", func(b *datatypes.EvidenceBundle) { b.PolicyChecksum = "other" }},
		{"diff hash changed", func(b *datatypes.EvidenceBundle) { b.Inputs.DiffSHA256 = "0000" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clone := *bundle
			tt.mutate(&clone)
			if !errors.Is(Verify(&clone), ErrDigestMismatch) {
				t.Error("Verify should detect the mutation")
			}
		})
	}
}

func TestLoadVerifiesDigest(t *testing.T) {
	store := newMemStore()
	p, _ := NewProducer(store)

	bundle, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	loaded, err := p.Load(context.Background(), bundle.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != bundle.ID {
		t.Errorf("Load returned %s, want %s", loaded.ID, bundle.ID)
	}

	// Corrupt the stored copy; Load must refuse to return it.
	store.bundles[bundle.ID].DeterministicScore = 100
	if _, err := p.Load(context.Background(), bundle.ID); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Load error = %v, want ErrDigestMismatch", err)
	}

	if _, err := p.Load(context.Background(), "missing-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestExportSchemaVersioned(t *testing.T) {
	store := newMemStore()
	p, _ := NewProducer(store)

	bundle, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	export, err := p.Export(bundle, &datatypes.PolicySnapshot{Checksum: "abc123", Source: "pack"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if export.SchemaVersion != datatypes.EvidenceSchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", export.SchemaVersion, datatypes.EvidenceSchemaVersion)
	}
	if export.Bundle.ID != bundle.ID {
		t.Error("export must embed the bundle")
	}
	if export.Policy == nil || export.Policy.Checksum != "abc123" {
		t.Error("export must embed the policy snapshot")
	}
	if export.ExportedAt.IsZero() {
		t.Error("export must carry its timestamp")
	}

	if _, err := p.Export(nil, nil); !errors.Is(err, ErrNilBundle) {
		t.Errorf("Export(nil) error = %v, want ErrNilBundle", err)
	}
}

func TestProduceStoreFailurePropagates(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	p, _ := NewProducer(store)

	if _, err := p.Produce(context.Background(), sampleInput()); !errors.Is(err, store.saveErr) {
		t.Errorf("Produce error = %v, want wrapped store error", err)
	}
}

func TestProducerTimeIsUTC(t *testing.T) {
	store := newMemStore()
	p, _ := NewProducer(store)
	p.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("PST", -8*3600))
	}

	bundle, err := p.Produce(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if bundle.CreatedAt.Location() != time.UTC {
		t.Error("CreatedAt must be stored in UTC")
	}
}

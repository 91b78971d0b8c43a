// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence assembles and verifies the immutable audit bundles that
// prove which policy version produced a decision.
//
// # Description
//
// A bundle pins the inputs (content hashes), the fired rules, the
// deterministic score, and the policy checksum, and carries its own digest
// over canonical JSON so later mutation of stored evidence is detectable
// offline. Bundles are written exactly once.
//
// # Thread Safety
//
// The Producer is safe for concurrent use.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

var (
	// ErrNilStore indicates the producer was built without a store.
	ErrNilStore = errors.New("evidence store cannot be nil")

	// ErrNilBundle indicates a nil bundle was passed where one is required.
	ErrNilBundle = errors.New("evidence bundle cannot be nil")

	// ErrDigestMismatch indicates a bundle whose content no longer hashes
	// to its recorded digest.
	ErrDigestMismatch = errors.New("evidence digest mismatch")

	// ErrNotFound indicates no bundle exists under the requested ID.
	ErrNotFound = errors.New("evidence bundle not found")
)

// Store persists evidence bundles. Implementations live under
// services/review/storage. Save must reject overwrites: bundles are
// write-once.
type Store interface {
	Save(ctx context.Context, bundle *datatypes.EvidenceBundle) (string, error)
	Get(ctx context.Context, id string) (*datatypes.EvidenceBundle, error)
}

// HashContent returns the sha256 hex digest of raw content bytes.
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// HashFileList returns the canonical hash of a file path set.
//
// Description:
//
//	Paths are de-duplicated, sorted, and newline-joined before hashing,
//	so the hash depends only on the set of files, never on the order the
//	pipeline happened to visit them in.
func HashFileList(paths []string) string {
	unique := make(map[string]bool, len(paths))
	for _, p := range paths {
		unique[p] = true
	}
	sorted := make([]string, 0, len(unique))
	for p := range unique {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	h := sha256.New()
	for i, p := range sorted {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeDigest hashes the canonical JSON of the bundle with Digest blanked.
func ComputeDigest(bundle *datatypes.EvidenceBundle) (string, error) {
	if bundle == nil {
		return "", ErrNilBundle
	}
	clone := *bundle
	clone.Digest = ""
	canonical, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal bundle for digest: %w", err)
	}
	return HashContent(canonical), nil
}

// Verify recomputes the bundle digest and compares it to the recorded one.
func Verify(bundle *datatypes.EvidenceBundle) error {
	if bundle == nil {
		return ErrNilBundle
	}
	want, err := ComputeDigest(bundle)
	if err != nil {
		return err
	}
	if bundle.Digest != want {
		return fmt.Errorf("%w: bundle %s: recorded %s, computed %s",
			ErrDigestMismatch, bundle.ID, bundle.Digest, want)
	}
	return nil
}

// ProduceInput carries everything the producer pins into a bundle.
type ProduceInput struct {
	LinkedResourceID string
	Kind             string // "review" or "drift"
	OrgID            string
	RepoID           string
	ChangeRef        string
	Branch           string
	Diff             string
	DiffSHA256       string // precomputed; derived from Diff when empty
	FilePaths        []string
	FileListSHA256   string // precomputed; derived from FilePaths when empty
	FindingCount     int
	RulesFired       []string
	Score            int
	PolicyChecksum   string
	ToolVersions     map[string]string
	TimingsMS        map[string]int64
}

// Producer assembles and persists evidence bundles.
type Producer struct {
	store Store
	now   func() time.Time
}

// NewProducer builds a producer over the given store.
func NewProducer(store Store) (*Producer, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	return &Producer{store: store, now: time.Now}, nil
}

// Produce assembles a bundle, seals it with its digest, and persists it.
//
// Description:
//
//	The deterministic fields (input hashes, rules fired, score, policy
//	checksum) depend only on the evaluation inputs; ID, CreatedAt, and
//	therefore Digest are attempt-specific. Input hashes are computed
//	from the raw diff and file list unless the caller supplies them
//	precomputed. RulesFired is re-sorted so the stored form is
//	canonical no matter what the caller passed.
//
// Inputs:
//
//	ctx - Context for the store write.
//	in - The evaluation outcome to pin.
//
// Outputs:
//
//	*datatypes.EvidenceBundle - The persisted, sealed bundle.
//	error - Assembly or store failure. The caller treats this as a
//	        pipeline failure; decisions without evidence do not complete.
func (p *Producer) Produce(ctx context.Context, in ProduceInput) (*datatypes.EvidenceBundle, error) {
	rules := make([]string, len(in.RulesFired))
	copy(rules, in.RulesFired)
	sort.Strings(rules)

	diffHash := in.DiffSHA256
	if diffHash == "" {
		diffHash = HashContent([]byte(in.Diff))
	}
	fileListHash := in.FileListSHA256
	if fileListHash == "" {
		fileListHash = HashFileList(in.FilePaths)
	}

	bundle := &datatypes.EvidenceBundle{
		ID:               uuid.NewString(),
		LinkedResourceID: in.LinkedResourceID,
		Kind:             in.Kind,
		Inputs: datatypes.EvidenceInputs{
			DiffSHA256:     diffHash,
			FileListSHA256: fileListHash,
			OrgID:          in.OrgID,
			RepoID:         in.RepoID,
			ChangeRef:      in.ChangeRef,
			Branch:         in.Branch,
			FileCount:      len(in.FilePaths),
			FindingCount:   in.FindingCount,
		},
		RulesFired:         rules,
		DeterministicScore: in.Score,
		PolicyChecksum:     in.PolicyChecksum,
		ToolVersions:       copyStringMap(in.ToolVersions),
		TimingsMS:          copyInt64Map(in.TimingsMS),
		CreatedAt:          p.now().UTC(),
	}

	digest, err := ComputeDigest(bundle)
	if err != nil {
		return nil, err
	}
	bundle.Digest = digest

	if _, err := p.store.Save(ctx, bundle); err != nil {
		return nil, fmt.Errorf("persist evidence bundle %s: %w", bundle.ID, err)
	}
	return bundle, nil
}

// Export reshapes a bundle into its schema-versioned external form.
func (p *Producer) Export(bundle *datatypes.EvidenceBundle, snapshot *datatypes.PolicySnapshot) (*datatypes.EvidenceExport, error) {
	if bundle == nil {
		return nil, ErrNilBundle
	}
	return &datatypes.EvidenceExport{
		SchemaVersion: datatypes.EvidenceSchemaVersion,
		Bundle:        bundle,
		Policy:        snapshot,
		ExportedAt:    p.now().UTC(),
	}, nil
}

// Load fetches a bundle by ID and verifies its digest before returning it.
func (p *Producer) Load(ctx context.Context, id string) (*datatypes.EvidenceBundle, error) {
	bundle, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := Verify(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

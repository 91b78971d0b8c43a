// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
)

var (
	// ErrPackVersionExists indicates an attempt to overwrite a published
	// pack version. Pack history is append-only.
	ErrPackVersionExists = errors.New("policy pack version already exists")

	// ErrWaiverNotFound indicates a delete for a waiver that is not stored.
	ErrWaiverNotFound = errors.New("waiver not found")
)

// PolicyStore persists policy packs and waivers.
//
// Description:
//
//	Implements policy.Store. Packs are append-only: publishing writes a
//	new version key and never touches earlier versions, so the source of
//	any historical verdict can be re-read. Waivers live under their
//	org/repo scope; an empty repo scope stores an org-wide waiver that
//	applies to every repository in the org.
//
// Thread Safety: Safe for concurrent use.
type PolicyStore struct {
	db *DB
}

// NewPolicyStore creates a pack/waiver store over an open database.
func NewPolicyStore(db *DB) (*PolicyStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &PolicyStore{db: db}, nil
}

// SavePack publishes a pack version.
//
// Description:
//
//	Version zero means "next": the store reads the current latest version
//	for the scope and assigns latest+1 on the pack before writing. A
//	non-zero version must not already exist. The checksum is computed
//	from the source text when empty and verified when set, so a pack can
//	never be stored with a checksum that does not match its source.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	pack - The pack to publish. Version and Checksum may be mutated.
//
// Outputs:
//
//	error - ErrPackVersionExists on overwrite, or validation/storage failure.
func (s *PolicyStore) SavePack(ctx context.Context, pack *policy.PolicyPack) error {
	if pack == nil {
		return errors.New("pack must not be nil")
	}
	if pack.OrgID == "" {
		return fmt.Errorf("%w: orgId is required", policy.ErrInvalidPack)
	}
	if pack.Checksum == "" {
		pack.Checksum = policy.Checksum([]byte(pack.SourceText))
	} else if err := pack.VerifyChecksum(); err != nil {
		return err
	}

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if pack.Version == 0 {
			latest, err := latestPack(txn, pack.OrgID, pack.RepoID)
			if err != nil {
				return err
			}
			if latest == nil {
				pack.Version = 1
			} else {
				pack.Version = latest.Version + 1
			}
		}

		// The read also registers the key with the transaction, so a
		// concurrent publish of the same version fails at commit instead
		// of overwriting.
		key := packKey(pack.OrgID, pack.RepoID, pack.Version)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s/%s v%d",
				ErrPackVersionExists, pack.OrgID, pack.RepoID, pack.Version)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check pack version: %w", err)
		}

		raw, err := json.Marshal(pack)
		if err != nil {
			return fmt.Errorf("encode pack %s: %w", pack.ID, err)
		}
		return txn.Set(key, raw)
	})
}

// LoadLatestPack returns the highest stored pack version for the scope.
//
// Description:
//
//	Returns (nil, nil) when the scope has no pack; the resolver falls
//	back to org scope and then to the tier default. The checksum is
//	verified on every read, so a tampered value can never drive a
//	verdict.
//
// Thread Safety: Safe for concurrent use.
func (s *PolicyStore) LoadLatestPack(ctx context.Context, orgID, repoID string) (*policy.PolicyPack, error) {
	var pack *policy.PolicyPack
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		pack, err = latestPack(txn, orgID, repoID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, nil
	}
	if err := pack.VerifyChecksum(); err != nil {
		return nil, fmt.Errorf("stored pack %s/%s v%d: %w", orgID, repoID, pack.Version, err)
	}
	return pack, nil
}

// latestPack reads the highest version key under the scope prefix.
// Returns (nil, nil) when the scope is empty.
func latestPack(txn *badger.Txn, orgID, repoID string) (*policy.PolicyPack, error) {
	prefix := packScopePrefix(orgID, repoID)

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the largest possible key in the prefix, then step back.
	seek := append(append([]byte{}, prefix...), 0xFF)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return nil, nil
	}

	pack := new(policy.PolicyPack)
	err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, pack)
	})
	if err != nil {
		return nil, fmt.Errorf("decode pack %s: %w", it.Item().Key(), err)
	}
	return pack, nil
}

// SaveWaiver stores a waiver under its org/repo scope.
//
// Description:
//
//	An empty repoID stores an org-wide waiver. The waiver's ID is
//	assigned when empty. Scope and path pattern are validated before the
//	write so a malformed waiver can never reach the resolver.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	orgID - Owning org. Required.
//	repoID - Owning repo, or empty for org-wide.
//	w - The waiver. ID may be mutated.
func (s *PolicyStore) SaveWaiver(ctx context.Context, orgID, repoID string, w *policy.Waiver) error {
	if w == nil {
		return errors.New("waiver must not be nil")
	}
	if orgID == "" {
		return errors.New("orgId is required")
	}
	if w.RuleID == "" {
		return errors.New("waiver ruleId is required")
	}
	if !w.Scope.Valid() {
		return fmt.Errorf("waiver scope %q is not one of repo, branch, path", w.Scope)
	}
	if w.Scope != policy.ScopeRepo && w.ScopeValue == "" {
		return fmt.Errorf("%s-scoped waiver requires a scopeValue", w.Scope)
	}
	if err := w.Compile(); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode waiver %s: %w", w.ID, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(waiverKey(orgID, repoID, w.ID), raw)
	})
}

// LoadActiveWaivers returns the unexpired waivers visible to a repo.
//
// Description:
//
//	Merges org-wide waivers with repo-scoped ones and drops anything
//	expired at the given clock. Expiry filtering here is the guarantee
//	the resolver relies on: downstream code treats every returned waiver
//	as active. Order is deterministic (org-wide first, then repo, each
//	in key order).
//
// Thread Safety: Safe for concurrent use.
func (s *PolicyStore) LoadActiveWaivers(ctx context.Context, orgID, repoID string, now time.Time) ([]policy.Waiver, error) {
	var waivers []policy.Waiver
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := collectWaivers(txn, waiverScopePrefix(orgID, ""), now, &waivers); err != nil {
			return err
		}
		if repoID != "" {
			return collectWaivers(txn, waiverScopePrefix(orgID, repoID), now, &waivers)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return waivers, nil
}

func collectWaivers(txn *badger.Txn, prefix []byte, now time.Time, out *[]policy.Waiver) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var w policy.Waiver
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &w)
		})
		if err != nil {
			return fmt.Errorf("decode waiver %s: %w", it.Item().Key(), err)
		}
		if !w.Active(now) {
			continue
		}
		*out = append(*out, w)
	}
	return nil
}

// DeleteWaiver removes a waiver before its natural expiry.
//
// Outputs:
//
//	error - ErrWaiverNotFound when no waiver is stored under the scope and ID.
func (s *PolicyStore) DeleteWaiver(ctx context.Context, orgID, repoID, waiverID string) error {
	key := waiverKey(orgID, repoID, waiverID)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrWaiverNotFound, waiverID)
		}
		if err != nil {
			return fmt.Errorf("check waiver: %w", err)
		}
		return txn.Delete(key)
	})
}

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

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// ErrEvidenceExists indicates a write to an evidence ID that already holds a
// bundle. Evidence is write-once.
var ErrEvidenceExists = errors.New("evidence bundle already exists")

// EvidenceStore persists evidence bundles.
//
// Description:
//
//	Implements evidence.Store. Bundles are write-once: a second save
//	under the same ID fails instead of replacing the stored bundle, so
//	the audit record behind a verdict cannot be rewritten. Digest
//	verification happens in the evidence producer on load; the store
//	only guarantees the bytes come back unchanged.
//
// Thread Safety: Safe for concurrent use.
type EvidenceStore struct {
	db *DB
}

// NewEvidenceStore creates an evidence store over an open database.
func NewEvidenceStore(db *DB) (*EvidenceStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &EvidenceStore{db: db}, nil
}

// Save stores a bundle and returns its ID.
//
// Description:
//
//	Assigns an ID when the bundle carries none. Fails with
//	ErrEvidenceExists when the ID is already stored.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	bundle - The bundle to store. ID may be mutated.
//
// Outputs:
//
//	string - The stored bundle's ID.
//	error - ErrEvidenceExists on duplicate ID, or storage failure.
func (s *EvidenceStore) Save(ctx context.Context, bundle *datatypes.EvidenceBundle) (string, error) {
	if bundle == nil {
		return "", errors.New("bundle must not be nil")
	}
	if bundle.ID == "" {
		bundle.ID = uuid.NewString()
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("encode evidence bundle %s: %w", bundle.ID, err)
	}

	key := evidenceKey(bundle.ID)
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrEvidenceExists, bundle.ID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check evidence bundle: %w", err)
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return "", err
	}
	return bundle.ID, nil
}

// Get returns the bundle stored under the ID, or (nil, nil) when absent.
//
// Thread Safety: Safe for concurrent use.
func (s *EvidenceStore) Get(ctx context.Context, id string) (*datatypes.EvidenceBundle, error) {
	var bundle *datatypes.EvidenceBundle
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(evidenceKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read evidence bundle %s: %w", id, err)
		}
		bundle = new(datatypes.EvidenceBundle)
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, bundle)
		})
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

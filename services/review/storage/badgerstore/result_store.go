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

// ErrResultExists indicates a write to a result ID that is already stored.
// Results are immutable once persisted.
var ErrResultExists = errors.New("review result already exists")

// ResultStore persists review results.
//
// Description:
//
//	Implements review.ResultStore. Each result is write-once under its
//	ID. Save also updates a latest-per-change pointer so the most recent
//	verdict for a change ref can be read back without knowing the
//	attempt ID. Re-reviewing a change writes a new result and moves the
//	pointer; earlier attempts stay readable by ID.
//
// Thread Safety: Safe for concurrent use.
type ResultStore struct {
	db *DB
}

// NewResultStore creates a result store over an open database.
func NewResultStore(db *DB) (*ResultStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &ResultStore{db: db}, nil
}

// Save stores a result and moves the change pointer.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	result - The result to store. ID may be mutated when empty.
//
// Outputs:
//
//	error - ErrResultExists on duplicate ID, or storage failure.
func (s *ResultStore) Save(ctx context.Context, result *datatypes.ReviewResult) error {
	if result == nil {
		return errors.New("result must not be nil")
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.ID, err)
	}

	key := resultKey(result.ID)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrResultExists, result.ID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check result: %w", err)
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		if result.ChangeRef != "" {
			pointer := changeKey(result.OrgID, result.RepoID, result.ChangeRef)
			return txn.Set(pointer, []byte(result.ID))
		}
		return nil
	})
}

// Get returns the result stored under the ID, or (nil, nil) when absent.
//
// Thread Safety: Safe for concurrent use.
func (s *ResultStore) Get(ctx context.Context, id string) (*datatypes.ReviewResult, error) {
	var result *datatypes.ReviewResult
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		result, err = getResult(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetLatest returns the most recent result for a change ref, or (nil, nil)
// when the change has never been reviewed.
//
// Thread Safety: Safe for concurrent use.
func (s *ResultStore) GetLatest(ctx context.Context, orgID, repoID, changeRef string) (*datatypes.ReviewResult, error) {
	var result *datatypes.ReviewResult
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(changeKey(orgID, repoID, changeRef))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read change pointer: %w", err)
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		result, err = getResult(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getResult(txn *badger.Txn, id string) (*datatypes.ReviewResult, error) {
	item, err := txn.Get(resultKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", id, err)
	}
	result := new(datatypes.ReviewResult)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

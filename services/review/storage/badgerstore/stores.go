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

// Stores bundles the domain stores over one open database.
type Stores struct {
	DB       *DB
	Policy   *PolicyStore
	Evidence *EvidenceStore
	Results  *ResultStore
}

// OpenStores opens the database and constructs all domain stores.
//
// Description:
//
//	One call wires everything the pipeline persists to. Close the
//	returned Stores when done; closing stops GC and releases the
//	database.
//
// Outputs:
//
//	*Stores - Ready-to-use store set.
//	error - Non-nil if the database cannot be opened.
func OpenStores(cfg Config) (*Stores, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	policyStore, err := NewPolicyStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	evidenceStore, err := NewEvidenceStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	resultStore, err := NewResultStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Stores{
		DB:       db,
		Policy:   policyStore,
		Evidence: evidenceStore,
		Results:  resultStore,
	}, nil
}

// Close stops background GC and closes the database.
func (s *Stores) Close() error {
	return s.DB.Close()
}

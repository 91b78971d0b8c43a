// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filestore provides a read-only policy store backed by a directory
// of YAML files, for development and CLI use.
//
// Layout under the root directory:
//
//	<org>/pack.yaml            org-wide policy pack
//	<org>/waivers.yaml         org-wide waivers
//	<org>/<repo>/pack.yaml     repo-scoped policy pack
//	<org>/<repo>/waivers.yaml  repo-scoped waivers
//
// Files are edited by hand (or checked into git); the store never writes.
// Parsing is strict and failures propagate, so a malformed pack blocks
// reviews instead of silently weakening them. With Watch running, parsed
// files are cached and invalidated on filesystem events; without it every
// load re-reads the file.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
)

const (
	packFileName   = "pack.yaml"
	waiverFileName = "waivers.yaml"
)

// Store reads policy packs and waivers from a directory tree.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	root   string
	logger *slog.Logger

	mu       sync.RWMutex
	watching bool
	packs    map[string]packEntry
	waivers  map[string][]policy.Waiver

	watcher  *watcher
	stopOnce sync.Once
}

// packEntry caches a parse result. A nil pack records that the scope has no
// pack file, so repeated misses skip the stat.
type packEntry struct {
	pack *policy.PolicyPack
}

// NewStore creates a store over an existing directory.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("policy directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy directory %s is not a directory", root)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    root,
		logger:  logger,
		packs:   make(map[string]packEntry),
		waivers: make(map[string][]policy.Waiver),
	}, nil
}

// Root returns the directory the store reads from.
func (s *Store) Root() string {
	return s.root
}

// LoadLatestPack reads the pack file for the scope.
//
// Description:
//
//	Returns (nil, nil) when the scope has no pack file; the resolver
//	falls back. The checksum is pinned from the file bytes on every
//	parse, so an edited file always yields a new checksum.
func (s *Store) LoadLatestPack(ctx context.Context, orgID, repoID string) (*policy.PolicyPack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := scopeKey(orgID, repoID)

	s.mu.RLock()
	entry, cached := s.packs[key]
	watching := s.watching
	s.mu.RUnlock()
	if watching && cached {
		return entry.pack, nil
	}

	pack, err := s.readPack(orgID, repoID)
	if err != nil {
		return nil, err
	}
	if watching {
		s.mu.Lock()
		s.packs[key] = packEntry{pack: pack}
		s.mu.Unlock()
	}
	return pack, nil
}

func (s *Store) readPack(orgID, repoID string) (*policy.PolicyPack, error) {
	path := s.scopePath(orgID, repoID, packFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pack file %s: %w", path, err)
	}
	pack, err := policy.ParsePack(orgID, repoID, raw)
	if err != nil {
		return nil, fmt.Errorf("pack file %s: %w", path, err)
	}
	return pack, nil
}

// LoadActiveWaivers merges org-wide and repo waiver files and drops
// anything expired at the given clock.
func (s *Store) LoadActiveWaivers(ctx context.Context, orgID, repoID string, now time.Time) ([]policy.Waiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := s.scopeWaivers(orgID, "")
	if err != nil {
		return nil, err
	}
	if repoID != "" {
		repoWaivers, err := s.scopeWaivers(orgID, repoID)
		if err != nil {
			return nil, err
		}
		all = append(all, repoWaivers...)
	}

	active := make([]policy.Waiver, 0, len(all))
	for _, w := range all {
		if w.Active(now) {
			active = append(active, w)
		}
	}
	return active, nil
}

// scopeWaivers returns the unfiltered waiver list for one scope. Expiry is
// evaluated by the caller so the cache never hides a waiver that was active
// at a different clock.
func (s *Store) scopeWaivers(orgID, repoID string) ([]policy.Waiver, error) {
	key := scopeKey(orgID, repoID)

	s.mu.RLock()
	cached, ok := s.waivers[key]
	watching := s.watching
	s.mu.RUnlock()
	if watching && ok {
		return cached, nil
	}

	waivers, err := s.readWaivers(orgID, repoID)
	if err != nil {
		return nil, err
	}
	if watching {
		s.mu.Lock()
		s.waivers[key] = waivers
		s.mu.Unlock()
	}
	return waivers, nil
}

type waiverFile struct {
	Waivers []policy.Waiver `yaml:"waivers"`
}

func (s *Store) readWaivers(orgID, repoID string) ([]policy.Waiver, error) {
	path := s.scopePath(orgID, repoID, waiverFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read waiver file %s: %w", path, err)
	}

	var wf waiverFile
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("waiver file %s: %w", path, err)
	}
	for i := range wf.Waivers {
		w := &wf.Waivers[i]
		if w.ID == "" {
			return nil, fmt.Errorf("waiver file %s: waiver %d has no id", path, i)
		}
		if w.RuleID == "" {
			return nil, fmt.Errorf("waiver file %s: waiver %s has no ruleId", path, w.ID)
		}
		if !w.Scope.Valid() {
			return nil, fmt.Errorf("waiver file %s: waiver %s has unknown scope %q", path, w.ID, w.Scope)
		}
		if w.Scope != policy.ScopeRepo && w.ScopeValue == "" {
			return nil, fmt.Errorf("waiver file %s: waiver %s needs a scopeValue", path, w.ID)
		}
	}
	return wf.Waivers, nil
}

// scopePath builds <root>/<org>[/<repo>]/<name>.
func (s *Store) scopePath(orgID, repoID, name string) string {
	if repoID == "" {
		return filepath.Join(s.root, orgID, name)
	}
	return filepath.Join(s.root, orgID, repoID, name)
}

func scopeKey(orgID, repoID string) string {
	return orgID + "\x00" + repoID
}

// invalidate drops cached entries for the scope a changed path belongs to.
// Paths outside the <org>[/<repo>]/ layout flush the whole cache.
func (s *Store) invalidate(path string) {
	orgID, repoID, ok := s.scopeOf(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.packs = make(map[string]packEntry)
		s.waivers = make(map[string][]policy.Waiver)
		return
	}
	key := scopeKey(orgID, repoID)
	delete(s.packs, key)
	delete(s.waivers, key)
}

// scopeOf maps an absolute path back to its org/repo scope.
func (s *Store) scopeOf(path string) (orgID, repoID string, ok bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." {
		return "", "", false
	}
	parts := splitPath(rel)
	switch len(parts) {
	case 2: // <org>/<file>
		return parts[0], "", true
	case 3: // <org>/<repo>/<file>
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func splitPath(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}

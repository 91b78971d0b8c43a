// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// Store loads policy packs and waivers. Implementations live under
// services/review/storage.
//
// LoadLatestPack returns (nil, nil) when no pack exists for the scope; the
// resolver falls back. An unreachable store must return an error, never an
// empty pack, so failures stay fail-secure.
type Store interface {
	LoadLatestPack(ctx context.Context, orgID, repoID string) (*PolicyPack, error)
	LoadActiveWaivers(ctx context.Context, orgID, repoID string, now time.Time) ([]Waiver, error)
}

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	// PackCacheTTL bounds how long a loaded pack may be reused before the
	// store is consulted again. Zero disables caching. Waivers are never
	// cached: expiry is evaluated against the request clock on every
	// resolve.
	PackCacheTTL time.Duration `json:"pack_cache_ttl" yaml:"pack_cache_ttl"`

	// Logger receives debug output. Nil falls back to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Resolver merges packs and waivers into the effective policy for a change.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Resolver struct {
	store  Store
	cfg    ResolverConfig
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	packs map[string]packEntry
}

type packEntry struct {
	pack    *PolicyPack // nil means "no pack for this scope" was cached
	expires time.Time
}

// NewResolver builds a resolver over the given store.
func NewResolver(store Store, cfg ResolverConfig) (*Resolver, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		packs:  make(map[string]packEntry),
	}, nil
}

// Resolve computes the effective policy for one change.
//
// Description:
//
//	Precedence: repo-scoped pack, then org-scoped pack, then a pack
//	synthesized from the org's tier. Waivers are loaded fresh for every
//	resolve with the current clock, so an expired waiver can never
//	suppress a finding through cache staleness. Store errors propagate;
//	the orchestrator converts them into a blocked, failed attempt.
//
// Inputs:
//
//	ctx - Context for cancellation and store deadlines.
//	ref - Org, repo, and optional branch the policy applies to.
//	tier - Fallback enforcement tier when no pack exists.
//
// Outputs:
//
//	*EffectivePolicy - Request-scoped merged policy. Never nil on success.
//	error - Store or compile failure.
func (r *Resolver) Resolve(ctx context.Context, ref Ref, tier datatypes.Tier) (*EffectivePolicy, error) {
	pack, source, err := r.loadPack(ctx, ref)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		pack = TierDefaultPack(ref.OrgID, ref.RepoID, tier)
		source = "tier-default"
		r.logger.DebugContext(ctx, "no policy pack configured, using tier default",
			"org_id", ref.OrgID, "repo_id", ref.RepoID, "tier", string(tier))
	}

	waivers, err := r.store.LoadActiveWaivers(ctx, ref.OrgID, ref.RepoID, r.now())
	if err != nil {
		return nil, fmt.Errorf("load waivers for %s/%s: %w", ref.OrgID, ref.RepoID, err)
	}
	for i := range waivers {
		if err := waivers[i].Compile(); err != nil {
			return nil, err
		}
	}

	rules := make(map[string]PolicyRule, len(pack.Rules))
	for _, rule := range pack.Rules {
		rules[rule.RuleID] = rule
	}

	return &EffectivePolicy{
		Pack:    pack,
		Source:  source,
		Rules:   rules,
		Waivers: waivers,
		Ref:     ref,
	}, nil
}

// loadPack walks repo scope then org scope, consulting the cache first.
func (r *Resolver) loadPack(ctx context.Context, ref Ref) (*PolicyPack, string, error) {
	scopes := []string{ref.RepoID}
	if ref.RepoID != "" {
		scopes = append(scopes, "")
	}
	for _, repoID := range scopes {
		pack, hit := r.cachedPack(ref.OrgID, repoID)
		if !hit {
			var err error
			pack, err = r.store.LoadLatestPack(ctx, ref.OrgID, repoID)
			if err != nil {
				return nil, "", fmt.Errorf("load pack for %s/%s: %w", ref.OrgID, repoID, err)
			}
			r.storePack(ref.OrgID, repoID, pack)
		}
		if pack != nil {
			return pack, "pack", nil
		}
	}
	return nil, "", nil
}

func (r *Resolver) cachedPack(orgID, repoID string) (*PolicyPack, bool) {
	if r.cfg.PackCacheTTL <= 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.packs[orgID+"\x00"+repoID]
	if !ok || r.now().After(entry.expires) {
		return nil, false
	}
	return entry.pack, true
}

func (r *Resolver) storePack(orgID, repoID string, pack *PolicyPack) {
	if r.cfg.PackCacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs[orgID+"\x00"+repoID] = packEntry{
		pack:    pack,
		expires: r.now().Add(r.cfg.PackCacheTTL),
	}
}

// Invalidate drops any cached pack for the scope. Call when a new pack
// version is published.
func (r *Resolver) Invalidate(orgID, repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.packs, orgID+"\x00"+repoID)
	delete(r.packs, orgID+"\x00")
}

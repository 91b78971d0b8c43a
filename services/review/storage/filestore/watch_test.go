// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filestore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test that an edited pack reaches readers while watching
func TestWatch_ReloadsEditedPack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path := writeScopeFile(t, store.Root(), "acme", "api", "pack.yaml", testPackYAML)

	require.NoError(t, store.Watch(nil))
	defer store.Close()

	first, err := store.LoadLatestPack(ctx, "acme", "api")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Cached until the file changes.
	again, err := store.LoadLatestPack(ctx, "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, again.Checksum)

	require.NoError(t, os.WriteFile(path, []byte(testPackYAML+"# rev 2\n"), 0o644))

	assert.Eventually(t, func() bool {
		pack, err := store.LoadLatestPack(ctx, "acme", "api")
		return err == nil && pack != nil && pack.Checksum != first.Checksum
	}, 5*time.Second, 50*time.Millisecond, "edited pack never became visible")
}

// Test that scoped invalidations reach the callback
func TestWatch_InvalidateCallback(t *testing.T) {
	store := newTestStore(t)

	writeScopeFile(t, store.Root(), "acme", "api", "pack.yaml", testPackYAML)

	var mu sync.Mutex
	var seen [][2]string
	require.NoError(t, store.Watch(func(orgID, repoID string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, [2]string{orgID, repoID})
	}))
	defer store.Close()

	writeScopeFile(t, store.Root(), "acme", "api", "waivers.yaml", testWaiverYAML)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s[0] == "acme" && s[1] == "api" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "invalidation callback never fired")
}

// Test that a brand-new scope directory gets watched
func TestWatch_NewScopeDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Watch(nil))
	defer store.Close()

	// Give the watcher a beat, then create org/repo dirs and a pack.
	time.Sleep(50 * time.Millisecond)
	path := writeScopeFile(t, store.Root(), "newco", "svc", "pack.yaml", testPackYAML)

	var firstChecksum string
	require.Eventually(t, func() bool {
		pack, err := store.LoadLatestPack(ctx, "newco", "svc")
		if err != nil || pack == nil {
			return false
		}
		firstChecksum = pack.Checksum
		return true
	}, 5*time.Second, 50*time.Millisecond)

	// Edits inside the new directory must invalidate the cached pack,
	// which only happens if the subtree was added to the watch set.
	require.NoError(t, os.WriteFile(path, []byte(testPackYAML+"# rev 2\n"), 0o644))

	assert.Eventually(t, func() bool {
		pack, err := store.LoadLatestPack(ctx, "newco", "svc")
		return err == nil && pack != nil && pack.Checksum != firstChecksum
	}, 5*time.Second, 50*time.Millisecond, "edit in new scope directory was not noticed")
}

// Test watcher lifecycle is idempotent
func TestWatch_Lifecycle(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Watch(nil))
	require.NoError(t, store.Watch(nil), "second Watch is a no-op")

	store.Close()
	store.Close() // idempotent

	// Reads still work after Close, uncached.
	writeScopeFile(t, store.Root(), "acme", "", "pack.yaml", testPackYAML)
	pack, err := store.LoadLatestPack(context.Background(), "acme", "")
	require.NoError(t, err)
	assert.NotNil(t, pack)
}

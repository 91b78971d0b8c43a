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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/policy"
)

const (
	// defaultDebounce batches rapid edits (editor save + rename dance)
	// into one invalidation.
	defaultDebounce = 200 * time.Millisecond

	watchBufferSize = 64
)

// watcher owns the fsnotify plumbing for one Store.
type watcher struct {
	fsw    *fsnotify.Watcher
	events chan string
	done   chan struct{}
}

// Watch begins caching parsed files and invalidating cache entries when the
// underlying files change.
//
// Description:
//
//	Watches the root directory and every org/repo subdirectory. Events
//	are debounced, then the affected scope's cache entries are dropped.
//	onInvalidate, when non-nil, runs after each scoped invalidation; the
//	server uses it to flush the resolver's pack cache so a pack edit
//	takes effect on the next review instead of after the cache TTL.
//
//	Safe to call once. Returns nil immediately if already watching.
//
// Inputs:
//
//	onInvalidate - Optional callback per invalidated (org, repo) scope.
//
// Outputs:
//
//	error - Non-nil if the filesystem watcher cannot be created.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Watch(onInvalidate func(orgID, repoID string)) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create policy watcher: %w", err)
	}
	w := &watcher{
		fsw:    fsw,
		events: make(chan string, watchBufferSize),
		done:   make(chan struct{}),
	}
	s.watcher = w
	s.watching = true
	s.mu.Unlock()

	if err := addRecursive(w, s.root); err != nil {
		s.mu.Lock()
		s.watcher = nil
		s.watching = false
		s.mu.Unlock()
		fsw.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	go s.processEvents(w)
	go s.debounceLoop(w, onInvalidate)

	s.logger.Info("watching policy directory", "root", s.root)
	return nil
}

// Close stops watching. Terminal: the store keeps serving reads afterwards,
// but uncached, and Watch cannot be restarted.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		w := s.watcher
		s.watching = false
		s.packs = make(map[string]packEntry)
		s.waivers = make(map[string][]policy.Waiver)
		s.mu.Unlock()

		if w != nil {
			close(w.done)
			w.fsw.Close()
		}
	})
}

// addRecursive watches a directory and its subdirectories, skipping hidden
// entries so a .git dir inside a policy repo stays quiet.
func addRecursive(w *watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// processEvents converts fsnotify events into changed paths on the events
// channel. New directories are added to the watch set as they appear.
func (s *Store) processEvents(w *watcher) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// Walk the new subtree: nested dirs may already
					// exist by the time the create event arrives.
					if !strings.HasPrefix(filepath.Base(event.Name), ".") {
						_ = addRecursive(w, event.Name)
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			// Non-blocking send; a full buffer during an edit storm is
			// fine because any retained event invalidates the same scope.
			select {
			case w.events <- event.Name:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func isPolicyFile(path string) bool {
	base := filepath.Base(path)
	return base == packFileName || base == waiverFileName
}

// debounceLoop batches changed paths and applies invalidations after the
// debounce window expires.
func (s *Store) debounceLoop(w *watcher, onInvalidate func(orgID, repoID string)) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			orgID, repoID, ok := s.scopeOf(path)
			s.invalidate(path)
			s.logger.Debug("policy file changed", "path", path)
			if ok && onInvalidate != nil {
				onInvalidate(orgID, repoID)
			}
		}
		clear(pending)
		timerC = nil
	}

	for {
		select {
		case <-w.done:
			return
		case path := <-w.events:
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(defaultDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(defaultDebounce)
			}
			timerC = timer.C
		case <-timerC:
			flush()
		}
	}
}

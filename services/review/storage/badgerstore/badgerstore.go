// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore provides the embedded persistence layer for the review
// service, backed by BadgerDB.
//
// A single Badger instance holds every durable artifact the pipeline produces:
//
//   - Policy packs (append-only, versioned per org/repo scope)
//   - Waivers (keyed per scope, expiry filtered at query time)
//   - Evidence bundles (write-once, verified on read by the producer)
//   - Review results (write-once, with a latest-per-change pointer)
//
// Self-hosted deployments run entirely on this store; there is no external
// database dependency.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the data directory. Created if missing. Required unless
	// InMemory is set, and ignored when it is.
	Path string `json:"path" yaml:"path"`

	// InMemory keeps everything in RAM. Nothing survives the process;
	// tests and throwaway runs use this.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every commit. Verdicts and evidence are audit
	// artifacts, so production keeps this on.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// Logger receives Badger's internal log output. Nil silences it.
	Logger *slog.Logger `json:"-" yaml:"-"`

	// NumVersionsToKeep bounds Badger's MVCC history per key. Pack
	// history lives in the key space, so one version is enough.
	NumVersionsToKeep int `json:"num_versions_to_keep" yaml:"num_versions_to_keep"`

	// GCInterval is how often value log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`

	// GCDiscardRatio is the garbage fraction of a value log file that
	// makes it worth rewriting, between 0 and 1.
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio"`
}

// DefaultConfig returns the production settings: synchronous writes, one
// MVCC version, GC every five minutes at a 50% discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns the settings tests use: in-memory mode, no
// fsync, GC disabled.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
		GCInterval:        0,
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// buildOptions maps Config onto Badger's option struct.
func buildOptions(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// GCRunner periodically rewrites Badger's value log to reclaim space.
// Badger never garbage collects on its own; a long-running server without
// this grows its value log forever.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	quit chan struct{}
	done chan struct{}
}

// NewGCRunner validates the GC parameters and returns a stopped runner.
//
// Inputs:
//
//	db - the open database. Must not be nil.
//	interval - time between GC passes. Must be positive.
//	ratio - discard ratio handed to Badger, between 0 and 1.
//	logger - optional; nil drops GC log lines.
//
// Outputs:
//
//	*GCRunner - call Start to begin and Stop to halt.
//	error - invalid parameters.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the GC loop.
func (r *GCRunner) Start() {
	go r.loop()
}

// Stop halts the loop and waits for an in-flight GC pass to finish.
func (r *GCRunner) Stop() {
	close(r.quit)
	<-r.done
}

func (r *GCRunner) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

// collect rewrites value log files until Badger reports nothing left worth
// rewriting. One tick may reclaim several files after a burst of writes.
func (r *GCRunner) collect() {
	rewrote := 0
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
			return
		}
		rewrote++
	}
	if rewrote > 0 && r.logger != nil {
		r.logger.Debug("badger value log GC completed", slog.Int("files", rewrote))
	}
}

// DB is an open Badger instance plus its GC runner.
type DB struct {
	*badger.DB
	gcRunner *GCRunner
	path     string
}

// OpenDB opens the embedded store and, for persistent databases with a
// GC interval configured, starts garbage collection.
//
// Outputs:
//
//	*DB - the managed database. Call Close when done.
//	error - invalid configuration or Badger open failure.
func OpenDB(cfg Config) (*DB, error) {
	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	wrapped := &DB{DB: db, path: cfg.Path}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gcRunner = runner
		runner.Start()
	}
	return wrapped, nil
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gcRunner != nil {
		d.gcRunner.Stop()
	}
	return d.DB.Close()
}

// Path returns the data directory, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// WithTxn runs fn inside a read-write transaction and commits when fn
// returns nil. The transaction is discarded on error. The context is
// checked before the transaction starts; Badger itself has no deadline
// support inside a transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// Config is the CLI and server configuration.
//
// Values are resolved in order: defaults, then the config file, then
// READYLAYER_* environment variables. Command flags override everything.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Policy    PolicyConfig    `yaml:"policy"`
	Review    ReviewConfig    `yaml:"review"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StorageConfig locates the embedded database holding results, evidence
// bundles, and published policy packs.
type StorageConfig struct {
	// Path is the BadgerDB directory. Supports ~ expansion.
	Path string `yaml:"path"`

	// InMemory runs storage without persistence. Nothing survives the
	// process; intended for tests and throwaway runs.
	InMemory bool `yaml:"in_memory"`
}

// PolicyConfig selects where policy packs and waivers are read from.
type PolicyConfig struct {
	// Source is "badger" (published packs in the database) or "file"
	// (a directory of YAML packs, watched for changes in serve mode).
	Source string `yaml:"source"`

	// Dir is the pack directory for the file source. Supports ~.
	Dir string `yaml:"dir"`

	// CacheTTL bounds pack cache staleness, e.g. "30s". Empty disables
	// caching.
	CacheTTL string `yaml:"cache_ttl"`
}

// ReviewConfig tunes the review pipeline.
type ReviewConfig struct {
	// Tier is the default strictness when a request carries none:
	// basic, moderate, or maximum.
	Tier string `yaml:"tier"`

	// MaxConcurrency caps parallel per-file analysis. Zero uses the
	// engine default.
	MaxConcurrency int `yaml:"max_concurrency"`

	// AI enables the model-backed reviewer alongside pattern analysis.
	AI AIReviewConfig `yaml:"ai"`
}

// AIReviewConfig controls the optional AI analyzer.
type AIReviewConfig struct {
	// Enabled turns the AI reviewer on. Requires OPENAI_API_KEY (or the
	// mounted secret) at startup.
	Enabled bool `yaml:"enabled"`

	// Model overrides the chat model name.
	Model string `yaml:"model"`
}

// ServerConfig configures `readylayer serve`.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// GinMode is "debug", "release", or "test".
	GinMode string `yaml:"gin_mode"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Dir enables file logging to the given directory. Supports ~.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// TelemetryConfig configures trace and metric export.
type TelemetryConfig struct {
	// TraceExporter is "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter is "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter"`

	// OTLPEndpoint is the collector endpoint for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultCLIConfig returns the configuration used when no file exists.
//
// The defaults favor a laptop: everything under ~/.readylayer, packs
// published into the database, traces off, prometheus metrics on (they
// only surface when serve exposes /metrics).
func DefaultCLIConfig() Config {
	return Config{
		Storage: StorageConfig{
			Path: "~/.readylayer/data",
		},
		Policy: PolicyConfig{
			Source:   "badger",
			Dir:      "~/.readylayer/policies",
			CacheTTL: "30s",
		},
		Review: ReviewConfig{
			Tier: string(datatypes.TierBasic),
		},
		Server: ServerConfig{
			Port:    8080,
			GinMode: "release",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

// defaultConfigPath returns ~/.readylayer/config.yaml, or "" when the
// home directory cannot be determined.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".readylayer", "config.yaml")
}

// LoadConfig resolves the effective configuration.
//
// Parameters:
//   - path: Explicit config file path from --config. Empty falls back to
//     READYLAYER_CONFIG, then ~/.readylayer/config.yaml. A missing
//     fallback file is not an error; a missing explicit file is.
//
// Returns:
//   - Config: Defaults overlaid with the file and environment.
//   - error: Non-nil on read, parse, or validation failure.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultCLIConfig()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("READYLAYER_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath()
	}

	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// No config file yet; defaults apply.
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides layers READYLAYER_* variables over the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("READYLAYER_DATA_DIR"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("READYLAYER_POLICY_SOURCE"); v != "" {
		cfg.Policy.Source = v
	}
	if v := os.Getenv("READYLAYER_POLICY_DIR"); v != "" {
		cfg.Policy.Dir = v
	}
	if v := os.Getenv("READYLAYER_TIER"); v != "" {
		cfg.Review.Tier = v
	}
	if v := os.Getenv("READYLAYER_AI"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Review.AI.Enabled = enabled
		}
	}
	if v := os.Getenv("READYLAYER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("READYLAYER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("READYLAYER_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
}

// Validate checks fields that would otherwise fail deep inside the
// engine with a worse message.
func (c Config) Validate() error {
	switch c.Policy.Source {
	case "badger", "file":
	default:
		return fmt.Errorf("policy.source must be \"badger\" or \"file\", got %q", c.Policy.Source)
	}
	if c.Policy.Source == "file" && c.Policy.Dir == "" {
		return fmt.Errorf("policy.dir is required when policy.source is \"file\"")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if tier := c.Review.Tier; tier != "" && !datatypes.Tier(tier).Valid() {
		return fmt.Errorf("review.tier must be basic, moderate, or maximum, got %q", tier)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if _, err := c.Policy.parseCacheTTL(); err != nil {
		return err
	}
	return nil
}

// parseCacheTTL converts the configured TTL string to a duration.
// Empty means no caching.
func (p PolicyConfig) parseCacheTTL() (time.Duration, error) {
	if p.CacheTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.CacheTTL)
	if err != nil {
		return 0, fmt.Errorf("policy.cache_ttl: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("policy.cache_ttl must not be negative, got %s", p.CacheTTL)
	}
	return d, nil
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

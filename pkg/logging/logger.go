// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides the structured logger shared by the ReadyLayer
// CLI and review server.
//
// It is a thin layer over log/slog that adds the destinations the
// binaries need: stderr by default (text, or JSON with Config.JSON),
// an optional daily log file under Config.LogDir (always JSON), and an
// optional LogExporter for shipping entries to an external sink. A
// single Logger fans out to all configured destinations.
//
// Build one Logger at startup and hand Slog() to the review packages,
// which all take *slog.Logger:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.readylayer/logs",
//	    Service: "server",
//	})
//	defer logger.Close()
//
//	engine, err := evaluate.NewOrchestrator(evaluate.Options{
//	    Logger: logger.Slog(),
//	})
//
// Nothing here redacts. Diffs, provider tokens, and policy waiver
// notes must not reach a log call; log sizes and identifiers instead
// ("diff_bytes", len(req.Diff) rather than the diff itself).
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the minimum-severity knob for a Logger. Levels order as
// Debug < Info < Warn < Error, matching slog.
type Level int

const (
	// LevelDebug: phase transitions, cache hits, per-hunk detail.
	LevelDebug Level = iota

	// LevelInfo: attempt lifecycle, pack publishes, server startup.
	LevelInfo

	// LevelWarn: degraded but continuing (notifier down, stale cache).
	LevelWarn

	// LevelError: the operation failed and the caller will see it.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN" for
// values outside the defined range.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel reads a level name from config or a flag. It is
// case-insensitive, accepts "warning" for Warn, and treats the empty
// string as Info so an unset config key needs no special casing. An
// unrecognized name returns Info and an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// toSlogLevel maps Level onto the slog constants, defaulting to Info.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config selects the Logger's destinations and threshold. The zero
// value logs Info and above to stderr as text.
type Config struct {
	// Level is the minimum level written anywhere. Default LevelInfo.
	Level Level

	// LogDir, when non-empty, adds a JSON log file named
	// "{Service}_{YYYY-MM-DD}.log" under this directory. The
	// directory is created on demand and "~" expands to the home
	// directory. If the directory or file cannot be created the
	// logger runs without it.
	LogDir string

	// Service is stamped on every record as the "service" attribute
	// ("cli", "server"). Empty omits the attribute and falls back to
	// "readylayer" in the log file name.
	Service string

	// JSON switches stderr output from text to JSON. The log file is
	// JSON regardless.
	JSON bool

	// Quiet drops the stderr destination, for commands whose stdout
	// and stderr must stay machine-parseable. If no other destination
	// is configured either, stderr is kept anyway so records are not
	// silently lost.
	Quiet bool

	// Exporter, when set, also receives every record at or above
	// Level as a LogEntry. Export runs on a separate goroutine and
	// its errors are dropped.
	Exporter LogExporter
}

// LogExporter receives log records bound for an external sink: object
// storage, an aggregator, a collector sidecar.
//
// Export is called once per record with a short-deadline context and
// must not block the caller; buffer internally and flush in batches,
// dropping oldest on overflow. Flush drains the buffer and runs at
// shutdown, before Close releases whatever the exporter holds.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is the exporter-facing form of one log record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string

	// Service comes from Config.Service.
	Service string

	// Attrs holds the key-value pairs passed to the log call.
	Attrs map[string]any
}

// Logger writes structured records to every configured destination.
// It is safe for concurrent use. Close it when file logging or an
// exporter is configured.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New builds a Logger from config. It never fails: destinations that
// cannot be set up (an unwritable LogDir) are skipped, and at least
// one destination always remains.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		if f := openLogFile(config.LogDir, config.Service); f != nil {
			logger.file = f
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// openLogFile opens today's append-only log file under dir, creating
// the directory as needed. Returns nil if either step fails.
func openLogFile(dir, service string) *os.File {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil
	}
	if service == "" {
		service = "readylayer"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil
	}
	return f
}

// Default returns an Info-level stderr logger with the service name
// "readylayer".
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "readylayer",
	})
}

// Debug logs at Debug level with slog-style key-value args.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs at Info level with slog-style key-value args.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs at Warn level with slog-style key-value args.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs at Error level with slog-style key-value args. There is
// no Fatal; call os.Exit yourself when an error is terminal.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child Logger carrying additional attributes. The
// child shares the parent's file handle and exporter, so Close on
// either tears down both.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog exposes the underlying *slog.Logger, which is what the review
// packages accept.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the exporter, then syncs and closes the
// log file. Every step runs even after an earlier one fails; the
// first error is returned.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var first error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			first = fmt.Errorf("flush exporter: %w", err)
		}
		if err := l.exporter.Close(); err != nil && first == nil {
			first = fmt.Errorf("close exporter: %w", err)
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil && first == nil {
			first = fmt.Errorf("sync log file: %w", err)
		}
		if err := l.file.Close(); err != nil && first == nil {
			first = fmt.Errorf("close log file: %w", err)
		}
	}
	return first
}

// log dispatches to slog and, when the record clears the configured
// level, hands a copy to the exporter off the calling goroutine.
func (l *Logger) log(level Level, msg string, args ...any) {
	l.slog.Log(context.Background(), level.toSlogLevel(), msg, args...)

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// multiHandler fans one slog record out to several handlers, letting
// stderr stay text while the file gets JSON.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any wrapped handler wants the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to each handler that accepts its level,
// stopping at the first handler error.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// fanout rebuilds the handler set through wrap, preserving order.
func (h *multiHandler) fanout(wrap func(slog.Handler) slog.Handler) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = wrap(handler)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.fanout(func(inner slog.Handler) slog.Handler { return inner.WithAttrs(attrs) })
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	return h.fanout(func(inner slog.Handler) slog.Handler { return inner.WithGroup(name) })
}

// expandPath resolves a leading "~" against the home directory,
// returning the path unchanged when there is no home to resolve.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// argsToMap flattens slog-style variadic args into LogEntry.Attrs.
// Non-string keys and an unpaired trailing value are dropped, the
// same records slog itself would reject.
func argsToMap(args []any) map[string]any {
	attrs := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs[key] = args[i+1]
	}
	return attrs
}

// NopExporter discards everything. Plug it in where a LogExporter is
// required but export is turned off.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error                  { return nil }
func (e *NopExporter) Close() error                                     { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter keeps every exported entry in memory so tests can
// assert on what was logged:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Exporter: exporter, Quiet: true})
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter returns an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

// Export appends the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; the buffer is the destination.
func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a snapshot of the buffer. Mutating the returned
// slice does not affect later calls.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)

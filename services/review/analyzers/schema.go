// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// reconcilerVersion is recorded in evidence bundles.
const reconcilerVersion = "1.1.0"

var (
	// ALTER TABLE t ADD [COLUMN] name type ... NOT NULL
	addNotNullRe = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+(\w+)\s+ADD\s+(?:COLUMN\s+)?(\w+)\s+[^;]*\bNOT\s+NULL\b[^;]*`)

	dropTableRe  = regexp.MustCompile(`(?i)\bDROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?(\w+)`)
	dropColumnRe = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+(\w+)\s+DROP\s+(?:COLUMN\s+)?(?:IF\s+EXISTS\s+)?(\w+)`)

	renameTableRe  = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+(\w+)\s+RENAME\s+TO\s+(\w+)`)
	renameColumnRe = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+\w+\s+RENAME\s+(?:COLUMN\s+)?(\w+)\s+TO\s+(\w+)`)

	defaultClauseRe = regexp.MustCompile(`(?i)\bDEFAULT\b`)
)

// sqlKeywords are tokens the loose regexes can capture in place of an
// identifier, e.g. "ALTER TABLE t ADD CONSTRAINT ..." or "DROP CONSTRAINT".
var sqlKeywords = map[string]bool{
	"constraint": true,
	"index":      true,
	"primary":    true,
	"foreign":    true,
	"unique":     true,
	"check":      true,
}

func isSQLKeyword(name string) bool {
	return sqlKeywords[strings.ToLower(name)]
}

// MigrationChecker cross-checks schema migrations against the code that
// ships alongside them. It is intentionally shallow: it reads the SQL with
// regular expressions, not a parser, because it only has to catch the
// changes that strand running code, not validate the DDL.
//
// Thread Safety: stateless after construction; safe for concurrent use.
type MigrationChecker struct {
	logger *slog.Logger
}

// NewMigrationChecker returns a ready checker.
func NewMigrationChecker() *MigrationChecker {
	return &MigrationChecker{logger: slog.Default().With("component", "migration_checker")}
}

// Name identifies the checker in evidence bundles.
func (m *MigrationChecker) Name() string { return "schema-reconcile" }

// Version reports the checker revision.
func (m *MigrationChecker) Version() string { return reconcilerVersion }

// Reconcile scans migration files for schema changes that conflict with the
// accompanying code.
//
// Description:
//
//	Three checks, all against the new content of the change:
//
//	  - a column added as NOT NULL without a DEFAULT, which fails on any
//	    non-empty table and breaks inserts from code not yet deployed.
//	  - a dropped table or column whose name still appears in the
//	    changed code files.
//	  - a renamed table or column whose old name still appears in the
//	    changed code files.
//
//	Identifiers shorter than three characters are never cross-referenced;
//	the false-positive rate on names like "id" makes the signal worthless.
//
// Inputs:
//
//	ctx - checked between files; a cancelled context stops the scan.
//	migrations - changed migration files (new content populated).
//	code - every other changed file, searched for stale references.
//
// Outputs:
//
//	[]datatypes.Finding - zero or more schema findings.
//	error - context cancellation only.
func (m *MigrationChecker) Reconcile(ctx context.Context, migrations, code []datatypes.ChangedFile) ([]datatypes.Finding, error) {
	var findings []datatypes.Finding
	for _, mig := range migrations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if mig.Status == datatypes.FileDeleted {
			continue
		}
		findings = append(findings, m.checkMigration(mig, code)...)
	}
	if len(findings) > 0 {
		m.logger.Debug("schema reconciliation produced findings", "count", len(findings))
	}
	return findings, nil
}

func (m *MigrationChecker) checkMigration(mig datatypes.ChangedFile, code []datatypes.ChangedFile) []datatypes.Finding {
	var findings []datatypes.Finding
	lines := strings.Split(mig.Content, "\n")
	for i, line := range lines {
		lineNum := i + 1

		if loc := addNotNullRe.FindStringSubmatch(line); loc != nil && !isSQLKeyword(loc[2]) && !hasDefaultClause(line) {
			findings = append(findings, datatypes.Finding{
				RuleID:     "schema.not-null-no-default",
				Severity:   datatypes.SeverityHigh,
				File:       mig.Path,
				Line:       lineNum,
				Message:    fmt.Sprintf("column %q added to %q as NOT NULL without a DEFAULT; the migration fails on any non-empty table", loc[2], loc[1]),
				Fix:        "add a DEFAULT, or add the column nullable and backfill first",
				Confidence: 0.9,
			})
		}

		if loc := dropTableRe.FindStringSubmatch(line); loc != nil {
			if ref := findReference(loc[1], code); ref != "" {
				findings = append(findings, datatypes.Finding{
					RuleID:     "schema.dropped-still-referenced",
					Severity:   datatypes.SeverityHigh,
					File:       mig.Path,
					Line:       lineNum,
					Message:    fmt.Sprintf("table %q is dropped but still referenced in %s", loc[1], ref),
					Fix:        "remove the remaining references before dropping",
					Confidence: 0.8,
				})
			}
		} else if loc := dropColumnRe.FindStringSubmatch(line); loc != nil && !isSQLKeyword(loc[2]) {
			if ref := findReference(loc[2], code); ref != "" {
				findings = append(findings, datatypes.Finding{
					RuleID:     "schema.dropped-still-referenced",
					Severity:   datatypes.SeverityHigh,
					File:       mig.Path,
					Line:       lineNum,
					Message:    fmt.Sprintf("column %q is dropped from %q but still referenced in %s", loc[2], loc[1], ref),
					Fix:        "remove the remaining references before dropping",
					Confidence: 0.8,
				})
			}
		}

		oldName := ""
		if loc := renameTableRe.FindStringSubmatch(line); loc != nil {
			oldName = loc[1]
		} else if loc := renameColumnRe.FindStringSubmatch(line); loc != nil {
			oldName = loc[1]
		}
		if oldName != "" {
			if ref := findReference(oldName, code); ref != "" {
				findings = append(findings, datatypes.Finding{
					RuleID:     "schema.renamed-still-referenced",
					Severity:   datatypes.SeverityMedium,
					File:       mig.Path,
					Line:       lineNum,
					Message:    fmt.Sprintf("%q is renamed but the old name still appears in %s", oldName, ref),
					Fix:        "update the references to the new name in the same change",
					Confidence: 0.7,
				})
			}
		}
	}
	return findings
}

// hasDefaultClause reports whether the statement carries a DEFAULT, which
// makes a NOT NULL addition safe.
func hasDefaultClause(line string) bool {
	return defaultClauseRe.MatchString(line)
}

// findReference returns the path of the first code file that mentions name
// as a whole word, or "" when nothing does.
func findReference(name string, code []datatypes.ChangedFile) string {
	if len(name) < 3 {
		return ""
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return ""
	}
	for _, f := range code {
		if f.Status == datatypes.FileDeleted {
			continue
		}
		if re.MatchString(f.Content) {
			return f.Path
		}
	}
	return ""
}

// IsMigrationPath reports whether a changed file should be treated as a
// schema migration. The pipeline uses it to split the file set before
// calling Reconcile.
func IsMigrationPath(path string) bool {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".sql") {
		return true
	}
	for _, dir := range []string{"migrations/", "db/migrate/"} {
		if strings.Contains(lower, dir) {
			return true
		}
	}
	return false
}

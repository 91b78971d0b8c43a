// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diffparse turns unified diffs into the per-file deltas the review
// pipeline scans.
package diffparse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

// ErrParse indicates diff text that could not be parsed.
var ErrParse = errors.New("diff parse failed")

// Line is one added line, positioned in the post-change file.
type Line struct {
	Number int
	Text   string
}

// FileDelta is the added content of one file in a diff.
//
// Description:
//
//	AddedLines carry post-change line numbers, so findings raised against
//	diff content point at real positions in the new file. Removed and
//	context lines are not retained; the engine evaluates what a change
//	introduces.
type FileDelta struct {
	Path       string
	Status     datatypes.FileStatus
	AddedLines []Line
	Removed    int
}

// AddedContent joins the added lines into one scannable text block.
func (d *FileDelta) AddedContent() string {
	parts := make([]string, len(d.AddedLines))
	for i, l := range d.AddedLines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// Stats summarizes a parsed diff.
type Stats struct {
	FilesAffected int
	LinesAdded    int
	LinesRemoved  int
}

// Parse reads a unified diff into per-file deltas.
//
// Description:
//
//	Handles git-style diffs: a/ and b/ prefixes are stripped, /dev/null
//	sides mark adds and deletes. Line numbers for added lines are derived
//	from hunk positions, advancing on context and added lines only.
//
// Inputs:
//
//	diffText - The raw unified diff. Empty input yields no deltas.
//
// Outputs:
//
//	[]FileDelta - One delta per file, in diff order.
//	error - Wraps ErrParse on malformed input.
func Parse(diffText string) ([]FileDelta, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, nil
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	// The reader swallows non-diff text as extended headers and reports EOF,
	// so garbage input surfaces as zero files rather than an error.
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("%w: no file headers in input", ErrParse)
	}

	deltas := make([]FileDelta, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		deltas = append(deltas, fileDelta(fd))
	}
	return deltas, nil
}

func fileDelta(fd *diff.FileDiff) FileDelta {
	status := datatypes.FileModified
	if fd.OrigName == "/dev/null" {
		status = datatypes.FileAdded
	}
	if fd.NewName == "/dev/null" {
		status = datatypes.FileDeleted
	}

	path := fd.NewName
	if path == "" || path == "/dev/null" {
		path = fd.OrigName
	}
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")

	delta := FileDelta{Path: path, Status: status}

	for _, hunk := range fd.Hunks {
		newLine := int(hunk.NewStartLine)
		for _, raw := range strings.Split(string(hunk.Body), "\n") {
			if raw == "" {
				continue
			}
			switch raw[0] {
			case '+':
				delta.AddedLines = append(delta.AddedLines, Line{Number: newLine, Text: raw[1:]})
				newLine++
			case ' ':
				newLine++
			case '-':
				delta.Removed++
			case '\\':
				// "\ No newline at end of file"
			}
		}
	}
	return delta
}

// Summarize computes diff statistics over parsed deltas.
func Summarize(deltas []FileDelta) Stats {
	s := Stats{FilesAffected: len(deltas)}
	for _, d := range deltas {
		s.LinesAdded += len(d.AddedLines)
		s.LinesRemoved += d.Removed
	}
	return s
}


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

import (
	"fmt"
	"net/url"
)

// Key space layout. Segments are path-escaped so IDs containing '/' cannot
// cross prefix boundaries. An empty repo segment denotes org scope.
//
//	pack/<org>/<repo>/<version>    policy pack, version zero-padded for order
//	waiver/<org>/<repo>/<id>       waiver
//	evidence/<id>                  evidence bundle
//	result/<id>                    review result
//	change/<org>/<repo>/<ref>      latest result ID for a change ref
const (
	packPrefix     = "pack/"
	waiverPrefix   = "waiver/"
	evidencePrefix = "evidence/"
	resultPrefix   = "result/"
	changePrefix   = "change/"
)

func segment(s string) string {
	return url.PathEscape(s)
}

// packScopePrefix covers every version of one org/repo scope.
func packScopePrefix(orgID, repoID string) []byte {
	return []byte(packPrefix + segment(orgID) + "/" + segment(repoID) + "/")
}

// packKey pins one pack version. The fixed-width version keeps lexicographic
// key order equal to numeric version order, so a reverse seek finds the
// latest version.
func packKey(orgID, repoID string, version int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%010d", packPrefix, segment(orgID), segment(repoID), version))
}

// waiverScopePrefix covers every waiver of one org/repo scope.
func waiverScopePrefix(orgID, repoID string) []byte {
	return []byte(waiverPrefix + segment(orgID) + "/" + segment(repoID) + "/")
}

func waiverKey(orgID, repoID, waiverID string) []byte {
	return []byte(waiverPrefix + segment(orgID) + "/" + segment(repoID) + "/" + segment(waiverID))
}

func evidenceKey(id string) []byte {
	return []byte(evidencePrefix + segment(id))
}

func resultKey(id string) []byte {
	return []byte(resultPrefix + segment(id))
}

func changeKey(orgID, repoID, changeRef string) []byte {
	return []byte(changePrefix + segment(orgID) + "/" + segment(repoID) + "/" + segment(changeRef))
}

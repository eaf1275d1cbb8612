// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package msort contains utility functions for de-duplicating batches
// of queued row candidates before an incremental re-evaluation.
package msort

import (
	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/types"
)

// dedupeKey builds the key UniqueCandidatesByKey collapses on: the
// selector key plus the candidate's Op and, for UPDATE, its Key. An
// UPDATE candidate contributes two halves sharing a selector key
// (match.CandidatesFromRowEvent tags the old image with KeyOldData and
// the new image with KeyNewData) — match.Incremental needs both halves
// to turn an UPDATE into a replace rather than a duplicate, so the two
// must never collapse into each other.
func dedupeKey(selector types.KeySelector, c match.Candidate) string {
	return selector.Select(c.Data) + "\x00" + string(c.Op) + "\x00" + string(c.Key)
}

// UniqueCandidatesByKey implements a "last one wins" approach to
// collapsing queued candidates that describe the same logical row,
// operation, and (for UPDATE) image half into the single most recent
// one. Since candidates are queued in ingress arrival order (§5: a
// single event loop per Engine), the most recent candidate for a key
// is simply the last one appearing in x. This only collapses true
// duplicates — repeated INSERT/DELETE candidates for the same row, or
// repeated old/new halves from successive UPDATEs of the same row —
// never an UPDATE's own old_data/new_data pair, since those carry
// distinct Key values and so never share a dedupe key.
//
// The modified slice is returned.
func UniqueCandidatesByKey(selector types.KeySelector, x []match.Candidate) []match.Candidate {
	seenIdx := make(map[string]int, len(x))

	// Iterate backwards, moving elements to the rear as their keys are
	// first encountered; later arrivals are seen first going backwards,
	// so the first occurrence of a key in this direction is already the
	// most recent one.
	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		key := dedupeKey(selector, x[src])
		if _, found := seenIdx[key]; found {
			continue
		}
		dest--
		seenIdx[key] = dest
		x[dest] = x[src]
	}

	return x[dest:]
}

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

// Package diff computes and applies structural diffs between two
// ordered, hash-keyed result sets. It is the core of how the engine
// turns one resultSet into the next without discarding row identity
// across reorders.
package diff

import (
	"maps"
	"sort"

	"github.com/liveqio/liveq/internal/types"
)

// Row is one row of a result set as tracked by a QueryCache: its
// column values plus the two synthetic fields a subscriber's local
// mirror relies on to replay diffs.
type Row struct {
	Index int // 1-based position within the result set
	Hash  string
	Data  types.Row
}

// clone returns a copy of r with Data duplicated so later mutation of
// one copy's fields cannot bleed into another's.
func (r Row) clone() Row {
	return Row{Index: r.Index, Hash: r.Hash, Data: maps.Clone(r.Data)}
}

// Added describes a row present in the new sequence but absent from
// the old one. Index is the 1-based position in the new sequence.
type Added struct {
	Index int
	Row   Row
}

// Removed describes a position in the old sequence whose hash is gone
// from the new sequence.
type Removed struct {
	Index int // 1-based position in the old sequence
}

// Moved describes a hash present in both sequences that changed
// position.
type Moved struct {
	OldIndex int
	NewIndex int
}

// Copied describes an additional occurrence, in the new sequence, of a
// hash that appeared fewer times in the old sequence. OrigIndex is the
// position, in the OLD sequence, of the first occurrence being copied.
type Copied struct {
	OrigIndex int
	NewIndex  int
}

// A Diff is the result of comparing an old hash sequence against a new
// one. A Diff with all four lists empty represents "no change".
type Diff struct {
	Added   []Added
	Removed []Removed
	Moved   []Moved
	Copied  []Copied
}

// IsEmpty reports whether the diff represents no change at all.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0 && len(d.Copied) == 0
}

// Compute diffs oldHashes (the prior sequence of row hashes, in order)
// against newRows (the candidate next sequence, each already carrying
// its 1-based Index within that sequence), per the first-occurrence
// identity-matching rule: a hash's identity is its first occurrence in
// each sequence; any further occurrence in newRows beyond what existed
// in oldHashes is a Copied entry rather than a second Moved entry.
func Compute(oldHashes []string, newRows []Row) Diff {
	// oldPositions[hash] is the queue of 1-based old indexes carrying
	// that hash, in ascending order, so repeated hashes are matched in
	// first-occurrence order on both sides.
	oldPositions := make(map[string][]int, len(oldHashes))
	for i, h := range oldHashes {
		oldPositions[h] = append(oldPositions[h], i+1)
	}

	consumed := make(map[string]int, len(oldHashes))
	claimedOld := make(map[int]bool, len(oldHashes))

	var added []Added
	var moved []Moved
	var copied []Copied

	for _, row := range newRows {
		positions := oldPositions[row.Hash]
		n := consumed[row.Hash]

		if n >= len(positions) {
			if len(positions) == 0 {
				added = append(added, Added{Index: row.Index, Row: row})
			} else {
				copied = append(copied, Copied{OrigIndex: positions[0], NewIndex: row.Index})
			}
			continue
		}

		oldIndex := positions[n]
		consumed[row.Hash] = n + 1
		claimedOld[oldIndex] = true
		if oldIndex != row.Index {
			moved = append(moved, Moved{OldIndex: oldIndex, NewIndex: row.Index})
		}
	}

	var removed []Removed
	for i := range oldHashes {
		oldIndex := i + 1
		if !claimedOld[oldIndex] {
			removed = append(removed, Removed{Index: oldIndex})
		}
	}

	sort.Slice(added, func(i, j int) bool { return added[i].Index < added[j].Index })
	sort.Slice(moved, func(i, j int) bool { return moved[i].NewIndex < moved[j].NewIndex })
	sort.Slice(copied, func(i, j int) bool { return copied[i].NewIndex < copied[j].NewIndex })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Index < removed[j].Index })

	return Diff{Added: added, Removed: removed, Moved: moved, Copied: copied}
}

// Apply replays a Diff against oldData to produce the new sequence,
// following the two-phase null-then-write order mandated for
// applyDiff: every slot slated for removal or relocation is nulled out
// in a working copy before any slot is written, and all reads of
// source content are taken from oldData itself, which this function
// never mutates. That separation is what makes the two-phase order
// safe even though a moved row's source slot can coincide with the
// slot a copied row reads from.
func Apply(oldData []Row, d Diff) []Row {
	working := make([]*Row, len(oldData))
	for i := range oldData {
		v := oldData[i]
		working[i] = &v
	}

	for _, r := range d.Removed {
		working[r.Index-1] = nil
	}
	for _, m := range d.Moved {
		working[m.OldIndex-1] = nil
	}

	for _, c := range d.Copied {
		src := oldData[c.OrigIndex-1].clone()
		src.Index = c.NewIndex
		growTo(&working, c.NewIndex)
		working[c.NewIndex-1] = &src
	}
	for _, m := range d.Moved {
		src := oldData[m.OldIndex-1].clone()
		src.Index = m.NewIndex
		growTo(&working, m.NewIndex)
		working[m.NewIndex-1] = &src
	}
	for _, a := range d.Added {
		row := a.Row.clone()
		row.Index = a.Index
		growTo(&working, a.Index)
		working[a.Index-1] = &row
	}

	newData := make([]Row, 0, len(working))
	for _, w := range working {
		if w != nil {
			newData = append(newData, *w)
		}
	}
	for i := range newData {
		newData[i].Index = i + 1
	}
	return newData
}

// growTo extends *s with trailing nils so that index-1 is addressable.
func growTo(s *[]*Row, index int) {
	for len(*s) < index {
		*s = append(*s, nil)
	}
}

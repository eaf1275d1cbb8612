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

// Package match implements RowMatcher: the two ways the engine decides
// which rows of an upstream change are relevant to a query (§4.3), and
// the supplied-payload incremental-diff algorithm that lets the notify
// backend avoid a full re-query (§4.7).
package match

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/liveqio/liveq/internal/diff"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/types"
)

// ErrUnsupportedShape is a MatcherError (§7): it is returned when a
// supplied payload can't be evaluated against a parsed query's WHERE
// clause: a placeholder refers to a parameter that was not supplied,
// or an ordering operator (<, <=, >, >=) compares non-numeric values.
var ErrUnsupportedShape = errors.New("matcher: unsupported query shape")

// TriggerSet matches a RowEvent against trigger mode (§4.3, replication
// backend): the event is relevant iff at least one trigger matches.
func TriggerSet(triggers []types.Trigger, e *types.RowEvent) bool {
	for _, t := range triggers {
		if t.Matches(e) {
			return true
		}
	}
	return false
}

// Op mirrors the three payload-level operations the notify backend's
// NOTIFY payloads can carry (§4.3).
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Key discriminates the pre- vs post-image of an UPDATE payload.
type Key string

const (
	KeyNewData Key = "new_data"
	KeyOldData Key = "old_data"
)

// Candidate is one row extracted from a NOTIFY payload, tagged per
// §4.3's supplied-payload mode.
type Candidate struct {
	Op   Op
	Key  Key // only meaningful when Op == OpUpdate
	Data types.Row
}

// Params supplies the positional parameter bindings a parsed query's
// placeholders resolve against.
type Params []any

// CandidatesFromRowEvent flattens a RowEvent's row images into the
// Candidate shape §4.7's incremental path expects, tagging UPDATE rows
// with both a new_data and an old_data candidate (step 1 of §4.7:
// "flatten notifications into candidate rows tagged with _op and, for
// UPDATE, _key").
func CandidatesFromRowEvent(e *types.RowEvent) []Candidate {
	var out []Candidate
	for _, r := range e.Rows {
		switch e.Op {
		case types.OpInsert:
			out = append(out, Candidate{Op: OpInsert, Data: r.New})
		case types.OpDelete:
			out = append(out, Candidate{Op: OpDelete, Data: r.Old})
		case types.OpUpdate:
			out = append(out,
				Candidate{Op: OpUpdate, Key: KeyOldData, Data: r.Old},
				Candidate{Op: OpUpdate, Key: KeyNewData, Data: r.New},
			)
		}
	}
	return out
}

// SuppliedPayload returns the subset of candidates whose column values
// satisfy q's WHERE clause, evaluated against params (§4.3,
// supplied-payload mode).
func SuppliedPayload(q parser.Query, params Params, candidates []Candidate) ([]Candidate, error) {
	var out []Candidate
	for _, c := range candidates {
		ok, err := evalWhere(q.Where, params, c.Data)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func evalWhere(conds []parser.Condition, params Params, row types.Row) (bool, error) {
	for _, c := range conds {
		var want any
		if c.HasLiteral() {
			want = c.Literal
		} else {
			if c.Placeholder < 1 || c.Placeholder > len(params) {
				return false, errors.Wrapf(ErrUnsupportedShape, "parameter $%d out of range", c.Placeholder)
			}
			want = params[c.Placeholder-1]
		}
		got, ok := row[c.Column]
		if !ok {
			return false, nil
		}
		matched, err := compare(got, c.Op, want)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func compare(got any, op string, want any) (bool, error) {
	gs, ws := fmt.Sprint(got), fmt.Sprint(want)
	if gn, gok := toFloat(got); gok {
		if wn, wok := toFloat(want); wok {
			switch op {
			case "=":
				return gn == wn, nil
			case "!=", "<>":
				return gn != wn, nil
			case "<":
				return gn < wn, nil
			case "<=":
				return gn <= wn, nil
			case ">":
				return gn > wn, nil
			case ">=":
				return gn >= wn, nil
			}
		}
	}
	switch op {
	case "=":
		return gs == ws, nil
	case "!=", "<>":
		return gs != ws, nil
	default:
		return false, errors.Wrapf(ErrUnsupportedShape, "cannot order non-numeric values with %q", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// HashRow computes the stable content hash (`_hash`) the differ keys
// rows on.
func HashRow(row types.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, row[k])
	}
	b, _ := json.Marshal(ordered)
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Project narrows row onto q's selected columns (respecting AS
// renames); a bare "*" select list keeps all columns (§4.7 step 4).
func Project(q parser.Query, row types.Row) types.Row {
	if q.SelectsAll() {
		return row
	}
	out := make(types.Row, len(q.Fields))
	for _, f := range q.Fields {
		if v, ok := row[f.Name]; ok {
			out[f.OutputName()] = v
		}
	}
	return out
}

// ErrRefusalToGuess is returned by Incremental when the refusal-to-guess
// rule (§4.7 step 7) fires: a deletion occurred while the query's LIMIT
// equals the current result set size, so the incremental path cannot
// determine what row (if any) should backfill the freed slot.
var ErrRefusalToGuess = errors.New("match: cannot guess backfill row under LIMIT, full re-query required")

// Incremental implements §4.7: it folds a batch of supplied-payload
// candidates into oldData without re-querying the backend, returning
// the new ordered sequence. Callers must fall back to a full
// re-evaluation when ErrRefusalToGuess is returned.
func Incremental(q parser.Query, params Params, oldData []diff.Row, candidates []Candidate) ([]diff.Row, error) {
	matched, err := SuppliedPayload(q, params, candidates)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return oldData, nil
	}

	oldHashes := make([]string, len(oldData))
	for i, r := range oldData {
		oldHashes[i] = r.Hash
	}

	removedHashes := make(map[string]bool)
	var appended []types.Row
	deletionOccurred := false

	for _, m := range matched {
		switch m.Op {
		case OpDelete:
			projected := Project(q, m.Data)
			removedHashes[HashRow(projected)] = true
			deletionOccurred = true
		case OpUpdate:
			if m.Key == KeyOldData {
				projected := Project(q, m.Data)
				removedHashes[HashRow(projected)] = true
				deletionOccurred = true
			} else {
				appended = append(appended, Project(q, m.Data))
			}
		case OpInsert:
			appended = append(appended, Project(q, m.Data))
		}
	}

	if deletionOccurred && q.HasLimit && q.Limit == len(oldData) {
		return nil, ErrRefusalToGuess
	}

	var kept []diff.Row
	for _, r := range oldData {
		if removedHashes[r.Hash] {
			continue
		}
		kept = append(kept, r)
	}
	for _, row := range appended {
		kept = append(kept, diff.Row{Hash: HashRow(row), Data: row})
	}

	kept = applyOrderAndLimit(q, kept)
	for i := range kept {
		kept[i].Index = i + 1
	}
	return kept, nil
}

func applyOrderAndLimit(q parser.Query, rows []diff.Row) []diff.Row {
	if len(q.Order) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, term := range q.Order {
				a, b := rows[i].Data[term.Column], rows[j].Data[term.Column]
				as, bs := fmt.Sprint(a), fmt.Sprint(b)
				if as == bs {
					continue
				}
				if term.Direction == parser.Desc {
					return as > bs
				}
				return as < bs
			}
			return false
		})
	}
	if q.HasLimit && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}

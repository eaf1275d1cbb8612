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

// Package types contains the data types that define the major
// functional blocks of the live-query engine. The goal of placing the
// types into one package is to make it easy to compose functionality
// as the engine evolves, mirroring the teacher's approach of keeping
// shared vocabulary out of any single functional package.
package types

import (
	"context"

	"github.com/liveqio/liveq/internal/util/ident"
)

// Op identifies the kind of change a RowEvent row represents.
type Op int

// The supported operation kinds. Zero value is intentionally invalid
// so that a zero-valued RowEvent is recognizable as malformed.
const (
	OpUnknown Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Row is a single row's column values, keyed by column name.
type Row map[string]any

// RowImage is one row of a RowEvent: its new and/or old values,
// depending on Op (DELETE carries Old only, INSERT carries New only,
// UPDATE carries both).
type RowImage struct {
	New Row
	Old Row
}

// A RowEvent is a normalized change record produced by a backend
// adapter (§6). RowEvents are immutable after construction.
type RowEvent struct {
	Op       Op
	Database ident.Ident
	Table    ident.Ident
	Columns  []string
	Rows     []RowImage
}

// TableIdent returns the fully-qualified table this event touches.
func (e *RowEvent) TableIdent() ident.Table {
	return ident.NewTable(ident.NewSchema(e.Database.Raw(), ""), e.Table.Raw())
}

// A Condition inspects one row of a matching RowEvent (the new and, for
// UPDATE, the old image) and decides whether it's of interest. A nil
// Condition always matches.
type Condition func(row Row, newRow Row) bool

// A Trigger is a subscriber-supplied predicate selecting which
// RowEvents concern a Subscription (§3).
type Trigger struct {
	Database  string // optional; empty matches any database
	Table     string
	Condition Condition
}

// Matches reports whether the trigger's table (and database, if set)
// agree with the event, and, if a Condition is present, whether it
// accepts at least one row of the event. For UPDATE rows, the
// condition is offered both the old and new image and matches if
// either is accepted, per §4.3.
func (t Trigger) Matches(e *RowEvent) bool {
	if !ident.New(t.Table).Equal(e.Table) {
		return false
	}
	if t.Database != "" && !ident.New(t.Database).Equal(e.Database) {
		return false
	}
	if t.Condition == nil {
		return true
	}
	for _, r := range e.Rows {
		switch e.Op {
		case OpUpdate:
			if t.Condition(r.Old, r.New) || t.Condition(r.New, r.Old) {
				return true
			}
		case OpInsert:
			if t.Condition(r.New, nil) {
				return true
			}
		case OpDelete:
			if t.Condition(r.Old, nil) {
				return true
			}
		}
	}
	return false
}

// A KeySelector is a deterministic function from a result row to a
// string, tagged with a stable identity string. Two selectors with the
// same Tag are considered equivalent for the purposes of QueryCache
// identity (§3).
type KeySelector struct {
	Tag string
	Fn  func(row Row) string
}

// Select applies the selector's function.
func (k KeySelector) Select(row Row) string { return k.Fn(row) }

// Backend is the contract a backend adapter must satisfy (§6). It is
// intentionally narrow: connection management, wire protocol decoding,
// and trigger-installation DDL live entirely inside the adapter.
type Backend interface {
	// Start begins ingress, restricted to the given interest set. The
	// adapter must invoke handler's methods from a single goroutine
	// per Backend instance so that the Engine's ingress stays
	// synchronous with respect to its own event loop (§5).
	Start(ctx context.Context, interest InterestSet, handler BackendHandler) error

	// Stop tears down the backend. It must be idempotent.
	Stop() error

	// SetInterest hot-updates the set of (database, table) pairs the
	// adapter should emit events for.
	SetInterest(interest InterestSet) error
}

// InterestSet is {database -> [table, ...]}, published to a Backend to
// filter upstream events (§6).
type InterestSet map[string][]string

// BackendHandler receives events and lifecycle callbacks from a
// Backend (§6).
type BackendHandler interface {
	OnRowEvent(*RowEvent)
	OnReady()
	OnError(error)
}

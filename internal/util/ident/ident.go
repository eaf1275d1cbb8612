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

// Package ident provides comparable value types for database, table,
// and column names, along with TableMap, a map keyed by them. Names
// are compared case-insensitively, matching the case-folding behavior
// of MySQL and Postgres identifiers in unquoted form.
package ident

import "strings"

// An Ident is a single, case-folded identifier such as a column name.
type Ident struct {
	raw string
}

// New returns an Ident for the given raw name.
func New(raw string) Ident { return Ident{raw: raw} }

// Raw returns the identifier exactly as it was constructed.
func (i Ident) Raw() string { return i.raw }

// Empty returns true if the identifier has no name.
func (i Ident) Empty() bool { return i.raw == "" }

// Equal compares two identifiers case-insensitively.
func (i Ident) Equal(o Ident) bool {
	return strings.EqualFold(i.raw, o.raw)
}

func (i Ident) String() string { return i.raw }

// key returns a case-folded string suitable for use as a map key.
func (i Ident) key() string { return strings.ToLower(i.raw) }

// Schema identifies a database (and, for dialects that nest further,
// a schema within it).
type Schema struct {
	Database Ident
	Name     Ident // optional sub-schema, empty for MySQL-style databases
}

// NewSchema constructs a Schema from a database name and optional
// sub-schema name.
func NewSchema(database string, schema string) Schema {
	return Schema{Database: New(database), Name: New(schema)}
}

// Equal compares two schemas case-insensitively.
func (s Schema) Equal(o Schema) bool {
	return s.Database.Equal(o.Database) && s.Name.Equal(o.Name)
}

func (s Schema) String() string {
	if s.Name.Empty() {
		return s.Database.String()
	}
	return s.Database.String() + "." + s.Name.String()
}

func (s Schema) key() string {
	return s.Database.key() + "\x00" + s.Name.key()
}

// Table identifies a table within a Schema.
type Table struct {
	Schema Schema
	Name   Ident
}

// NewTable constructs a Table from a Schema and a table name.
func NewTable(schema Schema, table string) Table {
	return Table{Schema: schema, Name: New(table)}
}

// Equal compares two tables case-insensitively.
func (t Table) Equal(o Table) bool {
	return t.Schema.Equal(o.Schema) && t.Name.Equal(o.Name)
}

func (t Table) String() string {
	if t.Schema.Database.Empty() {
		return t.Name.String()
	}
	return t.Schema.String() + "." + t.Name.String()
}

func (t Table) key() string {
	return t.Schema.key() + "\x00" + t.Name.key()
}

// TableMap is a case-insensitive, order-preserving map keyed by Table.
type TableMap[V any] struct {
	order []Table
	data  map[string]V
}

// Get returns the value for key and whether it was present.
func (m *TableMap[V]) Get(key Table) (V, bool) {
	v, ok := m.data[key.key()]
	return v, ok
}

// GetZero returns the value for key, or the zero value if absent.
func (m *TableMap[V]) GetZero(key Table) V {
	v := m.data[key.key()]
	return v
}

// Put stores a value for key, preserving first-insertion order.
func (m *TableMap[V]) Put(key Table, value V) {
	k := key.key()
	if m.data == nil {
		m.data = make(map[string]V)
	}
	if _, found := m.data[k]; !found {
		m.order = append(m.order, key)
	}
	m.data[k] = value
}

// Delete removes key from the map.
func (m *TableMap[V]) Delete(key Table) {
	k := key.key()
	if _, found := m.data[k]; !found {
		return
	}
	delete(m.data, k)
	for i, t := range m.order {
		if t.key() == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries in the map.
func (m *TableMap[V]) Len() int { return len(m.order) }

// Range calls fn for every entry in insertion order, stopping early if
// fn returns a non-nil error.
func (m *TableMap[V]) Range(fn func(Table, V) error) error {
	for _, t := range m.order {
		if err := fn(t, m.data[t.key()]); err != nil {
			return err
		}
	}
	return nil
}

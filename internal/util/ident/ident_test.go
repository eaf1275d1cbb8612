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

package ident

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentEqualIsCaseInsensitive(t *testing.T) {
	require.True(t, New("Widgets").Equal(New("widgets")))
	require.False(t, New("widgets").Equal(New("gadgets")))
}

func TestTableEqualComparesSchemaAndName(t *testing.T) {
	a := NewTable(NewSchema("shop", ""), "widgets")
	b := NewTable(NewSchema("SHOP", ""), "Widgets")
	c := NewTable(NewSchema("shop", ""), "gadgets")

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestTableMapDedupesCaseInsensitively(t *testing.T) {
	m := &TableMap[int]{}
	m.Put(NewTable(NewSchema("shop", ""), "widgets"), 1)
	m.Put(NewTable(NewSchema("SHOP", ""), "Widgets"), 2)

	require.Equal(t, 1, m.Len())
	v, ok := m.Get(NewTable(NewSchema("shop", ""), "widgets"))
	require.True(t, ok)
	require.Equal(t, 2, v, "a later Put for the same key must overwrite the value")
}

func TestTableMapPreservesInsertionOrder(t *testing.T) {
	m := &TableMap[int]{}
	m.Put(NewTable(NewSchema("shop", ""), "b"), 1)
	m.Put(NewTable(NewSchema("shop", ""), "a"), 2)
	m.Put(NewTable(NewSchema("shop", ""), "c"), 3)

	var order []string
	require.NoError(t, m.Range(func(tbl Table, v int) error {
		order = append(order, tbl.Name.Raw())
		return nil
	}))
	require.Equal(t, []string{"b", "a", "c"}, order)
}

func TestTableMapDelete(t *testing.T) {
	m := &TableMap[int]{}
	key := NewTable(NewSchema("shop", ""), "widgets")
	m.Put(key, 1)
	require.Equal(t, 1, m.Len())

	m.Delete(key)
	require.Equal(t, 0, m.Len())
	_, ok := m.Get(key)
	require.False(t, ok)

	// Deleting an absent key must be a no-op, not a panic.
	require.NotPanics(t, func() { m.Delete(key) })
}

func TestTableMapGetZeroOnAbsentKey(t *testing.T) {
	m := &TableMap[int]{}
	require.Equal(t, 0, m.GetZero(NewTable(NewSchema("shop", ""), "widgets")))
}

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

package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSelectStar(t *testing.T) {
	q, err := Parse("SELECT * FROM widgets")
	require.NoError(t, err)
	require.True(t, q.SelectsAll())
	require.Equal(t, "widgets", q.Table)
	require.Empty(t, q.Database)
}

func TestParseQualifiedTableAndFieldAliases(t *testing.T) {
	q, err := Parse("SELECT id, name AS label FROM shop.widgets")
	require.NoError(t, err)
	require.Equal(t, "shop", q.Database)
	require.Equal(t, "widgets", q.Table)
	require.Len(t, q.Fields, 2)
	require.Equal(t, "id", q.Fields[0].OutputName())
	require.Equal(t, "label", q.Fields[1].OutputName())
}

func TestParseWhereWithPlaceholdersAndLiteral(t *testing.T) {
	q, err := Parse("SELECT * FROM widgets WHERE owner_id = ? AND active = true")
	require.NoError(t, err)
	require.Len(t, q.Where, 2)

	require.Equal(t, "owner_id", q.Where[0].Column)
	require.Equal(t, "=", q.Where[0].Op)
	require.Equal(t, 1, q.Where[0].Placeholder)
	require.False(t, q.Where[0].HasLiteral())

	require.Equal(t, "active", q.Where[1].Column)
	require.True(t, q.Where[1].HasLiteral())
	require.Equal(t, "true", q.Where[1].Literal)
	require.Equal(t, 1, q.ParamCount)
}

func TestParseOrderByAndLimit(t *testing.T) {
	q, err := Parse("SELECT * FROM widgets ORDER BY created_at DESC, id ASC LIMIT 10")
	require.NoError(t, err)
	require.Len(t, q.Order, 2)
	require.Equal(t, "created_at", q.Order[0].Column)
	require.Equal(t, Desc, q.Order[0].Direction)
	require.Equal(t, "id", q.Order[1].Column)
	require.Equal(t, Asc, q.Order[1].Direction)
	require.True(t, q.HasLimit)
	require.Equal(t, 10, q.Limit)
}

func TestParseRejectsJoins(t *testing.T) {
	_, err := Parse("SELECT * FROM widgets JOIN shops ON widgets.shop_id = shops.id")
	require.Error(t, err)
}

func TestParseRejectsAggregates(t *testing.T) {
	_, err := Parse("SELECT COUNT(*) FROM widgets")
	require.Error(t, err)
}

func TestParseRejectsOffset(t *testing.T) {
	_, err := Parse("SELECT * FROM widgets LIMIT 10 OFFSET 5")
	require.Error(t, err)
}

func TestParseRejectsGroupByAndHaving(t *testing.T) {
	_, err := Parse("SELECT * FROM widgets GROUP BY owner_id")
	require.Error(t, err)

	_, err = Parse("SELECT * FROM widgets WHERE id = ? HAVING id > 0")
	require.Error(t, err)
}

func TestParseRejectsOr(t *testing.T) {
	_, err := Parse("SELECT * FROM widgets WHERE id = ? OR owner_id = ?")
	require.Error(t, err)
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	_, err := Parse("SELECT * FROM widgets LIMIT 10 garbage")
	require.Error(t, err)
}

func TestParseQuotedIdentifiers(t *testing.T) {
	q, err := Parse("SELECT `order`, `group` FROM `widgets`")
	require.NoError(t, err)
	require.Equal(t, "widgets", q.Table)
	require.Equal(t, "order", q.Fields[0].Name)
	require.Equal(t, "group", q.Fields[1].Name)
}

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

package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/types"
)

// Executor implements engine.QueryExecutor against the same Postgres
// instance NOTIFY payloads are read from (§4.4 re-evaluation protocol,
// path b).
type Executor struct {
	Pool *pgxpool.Pool
}

// Query rebuilds a SELECT statement from q and runs it with params
// bound by Postgres's $n placeholder convention.
func (e *Executor) Query(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
	stmt := rebuild(q)

	rows, err := e.Pool.Query(ctx, stmt, []any(params)...)
	if err != nil {
		return nil, errors.Wrap(err, "query execution failed")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []types.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row := make(types.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, errors.WithStack(rows.Err())
}

func rebuild(q parser.Query) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.SelectsAll() {
		b.WriteString("*")
	} else {
		parts := make([]string, len(q.Fields))
		for i, f := range q.Fields {
			if f.Alias != "" {
				parts[i] = fmt.Sprintf("%s AS %s", f.Name, f.Alias)
			} else {
				parts[i] = f.Name
			}
		}
		b.WriteString(strings.Join(parts, ", "))
	}

	b.WriteString(" FROM ")
	if q.Database != "" {
		b.WriteString(pgx.Identifier{q.Database, q.Table}.Sanitize())
	} else {
		b.WriteString(pgx.Identifier{q.Table}.Sanitize())
	}

	if len(q.Where) > 0 {
		b.WriteString(" WHERE ")
		parts := make([]string, len(q.Where))
		for i, c := range q.Where {
			if c.HasLiteral() {
				parts[i] = fmt.Sprintf("%s %s %v", c.Column, c.Op, c.Literal)
			} else {
				parts[i] = fmt.Sprintf("%s %s $%d", c.Column, c.Op, c.Placeholder)
			}
		}
		b.WriteString(strings.Join(parts, " AND "))
	}

	if len(q.Order) > 0 {
		b.WriteString(" ORDER BY ")
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "ASC"
			if o.Direction == parser.Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", o.Column, dir)
		}
		b.WriteString(strings.Join(parts, ", "))
	}

	if q.HasLimit {
		b.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}

	return b.String()
}

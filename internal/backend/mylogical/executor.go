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

package mylogical

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/stdpool"
)

// Executor implements engine.QueryExecutor by re-issuing the parsed
// query against the same MySQL server the binlog is read from (§4.4
// re-evaluation protocol, path b).
type Executor struct {
	Pool *stdpool.MySQLPool
}

// Query rebuilds a SELECT statement from q and runs it with params
// bound positionally.
func (e *Executor) Query(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
	stmt, err := rebuild(q)
	if err != nil {
		return nil, err
	}

	args := make([]any, len(params))
	copy(args, params)

	rows, err := e.Pool.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query execution failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []types.Row
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		values := make([]any, len(cols))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, errors.WithStack(err)
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, errors.WithStack(rows.Err())
}

// rebuild renders q back into a SELECT statement. It assumes q came
// from parser.Parse, so its shape is already restricted to what that
// grammar accepts.
func rebuild(q parser.Query) (string, error) {
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
		b.WriteString(q.Database + ".")
	}
	b.WriteString(q.Table)

	if len(q.Where) > 0 {
		b.WriteString(" WHERE ")
		parts := make([]string, len(q.Where))
		for i, c := range q.Where {
			if c.HasLiteral() {
				parts[i] = fmt.Sprintf("%s %s %v", c.Column, c.Op, c.Literal)
			} else {
				parts[i] = fmt.Sprintf("%s %s ?", c.Column, c.Op)
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

	return b.String(), nil
}

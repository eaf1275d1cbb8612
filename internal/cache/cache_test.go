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

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liveqio/liveq/internal/diff"
	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/types"
)

type fakeSink struct {
	id string

	mu      sync.Mutex
	updates []diff.Diff
	errs    []error
}

func newFakeSink(id string) *fakeSink { return &fakeSink{id: id} }

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) Deliver(d diff.Diff, data []diff.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, d)
}

func (f *fakeSink) DeliverError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeSink) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeSink) errCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func mustParse(t *testing.T, q string) parser.Query {
	t.Helper()
	parsed, err := parser.Parse(q)
	require.NoError(t, err)
	return parsed
}

var idSelector = types.KeySelector{Tag: "id", Fn: func(r types.Row) string {
	id, _ := r["id"].(string)
	return id
}}

func TestIdentityIsDeterministicAndParamSensitive(t *testing.T) {
	a := Identity("SELECT * FROM widgets", match.Params{1}, "id")
	b := Identity("SELECT * FROM widgets", match.Params{1}, "id")
	c := Identity("SELECT * FROM widgets", match.Params{2}, "id")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestAttachDetachFiresOnEmptyOnce(t *testing.T) {
	var onEmptyCalls int
	c := New("id1", mustParse(t, "SELECT * FROM widgets"), nil, idSelector, nil, 0, func() { onEmptyCalls++ })

	s1 := newFakeSink("s1")
	s2 := newFakeSink("s2")
	c.Attach(s1)
	c.Attach(s2)
	require.Equal(t, 2, c.SubscriberCount())

	c.Detach(s1)
	require.Equal(t, 0, onEmptyCalls)
	require.Equal(t, 1, c.SubscriberCount())

	c.Detach(s2)
	require.Equal(t, 1, onEmptyCalls)

	// Detaching again (already empty) must not re-fire onEmpty.
	c.Detach(s2)
	require.Equal(t, 1, onEmptyCalls)
}

func TestInvalidateDeliversFullReEvaluationResult(t *testing.T) {
	rows := []types.Row{{"id": "a"}, {"id": "b"}}
	eval := func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
		return rows, nil
	}
	c := New("id1", mustParse(t, "SELECT * FROM widgets"), nil, idSelector, eval, 0, nil)

	sub := newFakeSink("s1")
	c.Attach(sub)
	c.Invalidate(context.Background())

	require.Eventually(t, func() bool { return sub.updateCount() == 1 }, time.Second, time.Millisecond)
	require.Len(t, c.ResultSet(), 2)
}

func TestInvalidateBroadcastsEvaluatorError(t *testing.T) {
	eval := func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
		return nil, require.AnError
	}
	c := New("id1", mustParse(t, "SELECT * FROM widgets"), nil, idSelector, eval, 0, nil)

	sub := newFakeSink("s1")
	c.Attach(sub)
	c.Invalidate(context.Background())

	require.Eventually(t, func() bool { return sub.errCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, sub.updateCount())
}

func TestInvalidateCoalescesWhileScheduled(t *testing.T) {
	var evalCount int
	var mu sync.Mutex
	eval := func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
		mu.Lock()
		evalCount++
		mu.Unlock()
		return []types.Row{{"id": "a"}}, nil
	}
	c := New("id1", mustParse(t, "SELECT * FROM widgets"), nil, idSelector, eval, 50*time.Millisecond, nil)

	sub := newFakeSink("s1")
	c.Attach(sub)

	// First Invalidate runs immediately (idle, no wait since lastUpdate
	// is zero). Fire several more while it's in flight/scheduled; they
	// must coalesce into at most one extra evaluation.
	c.Invalidate(context.Background())
	c.Invalidate(context.Background())
	c.Invalidate(context.Background())

	require.Eventually(t, func() bool { return sub.updateCount() >= 1 }, time.Second, time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	count := evalCount
	mu.Unlock()
	require.LessOrEqual(t, count, 2, "coalesced invalidations must not each trigger their own re-evaluation")
}

func TestQueueSuppliedEventFeedsIncrementalPath(t *testing.T) {
	var evalCount int
	var mu sync.Mutex
	existing := types.Row{"id": "a"}
	eval := func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
		mu.Lock()
		evalCount++
		mu.Unlock()
		return []types.Row{existing}, nil
	}
	c := New("id1", mustParse(t, "SELECT * FROM widgets"), nil, idSelector, eval, 0, nil)

	sub := newFakeSink("s1")
	c.Attach(sub)

	c.Invalidate(context.Background())
	require.Eventually(t, func() bool { return sub.updateCount() == 1 }, time.Second, time.Millisecond)

	c.QueueSuppliedEvent(match.Candidate{Op: match.OpInsert, Data: types.Row{"id": "b"}})
	c.Invalidate(context.Background())
	require.Eventually(t, func() bool { return sub.updateCount() == 2 }, time.Second, time.Millisecond)

	require.Len(t, c.ResultSet(), 2)
	mu.Lock()
	count := evalCount
	mu.Unlock()
	require.Equal(t, 1, count, "a queued candidate must be drained via the incremental path, not a second full re-query")
}

func TestQueueSuppliedEventUpdateReplacesRowRatherThanDuplicating(t *testing.T) {
	existing := types.Row{"id": "a", "version": 1}
	eval := func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
		return []types.Row{existing}, nil
	}
	c := New("id1", mustParse(t, "SELECT * FROM widgets"), nil, idSelector, eval, 0, nil)

	sub := newFakeSink("s1")
	c.Attach(sub)
	c.Invalidate(context.Background())
	require.Eventually(t, func() bool { return sub.updateCount() == 1 }, time.Second, time.Millisecond)

	// An UPDATE whose key column is unchanged queues both halves
	// sharing the same selector key: the old image must still be seen
	// so the stale row is removed, not left behind as a duplicate.
	c.QueueSuppliedEvent(match.Candidate{Op: match.OpUpdate, Key: match.KeyOldData, Data: existing})
	c.QueueSuppliedEvent(match.Candidate{Op: match.OpUpdate, Key: match.KeyNewData, Data: types.Row{"id": "a", "version": 2}})
	c.Invalidate(context.Background())
	require.Eventually(t, func() bool { return sub.updateCount() == 2 }, time.Second, time.Millisecond)

	result := c.ResultSet()
	require.Len(t, result, 1, "an UPDATE must replace the row, not duplicate it")
	require.Equal(t, 2, result[0].Data["version"])
}

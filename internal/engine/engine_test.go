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

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/liveqio/liveq/internal/diff"
	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/subscription"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/ident"
)

// fakeBackend is a types.Backend double that reports ready immediately
// and records the interest sets it's given.
type fakeBackend struct {
	mu       sync.Mutex
	handler  types.BackendHandler
	interest []types.InterestSet
	stopped  bool
}

func (f *fakeBackend) Start(ctx context.Context, interest types.InterestSet, handler types.BackendHandler) error {
	f.mu.Lock()
	f.handler = handler
	f.interest = append(f.interest, interest)
	f.mu.Unlock()
	handler.OnReady()
	<-ctx.Done()
	return nil
}

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeBackend) SetInterest(interest types.InterestSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interest = append(f.interest, interest)
	return nil
}

func (f *fakeBackend) emit(ev *types.RowEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnRowEvent(ev)
}

func (f *fakeBackend) lastInterest() types.InterestSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interest[len(f.interest)-1]
}

type fakeExecutor struct {
	mu       sync.Mutex
	rows     []types.Row
	callLog  []string
	queryErr error
}

func (f *fakeExecutor) Query(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLog = append(f.callLog, q.Table)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callLog)
}

func newTestEngine(t *testing.T, backend types.Backend, executor QueryExecutor) *Engine {
	t.Helper()
	cfg := Config{BackendInitTimeout: time.Second, DefaultDatabase: "testdb"}
	e := New(cfg, backend, executor)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.End() })
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestSelectRejectsInvalidConfiguration(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{}, &fakeExecutor{})

	_, err := e.Select(context.Background(), "", nil, types.KeySelector{}, nil, 0, subscription.Handlers{})
	require.Error(t, err)

	_, err = e.Select(context.Background(), "SELECT * FROM widgets", nil, types.KeySelector{}, []types.Trigger{{Table: "widgets"}}, 0, subscription.Handlers{})
	require.Error(t, err, "missing keySelector must be rejected")

	_, err = e.Select(context.Background(), "SELECT * FROM widgets", nil,
		types.KeySelector{Tag: "id", Fn: func(types.Row) string { return "" }}, nil, 0, subscription.Handlers{})
	require.Error(t, err, "empty trigger list must be rejected")
}

func TestSelectDeliversInitialResultSet(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{rows: []types.Row{{"id": "1"}, {"id": "2"}}}
	e := newTestEngine(t, backend, executor)

	var gotDiffs []diff.Diff
	var mu sync.Mutex
	handlers := subscription.Handlers{
		OnUpdate: func(d diff.Diff, data []diff.Row) {
			mu.Lock()
			gotDiffs = append(gotDiffs, d)
			mu.Unlock()
		},
	}
	sel := types.KeySelector{Tag: "id", Fn: func(r types.Row) string { id, _ := r["id"].(string); return id }}

	sub, err := e.Select(context.Background(), "SELECT * FROM widgets", nil, sel,
		[]types.Trigger{{Table: "widgets"}}, 0, handlers)
	require.NoError(t, err)
	require.NotNil(t, sub)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotDiffs) == 1
	})
	mu.Lock()
	require.Len(t, gotDiffs[0].Added, 2)
	mu.Unlock()
}

func TestSelectSharesCacheForIdenticalQuery(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{rows: []types.Row{{"id": "1"}}}
	e := newTestEngine(t, backend, executor)

	sel := types.KeySelector{Tag: "id", Fn: func(r types.Row) string { id, _ := r["id"].(string); return id }}
	triggers := []types.Trigger{{Table: "widgets"}}

	sub1, err := e.Select(context.Background(), "SELECT * FROM widgets", nil, sel, triggers, 0, subscription.Handlers{})
	require.NoError(t, err)
	sub2, err := e.Select(context.Background(), "SELECT * FROM widgets", nil, sel, triggers, 0, subscription.Handlers{})
	require.NoError(t, err)

	require.NotEqual(t, sub1.ID(), sub2.ID())
	require.Equal(t, sub1.CacheID(), sub2.CacheID(), "identical (query,params,selector) must share one cache")
}

func TestIngressInvalidatesOnlyMatchingCaches(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{rows: []types.Row{{"id": "1"}}}
	e := newTestEngine(t, backend, executor)

	sel := types.KeySelector{Tag: "id", Fn: func(r types.Row) string { id, _ := r["id"].(string); return id }}

	var widgetUpdates, gadgetUpdates int
	var mu sync.Mutex
	_, err := e.Select(context.Background(), "SELECT * FROM widgets", nil, sel,
		[]types.Trigger{{Table: "widgets"}}, 0, subscription.Handlers{
			OnUpdate: func(diff.Diff, []diff.Row) { mu.Lock(); widgetUpdates++; mu.Unlock() },
		})
	require.NoError(t, err)
	_, err = e.Select(context.Background(), "SELECT * FROM gadgets", nil, sel,
		[]types.Trigger{{Table: "gadgets"}}, 0, subscription.Handlers{
			OnUpdate: func(diff.Diff, []diff.Row) { mu.Lock(); gadgetUpdates++; mu.Unlock() },
		})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return widgetUpdates == 1 && gadgetUpdates == 1
	})

	backend.emit(&types.RowEvent{
		Op:       types.OpInsert,
		Database: ident.New("testdb"),
		Table:    ident.New("widgets"),
		Rows:     []types.RowImage{{New: types.Row{"id": "2"}}},
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return widgetUpdates == 2
	})
	mu.Lock()
	require.Equal(t, 1, gadgetUpdates, "an event on widgets must not invalidate the gadgets cache")
	mu.Unlock()
}

func TestPauseAndResumeTogglesInterestSet(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{rows: []types.Row{{"id": "1"}}}
	e := newTestEngine(t, backend, executor)

	sel := types.KeySelector{Tag: "id", Fn: func(r types.Row) string { id, _ := r["id"].(string); return id }}
	_, err := e.Select(context.Background(), "SELECT * FROM widgets", nil, sel,
		[]types.Trigger{{Table: "widgets"}}, 0, subscription.Handlers{})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(backend.lastInterest()["testdb"]) == 1 })

	e.Pause()
	waitFor(t, func() bool { return len(backend.lastInterest()) == 0 })

	e.Resume()
	waitFor(t, func() bool { return len(backend.lastInterest()["testdb"]) == 1 })
}

func TestEndIsIdempotentAndStopsBackend(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(t, backend, &fakeExecutor{})

	require.NoError(t, e.End())
	require.NoError(t, e.End())
	require.True(t, backend.stopped)
}

func TestWrapCacheErrorProducesReEvaluationError(t *testing.T) {
	err := wrapCacheError("ident-1", require.AnError)

	var reeval *ReEvaluationError
	require.ErrorAs(t, err, &reeval)
	require.Equal(t, "ident-1", reeval.Identity)
	require.ErrorIs(t, err, require.AnError)
}

func TestWrapCacheErrorProducesMatcherErrorForUnsupportedShape(t *testing.T) {
	err := wrapCacheError("ident-1", errors.Wrap(match.ErrUnsupportedShape, "evalWhere"))

	var me *MatcherError
	require.ErrorAs(t, err, &me)
	var reeval *ReEvaluationError
	require.ErrorAs(t, err, &reeval, "MatcherError must also match as *ReEvaluationError")
}

func TestWrapCacheErrorPassesThroughEngineTypedErrors(t *testing.T) {
	ingress := &BackendIngressError{Err: require.AnError}
	require.Same(t, error(ingress), wrapCacheError("ident-1", ingress))

	cfg := &ConfigurationError{Reason: "engine has ended"}
	require.Same(t, error(cfg), wrapCacheError("ident-1", cfg))
}

func TestSelectSurfacesReEvaluationErrorToSubscribers(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{queryErr: require.AnError}
	e := newTestEngine(t, backend, executor)

	var gotErr error
	var mu sync.Mutex
	sel := types.KeySelector{Tag: "id", Fn: func(r types.Row) string { id, _ := r["id"].(string); return id }}
	_, err := e.Select(context.Background(), "SELECT * FROM widgets", nil, sel,
		[]types.Trigger{{Table: "widgets"}}, 0, subscription.Handlers{
			OnError: func(err error) { mu.Lock(); gotErr = err; mu.Unlock() },
		})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	})

	mu.Lock()
	defer mu.Unlock()
	var reeval *ReEvaluationError
	require.ErrorAs(t, gotErr, &reeval, "a full re-query failure delivered to a subscriber must be inspectable as *ReEvaluationError")
}

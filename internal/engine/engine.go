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

// Package engine implements the Engine (§4.6): the top-level object
// owning the backend connection, event ingress, schema interest-set,
// and the registry of QueryCaches.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/liveqio/liveq/internal/cache"
	"github.com/liveqio/liveq/internal/diff"
	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/subscription"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/ident"
	"github.com/liveqio/liveq/internal/util/stopper"
)

// QueryExecutor performs the full re-query path (§4.4 re-evaluation
// protocol, path b): it is the external collaborator, deliberately out
// of scope for this module, that turns a parsed Query plus bound
// parameters back into rows.
type QueryExecutor interface {
	Query(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error)
}

// Engine is the top-level live-query object (§4.6).
type Engine struct {
	cfg      Config
	backend  types.Backend
	executor QueryExecutor

	ctx *stopper.Context

	mu         sync.Mutex
	caches     map[string]*cache.QueryCache
	cacheOrder []string
	// subTriggers and subCache let Engine re-derive a cache's aggregate
	// trigger set whenever a subscription detaches, without asking
	// package cache to expose its Sinks' identities back out.
	subTriggers map[string][]types.Trigger
	subCache    map[string]string
	// triggersByCache is the aggregate trigger set for a cache: the
	// union of every live subscription's triggers, used by event
	// ingress to decide whether to invalidate (§4.6 event ingress), and
	// by the schema interest-set (§3 invariant 5).
	triggersByCache map[string][]types.Trigger
	paused          bool
	ended           bool
	ready           bool
}

// New constructs an Engine bound to backend and executor. It does not
// start ingress; call Start for that.
func New(cfg Config, backend types.Backend, executor QueryExecutor) *Engine {
	return &Engine{
		cfg:             cfg,
		backend:         backend,
		executor:        executor,
		caches:          make(map[string]*cache.QueryCache),
		subTriggers:     make(map[string][]types.Trigger),
		subCache:        make(map[string]string),
		triggersByCache: make(map[string][]types.Trigger),
	}
}

// Start begins backend ingress and blocks until the backend reports
// ready or the configured init timeout elapses (§5 Timeouts).
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = stopper.WithContext(ctx)

	readyCh := make(chan struct{})
	errCh := make(chan error, 1)
	once := sync.Once{}

	e.ctx.Go(func() error {
		return e.backend.Start(e.ctx, e.currentInterest(), &handlerAdapter{
			engine:  e,
			readyCh: readyCh,
			errCh:   errCh,
			once:    &once,
		})
	})

	select {
	case <-readyCh:
		e.mu.Lock()
		e.ready = true
		e.mu.Unlock()
		return nil
	case err := <-errCh:
		return &BackendIngressError{Err: err}
	case <-time.After(e.cfg.BackendInitTimeout):
		return &BackendInitTimeoutError{Timeout: e.cfg.BackendInitTimeout}
	}
}

// handlerAdapter adapts the Engine onto types.BackendHandler.
type handlerAdapter struct {
	engine  *Engine
	readyCh chan struct{}
	errCh   chan error
	once    *sync.Once
}

func (h *handlerAdapter) OnRowEvent(e *types.RowEvent) { h.engine.ingress(e) }

func (h *handlerAdapter) OnReady() {
	h.once.Do(func() { close(h.readyCh) })
}

func (h *handlerAdapter) OnError(err error) {
	h.engine.broadcastBackendError(err)
	select {
	case h.errCh <- err:
	default:
	}
}

// ingress implements §4.6 event ingress: for each incoming RowEvent,
// iterate the cache registry in deterministic (insertion) order and
// invalidate every cache whose aggregate trigger set matches.
func (e *Engine) ingress(ev *types.RowEvent) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	order := append([]string(nil), e.cacheOrder...)
	caches := make(map[string]*cache.QueryCache, len(order))
	triggers := make(map[string][]types.Trigger, len(order))
	for _, id := range order {
		caches[id] = e.caches[id]
		triggers[id] = e.triggersByCache[id]
	}
	e.mu.Unlock()

	for _, id := range order {
		c := caches[id]
		if !c.MatchRowEvent(ev, triggers[id]) {
			continue
		}
		for _, cand := range match.CandidatesFromRowEvent(ev) {
			c.QueueSuppliedEvent(cand)
		}
		c.Invalidate(e.ctx)
	}
}

func (e *Engine) broadcastBackendError(err error) {
	e.mu.Lock()
	order := append([]string(nil), e.cacheOrder...)
	caches := make([]*cache.QueryCache, 0, len(order))
	for _, id := range order {
		caches = append(caches, e.caches[id])
	}
	e.mu.Unlock()

	wrapped := &BackendIngressError{Err: err}
	log.WithError(err).Warn("backend ingress error")
	for _, c := range caches {
		c.BroadcastError(wrapped)
	}
}

// Select validates query, params, keySelector, and triggers (§6 input
// validation), then finds or creates the QueryCache for their identity
// and returns a new Subscription bound to it (§4.6).
func (e *Engine) Select(
	ctx context.Context,
	queryText string,
	params match.Params,
	keySelector types.KeySelector,
	triggers []types.Trigger,
	minInterval time.Duration,
	handlers subscription.Handlers,
) (*subscription.Subscription, error) {
	if queryText == "" {
		return nil, &ConfigurationError{Reason: "query must not be empty"}
	}
	if keySelector.Fn == nil || keySelector.Tag == "" {
		return nil, &ConfigurationError{Reason: "keySelector must be present with a stable tag"}
	}
	if len(triggers) == 0 {
		return nil, &ConfigurationError{Reason: "triggers must be a non-empty list"}
	}
	if minInterval < 0 {
		return nil, &ConfigurationError{Reason: "minInterval must be non-negative"}
	}
	resolved := make([]types.Trigger, len(triggers))
	for i, t := range triggers {
		if t.Table == "" {
			return nil, &ConfigurationError{Reason: "every trigger must name a table"}
		}
		if t.Database == "" {
			t.Database = e.cfg.DefaultDatabase
		}
		if t.Database == "" {
			return nil, &ConfigurationError{Reason: "trigger has no resolvable database"}
		}
		resolved[i] = t
	}

	q, err := parser.Parse(queryText)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	identity := cache.Identity(queryText, params, keySelector.Tag)

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil, &ConfigurationError{Reason: "engine has ended"}
	}
	qc, found := e.caches[identity]
	created := !found
	if !found {
		qc = cache.New(identity, q, params, keySelector, e.evaluator(), 0, func() {
			e.dropCache(identity)
		})
		e.caches[identity] = qc
		e.cacheOrder = append(e.cacheOrder, identity)
	}
	qc.PromoteMinInterval(minInterval)
	e.triggersByCache[identity] = append(e.triggersByCache[identity], resolved...)
	e.mu.Unlock()

	sub := subscription.New(identity, resolved, minInterval, handlers, nil)
	sub.SetDetach(func() { e.detachSub(sub.ID(), identity) })

	e.mu.Lock()
	e.subTriggers[sub.ID()] = resolved
	e.subCache[sub.ID()] = identity
	e.mu.Unlock()

	qc.Attach(&cacheErrorSink{identity: identity, sink: sub})
	e.republishInterest()

	if created {
		qc.Invalidate(e.ctx)
	} else {
		existing := qc.ResultSet()
		if len(existing) > 0 {
			go func() {
				initial := diff.Compute(nil, existing)
				qc.DeliverTo(sub.ID(), initial, existing)
			}()
		}
	}

	return sub, nil
}

// detachSub un-registers a subscription from the Engine's bookkeeping,
// detaches it from its cache, recomputes that cache's aggregate
// trigger set, and republishes the schema interest-set (§4.5 stop,
// §3 invariant 5).
func (e *Engine) detachSub(subID, identity string) {
	e.mu.Lock()
	delete(e.subTriggers, subID)
	delete(e.subCache, subID)

	var union []types.Trigger
	for sid, cid := range e.subCache {
		if cid == identity {
			union = append(union, e.subTriggers[sid]...)
		}
	}
	e.triggersByCache[identity] = union
	qc := e.caches[identity]
	e.mu.Unlock()

	if qc != nil {
		qc.Detach(sinkByID{id: subID})
	}
	e.republishInterest()
}

// sinkByID is a minimal cache.Sink used only to carry an ID into
// QueryCache.Detach, which keys its subscriber map by ID alone.
type sinkByID struct{ id string }

func (s sinkByID) ID() string                          { return s.id }
func (s sinkByID) Deliver(d diff.Diff, data []diff.Row) {}
func (s sinkByID) DeliverError(err error)               {}

// cacheErrorSink is the cache.Sink the Engine actually attaches to a
// QueryCache: it forwards deliveries to the wrapped Subscription
// unchanged, but translates whatever error a cache reports into the
// typed failures this package exposes through errors.As (§7), at the
// one point a cache-originated error crosses into the Engine's public
// error surface.
type cacheErrorSink struct {
	identity string
	sink     cache.Sink
}

func (s *cacheErrorSink) ID() string                          { return s.sink.ID() }
func (s *cacheErrorSink) Deliver(d diff.Diff, data []diff.Row) { s.sink.Deliver(d, data) }
func (s *cacheErrorSink) DeliverError(err error)               { s.sink.DeliverError(wrapCacheError(s.identity, err)) }

// wrapCacheError classifies a cache-reported error into a
// *MatcherError or *ReEvaluationError (§7), unless it's already one of
// the Engine's own typed errors (a BackendIngressError broadcast by
// broadcastBackendError, or the ConfigurationError End delivers on
// shutdown), in which case it's passed through unchanged.
func wrapCacheError(identity string, err error) error {
	var ingress *BackendIngressError
	if errors.As(err, &ingress) {
		return err
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return err
	}
	if errors.Is(err, match.ErrUnsupportedShape) {
		return &MatcherError{ReEvaluationError{Identity: identity, Err: err}}
	}
	return &ReEvaluationError{Identity: identity, Err: err}
}

// dropCache removes a cache from the registry once its last
// subscriber has detached (§4.4 attach/detach, §3 invariant 4).
func (e *Engine) dropCache(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.caches[identity]; !ok {
		return
	}
	delete(e.caches, identity)
	delete(e.triggersByCache, identity)
	for i, id := range e.cacheOrder {
		if id == identity {
			e.cacheOrder = append(e.cacheOrder[:i], e.cacheOrder[i+1:]...)
			break
		}
	}
}

// evaluator adapts the Engine's QueryExecutor into a cache.Evaluator.
func (e *Engine) evaluator() cache.Evaluator {
	return func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error) {
		return e.executor.Query(ctx, q, params)
	}
}

// currentInterest computes the schema interest-set as the union of
// every live trigger's (database, table) pair (§3 invariant 5), unless
// the engine is paused, in which case it is empty (§4.6 pause).
func (e *Engine) currentInterest() types.InterestSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentInterestLocked()
}

func (e *Engine) currentInterestLocked() types.InterestSet {
	interest := make(types.InterestSet)
	if e.paused {
		return interest
	}
	// seen dedupes (database, table) pairs case-insensitively, the way
	// MySQL/Postgres themselves fold unquoted identifiers, rather than
	// by exact string match: two triggers spelled "Widgets" and
	// "widgets" name the same table and must collapse to one interest
	// entry.
	seen := &ident.TableMap[bool]{}
	for _, triggers := range e.triggersByCache {
		for _, t := range triggers {
			table := ident.NewTable(ident.NewSchema(t.Database, ""), t.Table)
			if _, found := seen.Get(table); found {
				continue
			}
			seen.Put(table, true)
			interest[t.Database] = append(interest[t.Database], t.Table)
		}
	}
	return interest
}

// republishInterest recomputes and publishes the schema interest-set
// to the backend (§3 invariant 5, §5 suspension points).
func (e *Engine) republishInterest() {
	if e.ctx == nil {
		return
	}
	interest := e.currentInterest()
	if err := e.backend.SetInterest(interest); err != nil {
		log.WithError(err).Warn("failed to publish schema interest-set")
	}
}

// Pause publishes an empty interest-set to the backend; in-flight
// events continue to drain but no new ones will be produced (§4.6).
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.republishInterest()
}

// Resume republishes the full interest-set and invalidates every cache,
// forcing reconciliation (§4.6).
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	order := append([]string(nil), e.cacheOrder...)
	caches := make([]*cache.QueryCache, 0, len(order))
	for _, id := range order {
		caches = append(caches, e.caches[id])
	}
	e.mu.Unlock()

	e.republishInterest()
	for _, c := range caches {
		c.Invalidate(e.ctx)
	}
}

// End stops backend ingress, closes the connection, and fails all
// in-flight re-evaluations with a terminal error. It is idempotent
// (§4.6, §6 exit behavior).
func (e *Engine) End() error {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	order := append([]string(nil), e.cacheOrder...)
	caches := make([]*cache.QueryCache, 0, len(order))
	for _, id := range order {
		caches = append(caches, e.caches[id])
	}
	e.mu.Unlock()

	terminal := &ConfigurationError{Reason: "engine has ended"}
	for _, c := range caches {
		c.BroadcastError(terminal)
	}

	stopErr := e.backend.Stop()
	if e.ctx != nil {
		_ = e.ctx.Stop(5 * time.Second)
	}
	return stopErr
}

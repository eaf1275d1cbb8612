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

// Package cache implements QueryCache (§4.4): the per-identity holder
// of a live result set, its rate-limit state machine, and the set of
// Subscriptions it feeds.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/liveqio/liveq/internal/diff"
	"github.com/liveqio/liveq/internal/match"
	"github.com/liveqio/liveq/internal/parser"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/metrics"
	"github.com/liveqio/liveq/internal/util/msort"
)

var (
	reevalDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querycache_reevaluate_duration_seconds",
		Help:    "the length of time a QueryCache re-evaluation took",
		Buckets: metrics.LatencyBuckets,
	}, metrics.QueryLabels)
	reevalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_reevaluate_errors_total",
		Help: "the number of re-evaluations that failed",
	}, metrics.QueryLabels)
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_deliveries_total",
		Help: "the number of non-empty diffs delivered to subscribers",
	}, metrics.QueryLabels)
)

// state is the rate-limit state machine's position (§4.4).
type state int

const (
	stateIdle state = iota
	stateScheduled
	stateRunning
)

// Evaluator performs a full re-query of the backing store, returning
// freshly hashed and indexed rows. A cache that has no pending
// supplied-payload events, or whose incremental path refused to guess
// (§4.7 step 7), falls back to this.
type Evaluator func(ctx context.Context, q parser.Query, params match.Params) ([]types.Row, error)

// Sink is a Subscription's delivery target; QueryCache only depends on
// this narrow slice of Subscription so the two packages don't import
// each other.
type Sink interface {
	ID() string
	Deliver(d diff.Diff, data []diff.Row)
	DeliverError(err error)
}

// Identity computes the QueryCache identity key (§3): a canonical
// serialization of (queryText, paramValues, keySelectorTag).
func Identity(queryText string, params match.Params, keySelectorTag string) string {
	payload := []any{queryText, []any(params), keySelectorTag}
	b, _ := json.Marshal(payload)
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// QueryCache is one per distinct (query, params, keySelector) (§3, §4.4).
type QueryCache struct {
	identity string
	query    parser.Query
	params   match.Params
	selector types.KeySelector
	evaluate Evaluator

	minInterval time.Duration // zero means "no rate limit"

	mu           sync.Mutex
	st           state
	resultSet    []diff.Row
	lastUpdate   time.Time
	deferred     bool
	pendingRows  []match.Candidate
	subs         map[string]Sink
	subOrder     []string
	timer        *time.Timer
	onEmpty      func()
	disposedOnce sync.Once
}

// New constructs a QueryCache. onEmpty is invoked (at most once) when
// the last subscriber detaches, so the Engine can drop it from its
// registry (§4.4 attach/detach).
func New(identity string, q parser.Query, params match.Params, selector types.KeySelector, evaluate Evaluator, minInterval time.Duration, onEmpty func()) *QueryCache {
	return &QueryCache{
		identity: identity,
		query:    q,
		params:   params,
		selector: selector,
		evaluate: evaluate,

		minInterval: minInterval,
		subs:        make(map[string]Sink),
		onEmpty:     onEmpty,
	}
}

// Identity returns this cache's identity key.
func (c *QueryCache) Identity() string { return c.identity }

// MinInterval reports the cache's current minInterval, zero meaning
// unset.
func (c *QueryCache) MinInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minInterval
}

// PromoteMinInterval sets minInterval from a Subscription's override,
// but only if the cache doesn't already have one (§4.5).
func (c *QueryCache) PromoteMinInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.minInterval == 0 && d > 0 {
		c.minInterval = d
	}
}

// Attach registers a Sink with the cache (§4.4 attach). It delivers
// nothing by itself: the Sink receives every later diff, and a caller
// attaching to an already-populated cache sends it the current result
// set with DeliverTo. Callers typically pair Attach with an immediate
// Invalidate for a newly created cache.
func (c *QueryCache) Attach(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s.ID()]; !ok {
		c.subOrder = append(c.subOrder, s.ID())
	}
	c.subs[s.ID()] = s
}

// Detach removes a Sink (§4.4 detach); if this was the last subscriber,
// onEmpty fires exactly once.
func (c *QueryCache) Detach(s Sink) {
	c.mu.Lock()
	delete(c.subs, s.ID())
	for i, id := range c.subOrder {
		if id == s.ID() {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
	empty := len(c.subs) == 0
	c.mu.Unlock()

	if empty && c.onEmpty != nil {
		c.disposedOnce.Do(c.onEmpty)
	}
}

// SubscriberCount reports the number of live subscribers.
func (c *QueryCache) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// MatchRowEvent reports whether e should dirty this cache under
// triggers, per §4.3 trigger mode. Pure, side-effect free.
func (c *QueryCache) MatchRowEvent(e *types.RowEvent, triggers []types.Trigger) bool {
	return match.TriggerSet(triggers, e)
}

// QueueSuppliedEvent records a supplied-payload candidate for the next
// incremental re-evaluation (notify backend mode). It does not itself
// invalidate the cache; callers call Invalidate separately so the rate
// limiter still governs when the queue is drained.
func (c *QueryCache) QueueSuppliedEvent(cand match.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRows = append(c.pendingRows, cand)
}

// Invalidate marks the cache dirty and schedules re-evaluation per the
// rate-limit state machine (§4.4).
func (c *QueryCache) Invalidate(ctx context.Context) {
	c.mu.Lock()

	switch c.st {
	case stateIdle:
		wait := c.minInterval - time.Since(c.lastUpdate)
		if c.minInterval == 0 || wait <= 0 {
			c.st = stateRunning
			c.mu.Unlock()
			go c.runUpdate(ctx)
			return
		}
		c.st = stateScheduled
		c.timer = time.AfterFunc(wait, func() {
			c.mu.Lock()
			c.st = stateRunning
			c.mu.Unlock()
			c.runUpdate(ctx)
		})
		c.mu.Unlock()
	case stateScheduled:
		// Coalesce; do not re-arm the timer.
		c.mu.Unlock()
	case stateRunning:
		c.deferred = true
		c.mu.Unlock()
	}
}

// runUpdate executes exactly one re-evaluation and then resolves the
// RUNNING state per the rate-limit transitions: either back to IDLE,
// or straight to SCHEDULED if an invalidation arrived mid-flight.
func (c *QueryCache) runUpdate(ctx context.Context) {
	c.update(ctx)

	c.mu.Lock()
	if c.deferred {
		c.deferred = false
		c.st = stateScheduled
		c.timer = time.AfterFunc(c.minInterval, func() {
			c.mu.Lock()
			c.st = stateRunning
			c.mu.Unlock()
			c.runUpdate(ctx)
		})
	} else {
		c.st = stateIdle
	}
	c.mu.Unlock()
}

// update performs one re-evaluation, computes the diff, and delivers
// it to subscribers (§4.4 re-evaluation protocol).
func (c *QueryCache) update(ctx context.Context) {
	start := time.Now()
	defer func() {
		reevalDurations.WithLabelValues(c.identity).Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	oldData := append([]diff.Row(nil), c.resultSet...)
	pending := c.pendingRows
	c.pendingRows = nil
	c.mu.Unlock()

	candidate, err := c.computeCandidate(ctx, oldData, pending)
	if err != nil {
		reevalErrors.WithLabelValues(c.identity).Inc()
		log.WithFields(log.Fields{"identity": c.identity}).Warnf("re-evaluation failed: %v", err)
		c.broadcastError(errors.Wrap(err, "re-evaluation failed"))
		// Failure semantics: resultSet and lastUpdate are NOT advanced;
		// the cache returns to IDLE (handled by the caller) and remains
		// eligible for subsequent invalidations.
		return
	}

	oldHashes := make([]string, len(oldData))
	for i, r := range oldData {
		oldHashes[i] = r.Hash
	}
	d := diff.Compute(oldHashes, candidate)

	c.mu.Lock()
	c.lastUpdate = time.Now()
	if d.IsEmpty() {
		c.mu.Unlock()
		return
	}
	newData := diff.Apply(oldData, d)
	c.resultSet = newData
	subs := make([]Sink, 0, len(c.subOrder))
	for _, id := range c.subOrder {
		subs = append(subs, c.subs[id])
	}
	c.mu.Unlock()

	deliveries.WithLabelValues(c.identity).Inc()
	for _, s := range subs {
		s.Deliver(d, newData)
	}
}

// computeCandidate implements re-evaluation protocol step 2: either
// drain pendingEvents via the incremental path (§4.7), or fall back to
// a full re-query via the Evaluator.
func (c *QueryCache) computeCandidate(ctx context.Context, oldData []diff.Row, pending []match.Candidate) ([]diff.Row, error) {
	if len(pending) > 0 {
		pending = msort.UniqueCandidatesByKey(c.selector, pending)
		rows, err := match.Incremental(c.query, c.params, oldData, pending)
		if err == nil {
			return rows, nil
		}
		if !errors.Is(err, match.ErrRefusalToGuess) {
			return nil, err
		}
		// Refusal-to-guess: fall through to a full re-query.
	}
	return c.fullReEvaluate(ctx)
}

func (c *QueryCache) fullReEvaluate(ctx context.Context) ([]diff.Row, error) {
	rows, err := c.evaluate(ctx, c.query, c.params)
	if err != nil {
		return nil, err
	}
	out := make([]diff.Row, len(rows))
	for i, r := range rows {
		out[i] = diff.Row{Index: i + 1, Hash: match.HashRow(r), Data: r}
	}
	return out, nil
}

func (c *QueryCache) broadcastError(err error) {
	c.mu.Lock()
	subs := make([]Sink, 0, len(c.subOrder))
	for _, id := range c.subOrder {
		subs = append(subs, c.subs[id])
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.DeliverError(err)
	}
}

// BroadcastError delivers err to every current subscriber. Used by the
// Engine to fan out a terminal backend error across every live cache
// (§7 BackendIngressError).
func (c *QueryCache) BroadcastError(err error) {
	c.broadcastError(err)
}

// DeliverTo sends a diff to a single named subscriber, used to give a
// newly attached subscription its initial all-added view of an
// already-populated cache (§4.6 Select, initial result delivery).
func (c *QueryCache) DeliverTo(subID string, d diff.Diff, data []diff.Row) {
	c.mu.Lock()
	s, ok := c.subs[subID]
	c.mu.Unlock()
	if ok {
		s.Deliver(d, data)
	}
}

// ResultSet returns a snapshot of the cache's current result set.
func (c *QueryCache) ResultSet() []diff.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]diff.Row(nil), c.resultSet...)
}

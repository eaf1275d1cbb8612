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

// Package subscription implements Subscription (§4.5): the
// client-visible handle binding a QueryCache to a set of Triggers and
// a delivery sink.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liveqio/liveq/internal/diff"
	"github.com/liveqio/liveq/internal/types"
)

// Handlers are the callbacks a caller of Engine.Select supplies.
type Handlers struct {
	// OnUpdate is invoked with each non-empty diff delivered to this
	// subscription's cache. Implementations MUST NOT block.
	OnUpdate func(d diff.Diff, data []diff.Row)
	// OnError is invoked once per failed re-evaluation or terminal
	// condition that affects this subscription.
	OnError func(err error)
}

// A Subscription binds a QueryCache to a set of Triggers and a
// delivery sink (§4.5).
type Subscription struct {
	id          string
	cacheID     string
	triggers    []types.Trigger
	minInterval time.Duration
	handlers    Handlers

	mu      sync.Mutex
	stopped bool
	detach  func()
}

// New constructs a Subscription. detach is called exactly once, the
// first time Stop is invoked, so the cache can remove this
// subscription from its bookkeeping (§4.5).
func New(cacheID string, triggers []types.Trigger, minInterval time.Duration, handlers Handlers, detach func()) *Subscription {
	return &Subscription{
		id:          uuid.NewString(),
		cacheID:     cacheID,
		triggers:    triggers,
		minInterval: minInterval,
		handlers:    handlers,
		detach:      detach,
	}
}

// SetDetach installs the detach callback. Engine.Select calls this
// once, immediately after construction, since the callback needs the
// subscription's own generated ID, which isn't known until New
// returns.
func (s *Subscription) SetDetach(detach func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach = detach
}

// ID returns the subscription's unique identifier. It satisfies
// cache.Sink.
func (s *Subscription) ID() string { return s.id }

// CacheID returns the identity of the QueryCache this subscription is
// bound to.
func (s *Subscription) CacheID() string { return s.cacheID }

// Triggers returns the subscription's trigger list.
func (s *Subscription) Triggers() []types.Trigger { return s.triggers }

// MinInterval returns the subscription's per-subscription minInterval
// override, zero meaning "none supplied".
func (s *Subscription) MinInterval() time.Duration { return s.minInterval }

// Deliver forwards a diff to OnUpdate unless the subscription has
// already been stopped. Per §5 Cancellation, a stop mid-flight
// suppresses only this subscription's delivery; the diff computation
// itself is not aborted since other subscribers may still need it.
func (s *Subscription) Deliver(d diff.Diff, data []diff.Row) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.handlers.OnUpdate == nil {
		return
	}
	s.handlers.OnUpdate(d, data)
}

// DeliverError forwards a re-evaluation or terminal error to OnError,
// unless the subscription has already been stopped.
func (s *Subscription) DeliverError(err error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.handlers.OnError == nil {
		return
	}
	s.handlers.OnError(err)
}

// Stop detaches the subscription from its cache and the Engine's
// registry. It is idempotent (§4.5).
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.detach != nil {
		s.detach()
	}
}

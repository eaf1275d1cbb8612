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

// Package chaos wraps a Backend with randomly injected failures, for
// exercising the Engine's error-propagation paths (§7) in tests
// without a live upstream. cmd/liveqd applies it only when its
// --chaosProbability flag is above zero (the default is 0).
package chaos

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/liveqio/liveq/internal/types"
)

// ErrChaos is the error injected by a chaos-wrapped Backend.
var ErrChaos = errors.New("chaos")

// WithChaos returns a Backend that delegates to backend but fails
// Start/SetInterest and drops row events with probability prob;
// OnReady and OnError pass through unchanged. backend is returned
// unwrapped if prob <= 0.
func WithChaos(backend types.Backend, prob float32) types.Backend {
	if prob <= 0 {
		return backend
	}
	return &chaosBackend{delegate: backend, prob: prob}
}

type chaosBackend struct {
	delegate types.Backend
	prob     float32
}

var _ types.Backend = (*chaosBackend)(nil)

func (b *chaosBackend) Start(ctx context.Context, interest types.InterestSet, handler types.BackendHandler) error {
	if rand.Float32() < b.prob {
		return doChaos("Start")
	}
	return b.delegate.Start(ctx, interest, &chaosHandler{delegate: handler, prob: b.prob})
}

func (b *chaosBackend) Stop() error {
	return b.delegate.Stop()
}

func (b *chaosBackend) SetInterest(interest types.InterestSet) error {
	if rand.Float32() < b.prob {
		return doChaos("SetInterest")
	}
	return b.delegate.SetInterest(interest)
}

// chaosHandler wraps the BackendHandler so row events can be dropped
// on their way to the Engine.
type chaosHandler struct {
	delegate types.BackendHandler
	prob     float32
}

var _ types.BackendHandler = (*chaosHandler)(nil)

func (h *chaosHandler) OnRowEvent(e *types.RowEvent) {
	if rand.Float32() < h.prob {
		// Dropped: simulates a missed upstream event rather than a
		// stream failure.
		return
	}
	h.delegate.OnRowEvent(e)
}

func (h *chaosHandler) OnReady() { h.delegate.OnReady() }

func (h *chaosHandler) OnError(err error) { h.delegate.OnError(err) }

func doChaos(msg string) error {
	return errors.WithMessage(ErrChaos, msg)
}

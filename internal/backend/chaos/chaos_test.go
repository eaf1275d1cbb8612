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

package chaos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liveqio/liveq/internal/types"
)

type fakeBackend struct {
	startCalls    int
	stopCalls     int
	interestCalls int
	startErr      error
}

func (f *fakeBackend) Start(_ context.Context, _ types.InterestSet, handler types.BackendHandler) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	handler.OnReady()
	handler.OnRowEvent(&types.RowEvent{Op: types.OpInsert})
	return nil
}

func (f *fakeBackend) Stop() error {
	f.stopCalls++
	return nil
}

func (f *fakeBackend) SetInterest(types.InterestSet) error {
	f.interestCalls++
	return nil
}

type fakeHandler struct {
	ready     int
	rowEvents int
	errs      int
}

func (h *fakeHandler) OnRowEvent(*types.RowEvent) { h.rowEvents++ }
func (h *fakeHandler) OnReady()                   { h.ready++ }
func (h *fakeHandler) OnError(error)              { h.errs++ }

func TestWithChaosZeroProbabilityReturnsDelegateUnwrapped(t *testing.T) {
	delegate := &fakeBackend{}
	wrapped := WithChaos(delegate, 0)
	require.Same(t, types.Backend(delegate), wrapped)
}

func TestWithChaosFullProbabilityInjectsStartFailure(t *testing.T) {
	delegate := &fakeBackend{}
	wrapped := WithChaos(delegate, 1)

	err := wrapped.Start(context.Background(), nil, &fakeHandler{})
	require.ErrorIs(t, err, ErrChaos)
	require.Equal(t, 0, delegate.startCalls)
}

func TestWithChaosFullProbabilityDropsRowEvents(t *testing.T) {
	delegate := &fakeBackend{}
	wrapped := WithChaos(delegate, 1)
	handler := &fakeHandler{}

	// prob=1 drops every event reaching the wrapped handler, but
	// Start itself is chosen first and will also fail; build the
	// chaosHandler directly to verify the handler's drop path in
	// isolation.
	chaosH := &chaosHandler{delegate: handler, prob: 1}
	chaosH.OnRowEvent(&types.RowEvent{Op: types.OpInsert})
	require.Equal(t, 0, handler.rowEvents)

	_ = wrapped
}

func TestWithChaosSetInterestFullProbabilityFails(t *testing.T) {
	delegate := &fakeBackend{}
	wrapped := WithChaos(delegate, 1)

	err := wrapped.SetInterest(types.InterestSet{"db": {"t"}})
	require.ErrorIs(t, err, ErrChaos)
	require.Equal(t, 0, delegate.interestCalls)
}

func TestWithChaosStopAlwaysDelegates(t *testing.T) {
	delegate := &fakeBackend{}
	wrapped := WithChaos(delegate, 1)

	require.NoError(t, wrapped.Stop())
	require.Equal(t, 1, delegate.stopCalls)
}

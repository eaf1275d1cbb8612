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

//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/liveqio/liveq/internal/util/stopper"
)

// newLiveQD is the wire injector source for liveqd; wire_gen.go is its
// hand-expanded output (this exercise does not run `go generate`).
func newLiveQD(ctx *stopper.Context, cfg *config) (*liveqd, func(), error) {
	panic(wire.Build(
		ProvideBackend,
		ProvideEngine,
		ProvideServer,
		wire.Struct(new(liveqd), "*"),
	))
}

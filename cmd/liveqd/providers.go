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

package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/liveqio/liveq/internal/backend/chaos"
	"github.com/liveqio/liveq/internal/backend/mylogical"
	"github.com/liveqio/liveq/internal/backend/notify"
	"github.com/liveqio/liveq/internal/engine"
	"github.com/liveqio/liveq/internal/server"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/stdpool"
	"github.com/liveqio/liveq/internal/util/stopper"
)

// ProvideBackend constructs the Backend and QueryExecutor named by
// cfg.backend, optionally wrapped for chaos testing. It owns whatever
// connection pool the chosen backend needs; the returned cleanup
// releases it.
func ProvideBackend(ctx *stopper.Context, cfg *config) (types.Backend, engine.QueryExecutor, func(), error) {
	var backend types.Backend
	var executor engine.QueryExecutor
	var cleanup func()

	switch backendKind(cfg.backend) {
	case backendMylogical:
		addr, err := cfg.mylogical.Preflight()
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "invalid mylogical configuration")
		}
		pool, err := stdpool.OpenMySQL(ctx, addr)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "could not connect to mysql")
		}
		backend = mylogical.New(cfg.mylogical, addr)
		executor = &mylogical.Executor{Pool: pool}
		cleanup = func() {}

	case backendNotify:
		if err := cfg.notify.Preflight(); err != nil {
			return nil, nil, nil, errors.Wrap(err, "invalid notify configuration")
		}
		pool, err := pgxpool.New(ctx, cfg.notify.TargetConn)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "could not connect to postgres")
		}
		backend = notify.New(cfg.notify)
		executor = &notify.Executor{Pool: pool}
		cleanup = pool.Close

	default:
		return nil, nil, nil, errors.Errorf("unknown backend %q", cfg.backend)
	}

	if cfg.chaosProbability > 0 {
		backend = chaos.WithChaos(backend, cfg.chaosProbability)
	}
	return backend, executor, cleanup, nil
}

// ProvideEngine constructs an Engine bound to backend and executor.
func ProvideEngine(cfg *config, backend types.Backend, executor engine.QueryExecutor) *engine.Engine {
	return engine.New(cfg.Config.Engine, backend, executor)
}

// ProvideServer constructs the HTTP listener for metrics and health.
func ProvideServer(ctx *stopper.Context, cfg *config, eng *engine.Engine) (*server.Server, error) {
	httpServer, err := server.New(ctx, &cfg.Config, eng)
	if err != nil {
		return nil, err
	}
	return &server.Server{HTTP: httpServer, Engine: eng}, nil
}

// liveqd is the fully-wired daemon: its Server field carries both the
// Engine and the HTTP listener fronting it.
type liveqd struct {
	Server *server.Server
}

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

package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	backendmetrics "github.com/liveqio/liveq/internal/backend/metrics"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/ident"
)

// payload is the JSON shape this adapter expects a trigger's
// pg_notify() call to emit. Trigger installation DDL that produces
// this shape is an external collaborator (§1 Deliberately out of
// scope).
type payload struct {
	Op       string         `json:"op"`
	Database string         `json:"database"`
	Table    string         `json:"table"`
	Columns  []string       `json:"columns"`
	New      map[string]any `json:"new,omitempty"`
	Old      map[string]any `json:"old,omitempty"`
}

func (p payload) toRowEvent() (*types.RowEvent, error) {
	ev := &types.RowEvent{
		Database: ident.New(p.Database),
		Table:    ident.New(p.Table),
		Columns:  p.Columns,
	}
	switch strings.ToUpper(p.Op) {
	case "INSERT":
		ev.Op = types.OpInsert
		ev.Rows = []types.RowImage{{New: p.New}}
	case "UPDATE":
		ev.Op = types.OpUpdate
		ev.Rows = []types.RowImage{{New: p.New, Old: p.Old}}
	case "DELETE":
		ev.Op = types.OpDelete
		ev.Rows = []types.RowImage{{Old: p.Old}}
	default:
		return nil, errors.Errorf("unknown NOTIFY payload op %q", p.Op)
	}
	return ev, nil
}

// Backend implements types.Backend atop a Postgres LISTEN/NOTIFY
// channel. Trigger installation and the NOTIFY payload producer remain
// external collaborators; this adapter only consumes the channel.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	interest types.InterestSet

	pool *pgxpool.Pool
	conn *pgxpool.Conn

	pqListener *pqListener // non-nil only when cfg.Driver == DriverPQ
}

// New constructs a notify Backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, interest: make(types.InterestSet)}
}

// Start implements types.Backend.
func (b *Backend) Start(ctx context.Context, interest types.InterestSet, handler types.BackendHandler) error {
	b.SetInterest(interest)

	if b.cfg.Driver == DriverPQ {
		return b.startPQ(ctx, handler)
	}
	return b.startPgx(ctx, handler)
}

func (b *Backend) startPgx(ctx context.Context, handler types.BackendHandler) error {
	pool, err := pgxpool.New(ctx, b.cfg.TargetConn)
	if err != nil {
		return errors.Wrap(err, "could not connect to postgres")
	}
	b.pool = pool

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return errors.Wrap(err, "could not acquire a dedicated listen connection")
	}
	b.conn = conn

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.cfg.Channel}.Sanitize()); err != nil {
		conn.Release()
		pool.Close()
		return errors.Wrap(err, "could not LISTEN on channel")
	}

	handler.OnReady()

	go func() {
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				backendmetrics.StreamErrors.WithLabelValues("notify").Inc()
				handler.OnError(errors.Wrap(err, "notify stream interrupted"))
				return
			}
			b.dispatch(notification.Payload, handler)
		}
	}()

	return nil
}

func (b *Backend) dispatch(raw string, handler types.BackendHandler) {
	start := time.Now()
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		log.WithError(err).Warn("could not parse NOTIFY payload")
		return
	}
	if !b.interested(p.Database, p.Table) {
		return
	}
	ev, err := p.toRowEvent()
	if err != nil {
		backendmetrics.DecodeErrors.WithLabelValues(p.Database, p.Table).Inc()
		log.WithError(err).Warn("could not normalize NOTIFY payload")
		return
	}
	backendmetrics.RowEvents.WithLabelValues(p.Database, p.Table).Inc()
	handler.OnRowEvent(ev)
	backendmetrics.IngressLatency.WithLabelValues(p.Database, p.Table).Observe(time.Since(start).Seconds())
}

func (b *Backend) interested(database, table string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	tables, ok := b.interest[database]
	if !ok {
		return false
	}
	for _, t := range tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// Stop implements types.Backend.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pqListener != nil {
		_ = b.pqListener.Close()
	}
	if b.conn != nil {
		b.conn.Release()
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

// SetInterest implements types.Backend.
func (b *Backend) SetInterest(interest types.InterestSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interest = interest
	return nil
}

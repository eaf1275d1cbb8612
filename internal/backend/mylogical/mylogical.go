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

package mylogical

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	backendmetrics "github.com/liveqio/liveq/internal/backend/metrics"
	"github.com/liveqio/liveq/internal/types"
	"github.com/liveqio/liveq/internal/util/ident"
	"github.com/liveqio/liveq/internal/util/stdpool"
	"github.com/liveqio/liveq/internal/util/stopper"
)

// Backend implements types.Backend atop a MySQL-compatible binary
// replication log, grounded on the teacher's binlog-consumer idiom
// (stdpool connection bootstrap plus a replication.BinlogSyncer loop).
type Backend struct {
	cfg  Config
	addr *url.URL

	mu       sync.Mutex
	interest types.InterestSet
	columns  map[string][]string // "database.table" -> ordered column names
	pool     *stdpool.MySQLPool
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
}

// New constructs a mylogical Backend. addr is the parsed form of
// cfg.SourceConn, as returned by Config.Preflight.
func New(cfg Config, addr *url.URL) *Backend {
	return &Backend{
		cfg:      cfg,
		addr:     addr,
		interest: make(types.InterestSet),
		columns:  make(map[string][]string),
	}
}

// Start implements types.Backend. It opens a bootstrap connection to
// read the current binlog position and table schemas, then starts
// streaming ROWS events from that position.
func (b *Backend) Start(ctx context.Context, interest types.InterestSet, handler types.BackendHandler) error {
	sctx := stopper.WithContext(ctx)

	pool, err := stdpool.OpenMySQL(sctx, b.addr)
	if err != nil {
		return err
	}
	b.pool = pool

	if err := b.checkVariable(ctx, "binlog_format", "ROW"); err != nil {
		return err
	}

	position, err := b.currentPosition(ctx)
	if err != nil {
		return err
	}

	serverID := b.cfg.ServerID
	if serverID == 0 {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return errors.WithStack(err)
		}
		serverID = binary.LittleEndian.Uint32(buf[:])
	}

	user := ""
	password := ""
	if b.addr.User != nil {
		user = b.addr.User.Username()
		password, _ = b.addr.User.Password()
	}
	host := b.addr.Hostname()
	port, _ := strconv.Atoi(b.addr.Port())

	b.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: serverID,
		Flavor:   "mysql",
		Host:     host,
		Port:     uint16(port),
		User:     user,
		Password: password,
	})

	streamer, err := b.syncer.StartSync(position)
	if err != nil {
		b.syncer.Close()
		return errors.Wrap(err, "could not start binlog sync")
	}
	b.streamer = streamer

	b.SetInterest(interest)
	handler.OnReady()

	sctx.Go(func() error {
		return b.pollLoop(sctx, handler)
	})

	return nil
}

func (b *Backend) currentPosition(ctx context.Context) (mysql.Position, error) {
	row := b.pool.QueryRowContext(ctx, "SHOW MASTER STATUS")
	var position mysql.Position
	var ignored any
	if err := row.Scan(&position.Name, &position.Pos, &ignored, &ignored, &ignored); err != nil {
		return mysql.Position{}, errors.Wrap(err, "could not read binlog position")
	}
	return position, nil
}

func (b *Backend) checkVariable(ctx context.Context, variable, expected string) error {
	row := b.pool.QueryRowContext(ctx, "SHOW GLOBAL VARIABLES LIKE ?", variable)
	var name, value string
	if err := row.Scan(&name, &value); err != nil {
		return errors.Wrapf(err, "could not read mysql variable %s", variable)
	}
	if !strings.EqualFold(value, expected) {
		return errors.Errorf("expected mysql variable %s to be %s, found %s", variable, expected, value)
	}
	return nil
}

// Stop implements types.Backend.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.syncer != nil {
		b.syncer.Close()
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

func (b *Backend) columnsFor(ctx context.Context, database, table string) ([]string, error) {
	key := database + "." + table
	b.mu.Lock()
	if cols, ok := b.columns[key]; ok {
		b.mu.Unlock()
		return cols, nil
	}
	b.mu.Unlock()

	rows, err := b.pool.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, database, table)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, errors.WithStack(err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	b.mu.Lock()
	b.columns[key] = cols
	b.mu.Unlock()
	return cols, nil
}

// pollLoop reads binlog events until the stopper asks it to stop, or a
// read fails, matching the teacher's poll-until-closed idiom.
func (b *Backend) pollLoop(ctx *stopper.Context, handler types.BackendHandler) error {
	for {
		event, err := b.streamer.GetEvent(ctx)
		if err != nil {
			select {
			case <-ctx.Stopping():
				return nil
			default:
			}
			backendmetrics.StreamErrors.WithLabelValues("mylogical").Inc()
			handler.OnError(errors.Wrap(err, "binlog stream interrupted"))
			return err
		}

		switch inner := event.Event.(type) {
		case *replication.RowsEvent:
			start := time.Now()
			database := string(inner.Table.Schema)
			table := string(inner.Table.Table)
			if !b.interested(database, table) {
				continue
			}
			cols, err := b.columnsFor(ctx, database, table)
			if err != nil {
				backendmetrics.DecodeErrors.WithLabelValues(database, table).Inc()
				log.WithError(err).Warnf("could not resolve columns for %s.%s", database, table)
				continue
			}
			ev, err := b.toRowEvent(event, inner, database, table, cols)
			if err != nil {
				backendmetrics.DecodeErrors.WithLabelValues(database, table).Inc()
				log.WithError(err).Warn("could not parse binlog rows event")
				continue
			}
			backendmetrics.RowEvents.WithLabelValues(database, table).Inc()
			handler.OnRowEvent(ev)
			backendmetrics.IngressLatency.WithLabelValues(database, table).Observe(time.Since(start).Seconds())
		}
	}
}

func (b *Backend) toRowEvent(event *replication.BinlogEvent, rowsEvent *replication.RowsEvent, database, table string, cols []string) (*types.RowEvent, error) {
	toRow := func(raw []any) types.Row {
		row := make(types.Row, len(cols))
		for i, v := range raw {
			if i < len(cols) {
				row[cols[i]] = v
			}
		}
		return row
	}

	ev := &types.RowEvent{
		Database: ident.New(database),
		Table:    ident.New(table),
		Columns:  cols,
	}

	switch event.Header.EventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		ev.Op = types.OpInsert
		for _, raw := range rowsEvent.Rows {
			ev.Rows = append(ev.Rows, types.RowImage{New: toRow(raw)})
		}
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		ev.Op = types.OpDelete
		for _, raw := range rowsEvent.Rows {
			ev.Rows = append(ev.Rows, types.RowImage{Old: toRow(raw)})
		}
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		ev.Op = types.OpUpdate
		if len(rowsEvent.Rows)%2 != 0 {
			return nil, errors.New("expected an even number of rows in an update event")
		}
		for i := 0; i < len(rowsEvent.Rows); i += 2 {
			ev.Rows = append(ev.Rows, types.RowImage{
				Old: toRow(rowsEvent.Rows[i]),
				New: toRow(rowsEvent.Rows[i+1]),
			})
		}
	default:
		return nil, errors.Errorf("unsupported binlog event type %s", event.Header.EventType.String())
	}

	return ev, nil
}

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

// Package stdpool creates standardized database connection pools used
// by the backend adapters to open their bootstrap connections. The
// mylogical backend's full re-query path (cmd/liveqd's Executor) and
// its binlog position and schema lookups (Backend.Start) each open
// their own pool through OpenMySQL.
package stdpool

import (
	"context"
	sqldriver "database/sql/driver"
	"fmt"
	"net/url"
	"time"

	"database/sql"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/liveqio/liveq/internal/util/stopper"
)

// MySQLPool is a bootstrap connection to a MySQL-compatible server,
// along with the server version string it reported at connect time.
type MySQLPool struct {
	*sql.DB
	Version string
}

// OpenMySQL opens a database connection pool against u and waits for
// the server to accept connections, retrying transient startup errors
// up to the stopper's own lifetime. The pool is closed automatically
// when ctx is asked to stop.
func OpenMySQL(ctx *stopper.Context, u *url.URL) (*MySQLPool, error) {
	path := "/"
	if u.Path != "" {
		path = u.Path
	}
	// Setting sql_mode so we can use quotes (") for identifiers.
	dsn := fmt.Sprintf("%s@tcp(%s)%s?%s", u.User.String(), u.Host, path, "sql_mode=ansi")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	ctx.Go(func() error {
		<-ctx.Stopping()
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("could not close mysql connection")
		}
		return nil
	})

ping:
	if err := db.PingContext(ctx); err != nil {
		if isMySQLStartupError(err) {
			log.WithError(err).Info("waiting for mysql to become ready")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				goto ping
			}
		}
		return nil, errors.Wrap(err, "could not ping mysql")
	}

	ret := &MySQLPool{DB: db}
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&ret.Version); err != nil {
		return nil, errors.Wrap(err, "could not query mysql version")
	}
	log.WithField("version", ret.Version).Info("connected to mysql")

	return ret, nil
}

func isMySQLStartupError(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded)
}

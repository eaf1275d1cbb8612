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
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/liveqio/liveq/internal/types"
)

// pqListener wraps lib/pq's dedicated listener connection, kept as an
// alternate to the pgx LISTEN path above for deployments already
// standardized on database/sql plus lib/pq elsewhere in their stack.
type pqListener struct {
	listener *pq.Listener
}

func (b *Backend) startPQ(ctx context.Context, handler types.BackendHandler) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("pq listener event")
		}
	}

	listener := pq.NewListener(b.cfg.TargetConn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(b.cfg.Channel); err != nil {
		listener.Close()
		return errors.Wrap(err, "could not LISTEN on channel")
	}

	b.mu.Lock()
	b.pqListener = &pqListener{listener: listener}
	b.mu.Unlock()

	handler.OnReady()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// lib/pq sends a nil notification after a
					// reconnect; the connection's LISTEN state is
					// preserved automatically, nothing to replay.
					continue
				}
				b.dispatch(n.Extra, handler)
			}
		}
	}()

	return nil
}

func (l *pqListener) Close() error {
	return l.listener.Close()
}

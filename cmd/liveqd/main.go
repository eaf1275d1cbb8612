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

// Command liveqd runs the live-query Engine bound to either the
// replication-log (mylogical) or notify (notify) backend, plus an
// HTTP listener for Prometheus metrics and a health check.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/liveqio/liveq/internal/util/stopper"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := &config{}
	cfg.bind(pflag.CommandLine)
	pflag.Parse()

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("liveqd exited")
	}
}

func run(cfg *config) error {
	if err := cfg.Config.Preflight(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sctx := stopper.WithContext(ctx)

	d, cleanup, err := newLiveQD(sctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := d.Server.Engine.Start(sctx); err != nil {
		return errors.Wrap(err, "could not start engine")
	}
	log.Info("engine ready")

	sctx.Go(func() error {
		err := d.Server.Serve()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()

	log.Info("shutting down")
	if err := d.Server.Engine.End(); err != nil {
		log.WithError(err).Warn("error ending engine")
	}
	return sctx.Stop(10 * time.Second)
}

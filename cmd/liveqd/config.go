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
	"github.com/spf13/pflag"

	"github.com/liveqio/liveq/internal/backend/mylogical"
	"github.com/liveqio/liveq/internal/backend/notify"
	"github.com/liveqio/liveq/internal/server"
)

// backendKind selects which adapter liveqd streams row events from.
type backendKind string

const (
	backendMylogical backendKind = "mylogical"
	backendNotify    backendKind = "notify"
)

type config struct {
	server.Config
	mylogical mylogical.Config
	notify    notify.Config

	backend          string
	chaosProbability float32
}

func (c *config) bind(flags *pflag.FlagSet) {
	c.Config.Bind(flags)
	c.mylogical.Bind(flags)
	c.notify.Bind(flags)
	flags.StringVar(&c.backend, "backend", string(backendMylogical),
		"which backend adapter to stream row events from: mylogical or notify")
	flags.Float32Var(&c.chaosProbability, "chaosProbability", 0,
		"inject random backend failures with this probability, for testing (0 disables)")
}

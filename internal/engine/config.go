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

package engine

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config contains the user-visible configuration for running an
// Engine, independent of which Backend it is paired with.
type Config struct {
	// BackendInitTimeout bounds how long Start waits for the backend
	// to report ready before failing with BackendInitTimeout (§5
	// Timeouts).
	BackendInitTimeout time.Duration

	// DefaultDatabase is used to resolve a Trigger's database when the
	// trigger itself does not specify one (§6 input validation).
	DefaultDatabase string
}

// Bind registers flags for Config.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.DurationVar(
		&c.BackendInitTimeout,
		"backendInitTimeout",
		6*time.Second,
		"how long to wait for the backend adapter to become ready before failing")
	flags.StringVar(
		&c.DefaultDatabase,
		"defaultDatabase",
		"",
		"database to assume for triggers that don't specify one")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.BackendInitTimeout <= 0 {
		return errors.New("backendInitTimeout must be positive")
	}
	return nil
}

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

// Package server contains the user-visible configuration for running
// the liveqd daemon: the Engine configuration plus the HTTP listener
// that exposes Prometheus metrics and a health check.
package server

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/liveqio/liveq/internal/engine"
)

// Config contains the user-visible configuration for running a liveqd
// daemon.
type Config struct {
	Engine engine.Config

	BindAddr           string
	GenerateSelfSigned bool
	TLSCertFile        string
	TLSPrivateKey      string
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.Engine.Bind(flags)

	flags.StringVar(
		&c.BindAddr,
		"bindAddr",
		":26258",
		"the network address to bind to for metrics and health checks")
	flags.BoolVar(
		&c.GenerateSelfSigned,
		"tlsSelfSigned",
		false,
		"if true, generate a self-signed TLS certificate valid for 'localhost'")
	flags.StringVar(
		&c.TLSCertFile,
		"tlsCertificate",
		"",
		"a path to a PEM-encoded TLS certificate chain")
	flags.StringVar(
		&c.TLSPrivateKey,
		"tlsPrivateKey",
		"",
		"a path to a PEM-encoded TLS private key")
}

// Preflight implements engine.Config-adjacent validation for the HTTP
// listener settings.
func (c *Config) Preflight() error {
	if err := c.Engine.Preflight(); err != nil {
		return err
	}

	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if (c.TLSCertFile == "") != (c.TLSPrivateKey == "") {
		return errors.New("either both of tlsCertificate and tlsPrivateKey must be set, or none")
	}
	if c.GenerateSelfSigned && c.TLSCertFile != "" {
		return errors.New("self-signed certificate requested, but also specified a TLS certificate")
	}

	return nil
}

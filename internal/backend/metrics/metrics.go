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

// Package metrics holds the Prometheus collectors shared by the
// backend adapters (mylogical, notify) for instrumenting row-event
// ingress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liveqio/liveq/internal/util/metrics"
)

var (
	// RowEvents counts row events received from the upstream stream,
	// per source table.
	RowEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_row_events_total",
		Help: "the number of row events received from the upstream change stream",
	}, metrics.TableLabels)

	// DecodeErrors counts events that could not be decoded into a
	// RowEvent, per source table.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_decode_errors_total",
		Help: "the number of times an upstream event failed to decode",
	}, metrics.TableLabels)

	// StreamErrors counts terminal errors on the ingress stream itself
	// (connection loss, protocol errors), not attributable to a single
	// table.
	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_stream_errors_total",
		Help: "the number of terminal errors encountered reading the upstream change stream",
	}, []string{"backend"})

	// IngressLatency measures the time from an event's arrival to its
	// delivery into the Engine's ingress method, per source table.
	IngressLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backend_ingress_duration_seconds",
		Help:    "the length of time it took to decode and dispatch an upstream event",
		Buckets: metrics.LatencyBuckets,
	}, metrics.TableLabels)
)

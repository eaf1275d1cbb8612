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

// Package metrics holds conventions shared by every package that
// registers Prometheus collectors, so that bucket boundaries and
// label sets stay consistent across the module.
package metrics

// LatencyBuckets are the histogram buckets used for all duration
// metrics in this module, in seconds.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// QueryLabels is the label set attached to per-cache counters and
// histograms.
var QueryLabels = []string{"identity"}

// TableLabels is the label set attached to per-table counters and
// histograms in the backend adapters.
var TableLabels = []string{"database", "table"}

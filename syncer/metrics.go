// Copyright 2025 Blink Labs Software
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

package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type syncMetrics struct {
	passes       prometheus.Counter
	passDuration prometheus.Histogram
	items        *prometheus.CounterVec
}

func newSyncMetrics(promRegistry prometheus.Registerer) *syncMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &syncMetrics{
		passes: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ballotd_sync_passes_total",
			Help: "sync passes run",
		}),
		passDuration: promautoFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ballotd_sync_pass_duration_seconds",
			Help:    "sync pass duration",
			Buckets: prometheus.DefBuckets,
		}),
		items: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ballotd_sync_items_total",
				Help: "queued items processed by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *syncMetrics) pass(start time.Time) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.passDuration.Observe(time.Since(start).Seconds())
}

func (m *syncMetrics) item(outcome Outcome) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(string(outcome)).Inc()
}

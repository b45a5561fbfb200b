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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type queueMetrics struct {
	enqueuedTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	items            *prometheus.GaugeVec
}

func newQueueMetrics(promRegistry prometheus.Registerer) *queueMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &queueMetrics{
		enqueuedTotal: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ballotd_queue_enqueued_total",
				Help: "operations enqueued by type",
			},
			[]string{"type"},
		),
		transitionsTotal: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ballotd_queue_transitions_total",
				Help: "queue item status transitions by event",
			},
			[]string{"event"},
		),
		items: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ballotd_queue_items",
				Help: "queue items by status",
			},
			[]string{"status"},
		),
	}
}

func (m *queueMetrics) enqueued(op OperationType) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(string(op)).Inc()
}

func (m *queueMetrics) transition(ev Event) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(ev)).Inc()
}

func (m *queueMetrics) depth(counts map[Status]int) {
	if m == nil {
		return
	}
	for status, count := range counts {
		m.items.WithLabelValues(string(status)).Set(float64(count))
	}
}

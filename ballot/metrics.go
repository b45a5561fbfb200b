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

package ballot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	tokensIssued *prometheus.CounterVec
	votesCast    *prometheus.CounterVec
}

func newMetrics(promRegistry prometheus.Registerer) *metrics {
	if promRegistry == nil {
		return nil
	}
	promautoFactory := promauto.With(promRegistry)
	return &metrics{
		tokensIssued: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ballotd_ballot_token_requests_total",
				Help: "ballot token requests by outcome reason",
			},
			[]string{"reason"},
		),
		votesCast: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ballotd_vote_casts_total",
				Help: "vote cast attempts by outcome reason",
			},
			[]string{"reason"},
		),
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "OK"
	}
	if reason := ReasonOf(err); reason != "" {
		return string(reason)
	}
	return "INTERNAL"
}

func (m *metrics) observeIssue(err error) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(outcomeLabel(err)).Inc()
}

func (m *metrics) observeCast(err error) {
	if m == nil {
		return
	}
	m.votesCast.WithLabelValues(outcomeLabel(err)).Inc()
}

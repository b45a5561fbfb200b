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

package blob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const blobMetricNamePrefix = "ballotd_blob_"

type blobMetrics struct {
	reads        prometheus.Counter
	writes       prometheus.Counter
	deletes      prometheus.Counter
	bytesWritten prometheus.Counter
	commits      prometheus.Counter
	conflicts    prometheus.Counter
}

func newBlobMetrics(promRegistry prometheus.Registerer) *blobMetrics {
	promautoFactory := promauto.With(promRegistry)
	counter := func(name, help string) prometheus.Counter {
		return promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: blobMetricNamePrefix + name,
			Help: help,
		})
	}
	return &blobMetrics{
		reads:        counter("reads_total", "Total blob reads"),
		writes:       counter("writes_total", "Total blob writes"),
		deletes:      counter("deletes_total", "Total blob deletes"),
		bytesWritten: counter("bytes_written_total", "Total bytes written"),
		commits:      counter("txn_total", "Total update transactions"),
		conflicts:    counter("txn_conflicts_total", "Update transactions aborted by conflict"),
	}
}

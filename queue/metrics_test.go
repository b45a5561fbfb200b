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

package queue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database/blob"
	"github.com/univote/ballotd/internal/test/testutil"
	"github.com/univote/ballotd/queue"
)

func newMeteredQueue(t *testing.T) (*queue.Queue, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	store, err := blob.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q, err := queue.New(queue.Config{
		Store:        store,
		Codec:        codec.New(testutil.NewKeyStore(t)),
		Now:          testutil.NewClock(testStart).Now,
		PromRegistry: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, reg
}

func transitions(t *testing.T, reg *prometheus.Registry, ev queue.Event) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "ballotd_queue_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "event" && label.GetValue() == string(ev) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestTransitionMetrics(t *testing.T) {
	q, reg := newMeteredQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: queue.OpVoteCast,
		Payload:       []byte("vote"),
	})
	require.NoError(t, err)

	_, err = q.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)
	// Rejected transitions count nothing
	_, err = q.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	recovered, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	assert.Equal(t, 1.0, transitions(t, reg, queue.EventDispatch))
	assert.Equal(t, 1.0, transitions(t, reg, queue.EventRevert))
	assert.Equal(t, 1, promtest.CollectAndCount(reg, "ballotd_queue_enqueued_total"))
}

// Racing dispatches of one item conflict in the store. Only the committed
// one may be counted.
func TestConflictingUpdatesCountOnce(t *testing.T) {
	q, reg := newMeteredQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: queue.OpVoteCast,
		Payload:       []byte("vote"),
	})
	require.NoError(t, err)

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = q.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
		}()
	}
	close(start)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1.0, transitions(t, reg, queue.EventDispatch))
}

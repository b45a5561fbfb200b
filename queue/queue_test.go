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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database/blob"
	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/internal/test/testutil"
	"github.com/univote/ballotd/queue"
)

var testStart = time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *testutil.QueueEnv {
	t.Helper()
	return testutil.NewQueueEnv(t, testutil.NewClock(testStart), nil)
}

func enqueue(t *testing.T, env *testutil.QueueEnv, op queue.OperationType, payload string) string {
	t.Helper()
	id, err := env.Queue.Enqueue(context.Background(), queue.EnqueueRequest{
		OperationType: op,
		Payload:       []byte(payload),
	})
	require.NoError(t, err)
	return id
}

func ids(items []*queue.Item) []string {
	ret := make([]string, 0, len(items))
	for _, item := range items {
		ret = append(ret, item.ID)
	}
	return ret
}

func TestEnqueueDefaults(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := enqueue(t, env, queue.OpVoteCast, "vote")

	item, err := env.Queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, uint8(200), item.Priority)
	assert.True(t, testStart.Add(7*24*time.Hour).Equal(item.ExpiresAt))
	assert.True(t, testStart.Equal(item.ScheduledAt))
	digest, err := env.Codec.Digest([]byte("vote"))
	require.NoError(t, err)
	assert.Equal(t, digest, item.PayloadHash)
	assert.Equal(t, "k1", item.KeyID)

	payload, err := env.Queue.Open(item)
	require.NoError(t, err)
	assert.Equal(t, "vote", string(payload))

	_, err = env.Queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: "bogus",
		Payload:       []byte("x"),
	})
	require.ErrorIs(t, err, queue.ErrUnknownOperationType)
	_, err = env.Queue.Enqueue(ctx, queue.EnqueueRequest{OperationType: queue.OpAck})
	require.ErrorIs(t, err, queue.ErrEmptyPayload)
	_, err = env.Queue.Get(ctx, "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestPayloadEncryptedAtRest(t *testing.T) {
	env := newEnv(t)
	secret := []byte(`{"candidateId":"candidate-secret-42"}`)
	_, err := env.Queue.Enqueue(context.Background(), queue.EnqueueRequest{
		OperationType: queue.OpVoteCast,
		Payload:       secret,
	})
	require.NoError(t, err)

	found := 0
	err = env.Store.View(func(txn *blob.Txn) error {
		return txn.IterateKeys([]byte("q/"), func(key []byte) (bool, error) {
			found++
			assert.False(t, bytes.Contains(key, []byte("candidate-secret-42")))
			val, err := txn.Get(key)
			if err != nil && !errors.Is(err, blob.ErrKeyNotFound) {
				return false, err
			}
			assert.False(t, bytes.Contains(val, []byte("candidate-secret-42")))
			return true, nil
		})
	})
	require.NoError(t, err)
	assert.Positive(t, found)
}

func TestNextBatchOrdering(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	ack := enqueue(t, env, queue.OpAck, "ack")
	vote1 := enqueue(t, env, queue.OpVoteCast, "vote-1")
	refresh := enqueue(t, env, queue.OpTokenRefresh, "refresh")
	vote2 := enqueue(t, env, queue.OpVoteCast, "vote-2")
	profile := enqueue(t, env, queue.OpProfileUpdate, "profile")

	batch, err := env.Queue.NextBatch(ctx, 10, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{vote1, vote2, refresh, profile, ack}, ids(batch))

	batch, err = env.Queue.NextBatch(ctx, 2, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{vote1, vote2}, ids(batch))

	batch, err = env.Queue.NextBatch(ctx, 10, queue.BatchFilter{OperationType: queue.OpTokenRefresh})
	require.NoError(t, err)
	assert.Equal(t, []string{refresh}, ids(batch))

	batch, err = env.Queue.NextBatch(ctx, 2, queue.BatchFilter{
		OperationTypes: []queue.OperationType{queue.OpAck, queue.OpTokenRefresh},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{refresh, ack}, ids(batch))

	batch, err = env.Queue.NextBatch(ctx, 10, queue.BatchFilter{Priority: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{profile}, ids(batch))

	batch, err = env.Queue.NextBatch(ctx, 0, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestNextBatchSkipsScheduledAndDispatched(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	later, err := env.Queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: queue.OpAck,
		Payload:       []byte("later"),
		ScheduledAt:   testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	now := enqueue(t, env, queue.OpAck, "now")
	dispatched := enqueue(t, env, queue.OpVoteCast, "dispatched")
	_, err = env.Queue.UpdateStatus(ctx, dispatched, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)

	batch, err := env.Queue.NextBatch(ctx, 10, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{now}, ids(batch))

	env.Clock.Advance(time.Hour)
	batch, err = env.Queue.NextBatch(ctx, 10, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{later, now}, ids(batch))
}

func TestUpdateStatusLifecycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := enqueue(t, env, queue.OpVoteCast, "vote")

	_, err := env.Queue.UpdateStatus(ctx, id, queue.StatusSynced, queue.StatusUpdate{})
	require.ErrorIs(t, err, queue.ErrInvalidTransition, "pending cannot skip dispatch")

	item, err := env.Queue.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInFlight, item.Status)

	item, err = env.Queue.UpdateStatus(ctx, id, queue.StatusFailed, queue.StatusUpdate{
		Err:   errors.New("connection refused"),
		Class: "network",
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.False(t, item.Terminal)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "connection refused", item.LastError)
	assert.Equal(t, "network", item.ErrorClass)
	delay := item.NextRetryAt.Sub(testStart)
	assert.GreaterOrEqual(t, delay, 900*time.Millisecond)
	assert.LessOrEqual(t, delay, 1100*time.Millisecond)

	// Not promoted before the backoff elapses
	promoted, err := env.Queue.PromoteRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	env.Clock.Advance(2 * time.Second)
	promoted, err = env.Queue.PromoteRetries(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, queue.StatusPending, promoted[0].Status)
	assert.Equal(t, 1, promoted[0].RetryCount)

	_, err = env.Queue.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)
	item, err = env.Queue.UpdateStatus(ctx, id, queue.StatusSynced, queue.StatusUpdate{})
	require.NoError(t, err)
	assert.Nil(t, item)
	_, err = env.Queue.Get(ctx, id)
	require.ErrorIs(t, err, queue.ErrNotFound, "synced items are removed")
}

func TestTerminalFailure(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := enqueue(t, env, queue.OpVoteCast, "vote")
	_, err := env.Queue.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)
	item, err := env.Queue.UpdateStatus(ctx, id, queue.StatusFailed, queue.StatusUpdate{
		Err:      errors.New("election ended"),
		Terminal: true,
		Class:    "ELECTION_ENDED",
	})
	require.NoError(t, err)
	assert.True(t, item.Terminal)
	assert.Zero(t, item.RetryCount)

	env.Clock.Advance(time.Hour)
	promoted, err := env.Queue.PromoteRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	_, err = env.Queue.UpdateStatus(ctx, id, queue.StatusPending, queue.StatusUpdate{})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	failures, err := env.Queue.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "ELECTION_ENDED", failures[0].ErrorClass)
}

func TestMaxRetriesTurnsTerminal(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := enqueue(t, env, queue.OpTokenRefresh, "refresh")
	var item *queue.Item
	for i := 1; i <= 5; i++ {
		_, err := env.Queue.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
		require.NoError(t, err)
		var uerr error
		item, uerr = env.Queue.UpdateStatus(ctx, id, queue.StatusFailed, queue.StatusUpdate{
			Err: errors.New("timeout"),
		})
		require.NoError(t, uerr)
		assert.Equal(t, i, item.RetryCount)
		if i < 5 {
			assert.False(t, item.Terminal, "retry %d", i)
			env.Clock.Set(item.NextRetryAt)
			promoted, err := env.Queue.PromoteRetries(ctx)
			require.NoError(t, err)
			require.Len(t, promoted, 1)
		}
	}
	assert.True(t, item.Terminal)
}

func TestRecoverInFlight(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := enqueue(t, env, queue.OpVoteCast, "vote")
	_, err := env.Queue.UpdateStatus(ctx, id, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)
	require.ErrorIs(t, env.Queue.Cancel(ctx, id), queue.ErrInFlight)

	recovered, err := env.Queue.RecoverInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, queue.StatusPending, recovered[0].Status)
	assert.Zero(t, recovered[0].RetryCount)

	batch, err := env.Queue.NextBatch(ctx, 10, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(batch))

	require.NoError(t, env.Queue.Cancel(ctx, id))
	_, err = env.Queue.Get(ctx, id)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCleanExpiredItems(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	_, expiredCh := env.Bus.Subscribe(event.QueueItemExpiredEventType)
	refresh := enqueue(t, env, queue.OpTokenRefresh, "refresh")
	ack := enqueue(t, env, queue.OpAck, "ack")
	vote := enqueue(t, env, queue.OpVoteCast, "vote")
	_, err := env.Queue.UpdateStatus(ctx, ack, queue.StatusInFlight, queue.StatusUpdate{})
	require.NoError(t, err)
	_, err = env.Queue.UpdateStatus(ctx, ack, queue.StatusFailed, queue.StatusUpdate{
		Err: errors.New("503"),
	})
	require.NoError(t, err)

	expired, err := env.Queue.CleanExpiredItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	env.Clock.Advance(24 * time.Hour)
	expired, err = env.Queue.CleanExpiredItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{refresh, ack}, ids(expired))
	for _, item := range expired {
		assert.Equal(t, queue.StatusExpired, item.Status)
	}
	for range 2 {
		evt := testutil.RequireReceive(t, expiredCh, time.Second, "expiry event")
		data := evt.Data.(event.QueueItemEvent)
		assert.Contains(t, []string{refresh, ack}, data.ID)
		assert.Equal(t, string(queue.StatusExpired), data.Status)
	}

	stats, err := env.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.StatusPending])
	assert.Zero(t, stats[queue.StatusFailed])

	// An expired pending item is never handed out even before cleanup runs
	env.Clock.Advance(6 * 24 * time.Hour)
	batch, err := env.Queue.NextBatch(ctx, 10, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batch)
	expired, err = env.Queue.CleanExpiredItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{vote}, ids(expired))
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	keys := testutil.NewKeyStore(t)
	c := codec.New(keys)
	clock := testutil.NewClock(testStart)

	open := func() (*blob.Store, *queue.Queue) {
		store, err := blob.New(blob.WithDataDir(dir), blob.WithGc(false, 0))
		require.NoError(t, err)
		q, err := queue.New(queue.Config{Store: store, Codec: c, Now: clock.Now})
		require.NoError(t, err)
		return store, q
	}
	store, q := open()
	first, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		OperationType: queue.OpVoteCast,
		Payload:       []byte("first"),
	})
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, store.Close())

	store, q = open()
	defer func() {
		require.NoError(t, q.Close())
		require.NoError(t, store.Close())
	}()
	second, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		OperationType: queue.OpVoteCast,
		Payload:       []byte("second"),
	})
	require.NoError(t, err)
	batch, err := q.NextBatch(context.Background(), 10, queue.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids(batch))
	payload, err := q.Open(batch[0])
	require.NoError(t, err)
	assert.Equal(t, "first", string(payload))
}

func TestOpenDetectsTampering(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := enqueue(t, env, queue.OpVoteCast, "vote")
	item, err := env.Queue.Get(ctx, id)
	require.NoError(t, err)
	item.Ciphertext[0] ^= 0xff
	_, err = env.Queue.Open(item)
	require.ErrorIs(t, err, codec.ErrIntegrity)
}

func TestContextCanceled(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.Queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: queue.OpAck,
		Payload:       []byte("x"),
	})
	require.ErrorIs(t, err, context.Canceled)
	_, err = env.Queue.NextBatch(ctx, 1, queue.BatchFilter{})
	require.ErrorIs(t, err, context.Canceled)
}

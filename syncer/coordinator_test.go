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

package syncer_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/univote/ballotd/api"
	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/internal/test/testutil"
	"github.com/univote/ballotd/queue"
	"github.com/univote/ballotd/syncer"
)

var testStart = time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)

type syncEnv struct {
	server *testutil.LedgerEnv
	client *api.Client
	q      *testutil.QueueEnv
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	server := testutil.NewLedgerEnv(t, testStart)
	ts := httptest.NewServer(api.NewServer(api.Config{Now: server.Clock.Now}, server.Ledger, server.Tokens).Handler())
	t.Cleanup(ts.Close)
	client, err := api.NewClient(api.ClientConfig{BaseURL: ts.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(client.CloseIdleConnections)
	return &syncEnv{
		server: server,
		client: client,
		q:      testutil.NewQueueEnv(t, testutil.NewClock(testStart), nil),
	}
}

func (e *syncEnv) coordinator(t *testing.T, sub syncer.Submitter) *syncer.Coordinator {
	t.Helper()
	if sub == nil {
		sub = &syncer.VoteCastSubmitter{Client: e.client}
	}
	c, err := syncer.New(syncer.Config{
		Queue:      e.q.Queue,
		Submitters: map[queue.OperationType]syncer.Submitter{queue.OpVoteCast: sub},
		EventBus:   e.q.Bus,
	})
	require.NoError(t, err)
	return c
}

func (e *syncEnv) enqueueVote(t *testing.T, voterID string) (string, *ballot.BallotToken) {
	t.Helper()
	tok, err := e.server.Tokens.Issue(context.Background(), voterID, testutil.ElectionID)
	require.NoError(t, err)
	payload, err := syncer.EncodeVoteCast(syncer.VoteCast{
		VoterID:     voterID,
		ElectionID:  testutil.ElectionID,
		CandidateID: testutil.CandidateID,
		BallotToken: tok.Value,
	})
	require.NoError(t, err)
	id, err := e.q.Queue.Enqueue(context.Background(), queue.EnqueueRequest{
		OperationType:   queue.OpVoteCast,
		Payload:         payload,
		RelatedEntityID: testutil.ElectionID,
	})
	require.NoError(t, err)
	return id, tok
}

func (e *syncEnv) tally(t *testing.T) int64 {
	t.Helper()
	tally, err := e.server.DB.Tally(context.Background(), testutil.ElectionID)
	require.NoError(t, err)
	return tally[testutil.CandidateID]
}

func TestSyncVote(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	_, syncedCh := env.q.Bus.Subscribe(event.SyncItemSyncedEventType)
	id, _ := env.enqueueVote(t, testutil.VoterID)

	report, err := env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Empty(t, report.Results[0].Reason)
	assert.Equal(t, 1, report.Synced())
	assert.Equal(t, int64(1), env.tally(t))

	_, err = env.q.Queue.Get(ctx, id)
	require.ErrorIs(t, err, queue.ErrNotFound)
	evt := testutil.RequireReceive(t, syncedCh, time.Second, "synced event")
	assert.Equal(t, id, evt.Data.(event.QueueItemEvent).ID)

	// Nothing left to do
	report, err = env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

// The server commits the vote but the response never arrives. The retry
// must settle as synced without a second vote.
func TestResyncOfCommittedVoteIsSynced(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	id, _ := env.enqueueVote(t, testutil.VoterID)
	direct := &syncer.VoteCastSubmitter{Client: env.client}
	lostResponse := syncer.SubmitterFunc(func(ctx context.Context, item *queue.Item, payload []byte) error {
		assert.NoError(t, direct.Submit(ctx, item, payload))
		return errors.New("connection reset by peer")
	})

	report, err := env.coordinator(t, lostResponse).SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeRetrying, report.Results[0].Outcome)
	assert.Equal(t, "network", report.Results[0].Class)
	item, err := env.q.Queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)

	env.q.Clock.Advance(2 * time.Second)
	report, err = env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Equal(t, ballot.ReasonTokenAlreadyUsed, report.Results[0].Reason)
	assert.Equal(t, int64(1), env.tally(t))
	_, err = env.q.Queue.Get(ctx, id)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestOfflineVoteAfterElectionEndsFailsTerminally(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	_, failedCh := env.q.Bus.Subscribe(event.SyncItemFailedEventType)
	id, tok := env.enqueueVote(t, testutil.VoterID)

	// Offline until after the election closes
	env.server.Clock.Advance(25 * time.Hour)
	env.q.Clock.Advance(25 * time.Hour)

	report, err := env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, id, failures[0].ID)
	assert.Equal(t, ballot.ReasonElectionEnded, failures[0].Reason)
	require.ErrorIs(t, failures[0].Err, ballot.ErrElectionEnded)

	evt := testutil.RequireReceive(t, failedCh, time.Second, "failed event")
	data := evt.Data.(event.QueueItemEvent)
	assert.Equal(t, id, data.ID)
	assert.True(t, data.Terminal)
	assert.Equal(t, "ELECTION_ENDED", data.Reason)

	stored, err := env.q.Queue.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "ELECTION_ENDED", stored[0].ErrorClass)

	// Terminal failures are never retried
	env.q.Clock.Advance(time.Hour)
	report, err = env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Zero(t, env.tally(t))
	tokRow, err := env.server.DB.Token(ctx, tok.Value)
	require.NoError(t, err)
	assert.False(t, tokRow.Used)
}

func TestServerUnavailableRetriesWithBackoff(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	id, _ := env.enqueueVote(t, testutil.VoterID)
	var calls atomic.Int32
	down := syncer.SubmitterFunc(func(context.Context, *queue.Item, []byte) error {
		calls.Add(1)
		return &api.StatusError{StatusCode: 503}
	})
	c := env.coordinator(t, down)

	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "http_503", report.Results[0].Class)

	// Backoff not elapsed
	report, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)

	var last time.Duration
	for retry := 2; retry <= 5; retry++ {
		item, err := env.q.Queue.Get(ctx, id)
		require.NoError(t, err)
		wait := item.NextRetryAt.Sub(env.q.Clock.Now())
		assert.Greater(t, wait, last, "retry %d", retry)
		last = wait
		env.q.Clock.Set(item.NextRetryAt)
		report, err = c.SyncOnce(ctx)
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		assert.Equal(t, retry, report.Results[0].RetryCount)
	}
	assert.Equal(t, int32(5), calls.Load())

	// Vote casts retry without limit until they expire
	item, err := env.q.Queue.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, item.Terminal)
}

func TestCancelledPassRevertsInFlight(t *testing.T) {
	env := newSyncEnv(t)
	id, _ := env.enqueueVote(t, testutil.VoterID)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	blocking := syncer.SubmitterFunc(func(ctx context.Context, _ *queue.Item, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	c := env.coordinator(t, blocking)

	done := make(chan *syncer.Report, 1)
	go func() {
		report, err := c.SyncOnce(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		done <- report
	}()
	testutil.RequireReceive(t, started, time.Second, "submission started")
	cancel()
	report := testutil.RequireReceive(t, done, 5*time.Second, "pass finished")
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeReverted, report.Results[0].Outcome)

	item, err := env.q.Queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Zero(t, item.RetryCount)

	// The next pass picks it up normally
	report, err = env.coordinator(t, nil).SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
}

func TestIntegrityFailureIsTerminal(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	id, _ := env.enqueueVote(t, testutil.VoterID)

	// Same store read back with a different key under the same key id
	otherKeys := codec.New(testutil.NewKeyStore(t))
	q2, err := queue.New(queue.Config{Store: env.q.Store, Codec: otherKeys, Now: env.q.Clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q2.Close() })
	var submits atomic.Int32
	c, err := syncer.New(syncer.Config{
		Queue: q2,
		Submitters: map[queue.OperationType]syncer.Submitter{
			queue.OpVoteCast: syncer.SubmitterFunc(func(context.Context, *queue.Item, []byte) error {
				submits.Add(1)
				return nil
			}),
		},
	})
	require.NoError(t, err)
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "integrity", failures[0].Class)
	require.ErrorIs(t, failures[0].Err, codec.ErrIntegrity)
	assert.Zero(t, submits.Load())

	item, err := env.q.Queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.True(t, item.Terminal)
	assert.Zero(t, env.tally(t))
}

func TestMalformedPayloadIsTerminal(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	_, err := env.q.Queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: queue.OpVoteCast,
		Payload:       []byte("not cbor"),
	})
	require.NoError(t, err)
	report, err := env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures(), 1)
	assert.Equal(t, "integrity", report.Failures()[0].Class)
	require.ErrorIs(t, report.Failures()[0].Err, syncer.ErrMalformedPayload)
}

func TestExpiredItemsAreSurfaced(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	id, _ := env.enqueueVote(t, testutil.VoterID)
	env.q.Clock.Advance(7 * 24 * time.Hour)
	report, err := env.coordinator(t, nil).SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, id, report.Expired[0].ID)
	assert.Empty(t, report.Results)
	assert.Zero(t, env.tally(t))
}

func TestUnsupportedOperationsDoNotStarveBatch(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	var acks []string
	for range 50 {
		id, err := env.q.Queue.Enqueue(ctx, queue.EnqueueRequest{
			OperationType: queue.OpAck,
			Payload:       []byte("ack"),
			Priority:      255,
		})
		require.NoError(t, err)
		acks = append(acks, id)
	}
	voteID, _ := env.enqueueVote(t, testutil.VoterID)

	c, err := syncer.New(syncer.Config{
		Queue:      env.q.Queue,
		Submitters: map[queue.OperationType]syncer.Submitter{queue.OpVoteCast: &syncer.VoteCastSubmitter{Client: env.client}},
		BatchSize:  10,
	})
	require.NoError(t, err)
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, voteID, report.Results[0].ID)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Equal(t, int64(1), env.tally(t))

	// Items nobody can submit stay queued untouched
	for _, id := range acks {
		item, err := env.q.Queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, item.Status)
	}
}

func TestTokenRefreshSubmitter(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	payload, err := syncer.EncodeTokenRefresh(syncer.TokenRefresh{
		VoterID:    testutil.OtherVoterID,
		ElectionID: testutil.ElectionID,
	})
	require.NoError(t, err)
	_, err = env.q.Queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType: queue.OpTokenRefresh,
		Payload:       payload,
	})
	require.NoError(t, err)
	var got *api.BallotTokenResponse
	c, err := syncer.New(syncer.Config{
		Queue: env.q.Queue,
		Submitters: map[queue.OperationType]syncer.Submitter{
			queue.OpTokenRefresh: &syncer.TokenRefreshSubmitter{
				Client: env.client,
				OnToken: func(req syncer.TokenRefresh, tok *api.BallotTokenResponse) {
					assert.Equal(t, testutil.OtherVoterID, req.VoterID)
					got = tok
				},
			},
		},
	})
	require.NoError(t, err)
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced())
	require.NotNil(t, got)
	assert.NotEmpty(t, got.Token)
}

func TestConcurrentBatch(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	// Both voters queue a vote; the second voter also queues a duplicate
	env.enqueueVote(t, testutil.VoterID)
	env.enqueueVote(t, testutil.OtherVoterID)
	env.enqueueVote(t, testutil.OtherVoterID)
	reg := prometheus.NewRegistry()
	c, err := syncer.New(syncer.Config{
		Queue: env.q.Queue,
		Submitters: map[queue.OperationType]syncer.Submitter{
			queue.OpVoteCast: &syncer.VoteCastSubmitter{Client: env.client},
		},
		Concurrency:  3,
		PromRegistry: reg,
	})
	require.NoError(t, err)
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Synced())
	assert.Equal(t, int64(2), env.tally(t))
	expected := `
# HELP ballotd_sync_items_total queued items processed by outcome
# TYPE ballotd_sync_items_total counter
ballotd_sync_items_total{outcome="synced"} 3
`
	require.NoError(t, promtest.GatherAndCompare(
		reg,
		strings.NewReader(expected),
		"ballotd_sync_items_total",
	))
}

func TestRunLoop(t *testing.T) {
	env := newSyncEnv(t)
	c, err := syncer.New(syncer.Config{
		Queue: env.q.Queue,
		Submitters: map[queue.OperationType]syncer.Submitter{
			queue.OpVoteCast: &syncer.VoteCastSubmitter{Client: env.client},
		},
		Interval: time.Hour,
	})
	require.NoError(t, err)
	defer goleak.VerifyNone(
		t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("net/http.(*conn).serve"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	id, _ := env.enqueueVote(t, testutil.VoterID)
	c.Trigger()
	testutil.WaitForCondition(t, func() bool {
		_, err := env.q.Queue.Get(context.Background(), id)
		return errors.Is(err, queue.ErrNotFound)
	}, 5*time.Second, "queued vote synced")
	assert.Equal(t, int64(1), env.tally(t))

	cancel()
	require.NoError(t, testutil.RequireReceive(t, done, 5*time.Second, "run loop exit"))
	env.client.CloseIdleConnections()
}

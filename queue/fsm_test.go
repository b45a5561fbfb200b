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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	testCases := []struct {
		from Status
		ev   Event
		to   Status
	}{
		{StatusPending, EventDispatch, StatusInFlight},
		{StatusPending, EventExpire, StatusExpired},
		{StatusInFlight, EventSucceed, StatusSynced},
		{StatusInFlight, EventFailRetryable, StatusFailed},
		{StatusInFlight, EventFailTerminal, StatusFailed},
		{StatusInFlight, EventRevert, StatusPending},
		{StatusFailed, EventRetry, StatusPending},
		{StatusFailed, EventExpire, StatusExpired},
	}
	for _, tc := range testCases {
		to, err := Transition(tc.from, tc.ev)
		require.NoError(t, err, "%s on %s", tc.ev, tc.from)
		assert.Equal(t, tc.to, to)
	}
	invalid := []struct {
		from Status
		ev   Event
	}{
		{StatusPending, EventSucceed},
		{StatusPending, EventRetry},
		{StatusSynced, EventRetry},
		{StatusSynced, EventDispatch},
		{StatusExpired, EventRetry},
		{StatusFailed, EventSucceed},
		{StatusFailed, EventDispatch},
		{StatusInFlight, EventDispatch},
	}
	for _, tc := range invalid {
		_, err := Transition(tc.from, tc.ev)
		require.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", tc.ev, tc.from)
	}
}

func TestEventFor(t *testing.T) {
	ev, err := eventFor(StatusInFlight, StatusPending, false)
	require.NoError(t, err)
	assert.Equal(t, EventRevert, ev)
	ev, err = eventFor(StatusFailed, StatusPending, false)
	require.NoError(t, err)
	assert.Equal(t, EventRetry, ev)
	ev, err = eventFor(StatusInFlight, StatusFailed, true)
	require.NoError(t, err)
	assert.Equal(t, EventFailTerminal, ev)
	_, err = eventFor(StatusPending, Status("bogus"), false)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryDelay(0))
	var prevNominal time.Duration
	for n := 1; n <= 40; n++ {
		nominal := min(RetryBaseDelay<<min(n-1, 30), RetryMaxDelay)
		for range 20 {
			d := RetryDelay(n)
			low := time.Duration(float64(nominal) * (1 - RetryJitter))
			high := time.Duration(float64(nominal) * (1 + RetryJitter))
			require.GreaterOrEqual(t, d, low, "retry %d", n)
			require.LessOrEqual(t, d, min(high, RetryMaxDelay), "retry %d", n)
		}
		require.GreaterOrEqual(t, nominal, prevNominal)
		prevNominal = nominal
	}
	// Jitter never makes an early step outrun the next one
	for n := 1; n < 10; n++ {
		assert.Less(t, RetryDelay(n), RetryDelay(n+1), "retry %d", n)
	}
}

func TestPolicyFor(t *testing.T) {
	p, ok := PolicyFor(OpVoteCast)
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, p.TTL)
	assert.Zero(t, p.MaxRetries)
	assert.Equal(t, uint8(200), p.DefaultPriority)
	p, ok = PolicyFor(OpTokenRefresh)
	require.True(t, ok)
	assert.Equal(t, 5, p.MaxRetries)
	_, ok = PolicyFor("bogus")
	assert.False(t, ok)
}

func TestKeyLayout(t *testing.T) {
	now := time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)
	item := &Item{
		ID:        "abc",
		Status:    StatusPending,
		Priority:  200,
		Seq:       7,
		ExpiresAt: now,
	}
	key := indexKey(item)
	prefix := statusPrefix(StatusPending)
	assert.Equal(t, "abc", idFromIndexKey(key, len(prefix)))
	low := indexKey(&Item{ID: "zzz", Status: StatusPending, Priority: 10, Seq: 1})
	assert.Less(t, string(key), string(low), "higher priority sorts first")
	later := indexKey(&Item{ID: "aaa", Status: StatusPending, Priority: 200, Seq: 8})
	assert.Less(t, string(key), string(later), "earlier submission sorts first")

	expiresAt, id := expiryFromKey(expiryKey(item))
	assert.Equal(t, "abc", id)
	assert.True(t, now.Equal(expiresAt))
}

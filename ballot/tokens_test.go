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

package ballot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/internal/test/testutil"
)

var testStart = time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)

func TestIssueIsIdempotent(t *testing.T) {
	env := testutil.NewLedgerEnv(t, testStart)
	first := env.IssueToken(t, testutil.VoterID)
	second := env.IssueToken(t, testutil.VoterID)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, first.ExpiresAt.Unix(), second.ExpiresAt.Unix())
	assert.Equal(t, testStart.Add(ballot.DefaultTokenTTL), first.ExpiresAt)
	assert.Len(t, first.Value, 43, "32 random bytes, base64url without padding")

	// A different voter gets a different token
	other := env.IssueToken(t, testutil.OtherVoterID)
	assert.NotEqual(t, first.Value, other.Value)

	// Once expired, a fresh token is issued
	env.Clock.Advance(ballot.DefaultTokenTTL)
	third := env.IssueToken(t, testutil.VoterID)
	assert.NotEqual(t, first.Value, third.Value)
}

func TestIssueRejections(t *testing.T) {
	env := testutil.NewLedgerEnv(t, testStart)
	ctx := context.Background()
	testCases := []struct {
		name       string
		voterID    string
		electionID string
		want       error
	}{
		{"unknown election", testutil.VoterID, "nope", ballot.ErrElectionNotFound},
		{"ended election", testutil.VoterID, testutil.EndedElectionID, ballot.ErrElectionEnded},
		{"ineligible voter", testutil.IneligibleVoterID, testutil.ElectionID, ballot.ErrUserIneligible},
		{"unknown voter", "ghost", testutil.ElectionID, ballot.ErrUserIneligible},
		{"missing voter", "", testutil.ElectionID, ballot.ErrValidation},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Tokens.Issue(ctx, tc.voterID, tc.electionID)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestStatus(t *testing.T) {
	env := testutil.NewLedgerEnv(t, testStart)
	ctx := context.Background()

	st, err := env.Tokens.Status(ctx, testutil.VoterID, testutil.ElectionID)
	require.NoError(t, err)
	assert.Equal(t, ballot.VoteStatus{
		IsEligible:     true,
		CanVote:        true,
		ElectionStatus: ballot.ElectionStatusOpen,
	}, *st)

	tok := env.IssueToken(t, testutil.VoterID)
	st, err = env.Tokens.Status(ctx, testutil.VoterID, testutil.ElectionID)
	require.NoError(t, err)
	assert.True(t, st.HasBallotToken)
	require.NotNil(t, st.BallotTokenExpiry)
	assert.True(t, tok.ExpiresAt.Equal(*st.BallotTokenExpiry))

	_, err = env.Ledger.CastVote(ctx, ballot.CastRequest{
		Token:       tok.Value,
		ElectionID:  testutil.ElectionID,
		CandidateID: testutil.CandidateID,
		VoterID:     testutil.VoterID,
	})
	require.NoError(t, err)
	st, err = env.Tokens.Status(ctx, testutil.VoterID, testutil.ElectionID)
	require.NoError(t, err)
	assert.True(t, st.HasVoted)
	assert.False(t, st.CanVote)
	assert.False(t, st.HasBallotToken)

	st, err = env.Tokens.Status(ctx, testutil.IneligibleVoterID, testutil.ElectionID)
	require.NoError(t, err)
	assert.False(t, st.IsEligible)
	assert.False(t, st.CanVote)

	_, err = env.Tokens.Status(ctx, testutil.VoterID, "nope")
	require.ErrorIs(t, err, ballot.ErrElectionNotFound)
}

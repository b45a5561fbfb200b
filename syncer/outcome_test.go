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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/univote/ballotd/api"
	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/codec"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		outcome Outcome
		class   string
	}{
		{"success", nil, OutcomeSynced, ""},
		{"already voted", ballot.ErrDoubleVote, OutcomeSynced, "DOUBLE_VOTE"},
		{"token used", fmt.Errorf("cast: %w", ballot.ErrTokenAlreadyUsed), OutcomeSynced, "TOKEN_ALREADY_USED"},
		{"election ended", ballot.ErrElectionEnded, OutcomeFailed, "ELECTION_ENDED"},
		{"token expired", ballot.ErrTokenExpired, OutcomeFailed, "TOKEN_EXPIRED"},
		{"integrity", fmt.Errorf("%w: tag mismatch", codec.ErrIntegrity), OutcomeFailed, "integrity"},
		{"malformed", ErrMalformedPayload, OutcomeFailed, "integrity"},
		{"server error", &api.StatusError{StatusCode: 502}, OutcomeRetrying, "http_502"},
		{"rate limited", &api.StatusError{StatusCode: 429}, OutcomeRetrying, "http_429"},
		{"unauthorized", &api.StatusError{StatusCode: 401}, OutcomeFailed, "http_401"},
		{"network", errors.New("dial tcp: connection refused"), OutcomeRetrying, "network"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := classify(tc.err)
			assert.Equal(t, tc.outcome, v.outcome)
			assert.Equal(t, tc.class, v.class)
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	data, err := EncodeVoteCast(VoteCast{
		VoterID:     "voter-1",
		ElectionID:  "election-1",
		CandidateID: "candidate-1",
		BallotToken: "tok",
	})
	assert.NoError(t, err)
	v, err := DecodeVoteCast(data)
	assert.NoError(t, err)
	assert.Equal(t, "candidate-1", v.CandidateID)

	_, err = DecodeTokenRefresh([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

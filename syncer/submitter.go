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
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/univote/ballotd/api"
	"github.com/univote/ballotd/queue"
)

// ErrMalformedPayload marks a queued payload that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed queued payload")

// Submitter delivers one queued operation to the server.
type Submitter interface {
	Submit(ctx context.Context, item *queue.Item, payload []byte) error
}

type SubmitterFunc func(ctx context.Context, item *queue.Item, payload []byte) error

func (f SubmitterFunc) Submit(ctx context.Context, item *queue.Item, payload []byte) error {
	return f(ctx, item, payload)
}

// VoteCast is the queued form of a vote submission.
type VoteCast struct {
	_           struct{} `cbor:",toarray"`
	VoterID     string
	ElectionID  string
	CandidateID string
	BallotToken string
}

func EncodeVoteCast(v VoteCast) ([]byte, error) {
	return cbor.Marshal(v)
}

func DecodeVoteCast(data []byte) (*VoteCast, error) {
	var ret VoteCast
	if err := cbor.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &ret, nil
}

// TokenRefresh is the queued form of a ballot token request.
type TokenRefresh struct {
	_          struct{} `cbor:",toarray"`
	VoterID    string
	ElectionID string
}

func EncodeTokenRefresh(v TokenRefresh) ([]byte, error) {
	return cbor.Marshal(v)
}

func DecodeTokenRefresh(data []byte) (*TokenRefresh, error) {
	var ret TokenRefresh
	if err := cbor.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &ret, nil
}

// VoteCastSubmitter posts queued votes to POST /votes.
type VoteCastSubmitter struct {
	Client *api.Client
}

func (s *VoteCastSubmitter) Submit(ctx context.Context, _ *queue.Item, payload []byte) error {
	v, err := DecodeVoteCast(payload)
	if err != nil {
		return err
	}
	_, err = s.Client.CastVote(ctx, v.VoterID, api.CastVoteRequest{
		ElectionID:  v.ElectionID,
		CandidateID: v.CandidateID,
		BallotToken: v.BallotToken,
	})
	return err
}

// TokenRefreshSubmitter requests ballot tokens through
// POST /votes/ballot-token and hands each result to OnToken.
type TokenRefreshSubmitter struct {
	Client  *api.Client
	OnToken func(req TokenRefresh, tok *api.BallotTokenResponse)
}

func (s *TokenRefreshSubmitter) Submit(ctx context.Context, _ *queue.Item, payload []byte) error {
	req, err := DecodeTokenRefresh(payload)
	if err != nil {
		return err
	}
	tok, err := s.Client.IssueToken(ctx, req.VoterID, req.ElectionID)
	if err != nil {
		return err
	}
	if s.OnToken != nil {
		s.OnToken(*req, tok)
	}
	return nil
}

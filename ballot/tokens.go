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
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultTokenTTL = 30 * time.Minute
	tokenEntropy    = 32
)

type TokenAuthorityConfig struct {
	Store        Store
	TTL          time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// TokenAuthority issues and consumes ballot tokens.
type TokenAuthority struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics
}

func NewTokenAuthority(cfg TokenAuthorityConfig) *TokenAuthority {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &TokenAuthority{
		store:   cfg.Store,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		base:    cfg.Logger,
		logger:  cfg.Logger.With("component", "ballot"),
		metrics: newMetrics(cfg.PromRegistry),
	}
}

// Issue returns a ballot token for the voter in the election. An unused,
// unexpired token for the pair is returned unchanged.
func (a *TokenAuthority) Issue(
	ctx context.Context,
	voterID string,
	electionID string,
) (*BallotToken, error) {
	if voterID == "" || electionID == "" {
		return nil, Validationf("voter and election are required")
	}
	var ret *BallotToken
	var reused bool
	err := a.store.Update(ctx, func(txn StoreTxn) error {
		ret, reused = nil, false
		now := a.now()
		election, err := lookupElection(txn, electionID)
		if err != nil {
			return err
		}
		if err := openError(election.StatusAt(now)); err != nil {
			return err
		}
		voter, err := txn.Voter(voterID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrUserIneligible
			}
			return err
		}
		if !election.Eligible(voter) {
			return ErrUserIneligible
		}
		voted, err := txn.HasVoted(voterID, electionID)
		if err != nil {
			return err
		}
		if voted {
			return ErrDoubleVote
		}
		existing, err := txn.ActiveToken(voterID, electionID, now)
		switch {
		case err == nil:
			ret, reused = existing, true
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}
		value, err := newTokenValue()
		if err != nil {
			return err
		}
		tok := &BallotToken{
			ID:         uuid.NewString(),
			Value:      value,
			ElectionID: electionID,
			VoterID:    voterID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(a.ttl),
		}
		if err := txn.InsertToken(tok); err != nil {
			return fmt.Errorf("insert ballot token: %w", err)
		}
		ret = tok
		return nil
	})
	if err != nil {
		a.metrics.observeIssue(err)
		return nil, err
	}
	a.metrics.observeIssue(nil)
	a.logger.Debug(
		"ballot token issued",
		"election_id", electionID,
		"token_id", ret.ID,
		"reused", reused,
	)
	return ret, nil
}

// Consume validates tokenValue for the voter and election and marks it used
// inside txn. The caller's transaction makes this atomic with the vote write.
func (a *TokenAuthority) Consume(
	txn StoreTxn,
	tokenValue string,
	electionID string,
	voterID string,
	now time.Time,
) (*BallotToken, error) {
	if tokenValue == "" {
		return nil, ErrInvalidToken
	}
	tok, err := txn.TokenByValue(tokenValue)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	switch {
	case tok.VoterID != voterID:
		return nil, ErrInvalidToken
	case tok.ElectionID != electionID:
		return nil, ErrTokenElectionMismatch
	case tok.Used:
		return nil, ErrTokenAlreadyUsed
	case tok.ExpiredAt(now):
		return nil, ErrTokenExpired
	}
	ok, err := txn.MarkTokenUsed(tok.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume ballot token: %w", err)
	}
	if !ok {
		return nil, ErrTokenAlreadyUsed
	}
	tok.Used = true
	tok.UsedAt = &now
	return tok, nil
}

// Status reports the voter's standing in an election.
func (a *TokenAuthority) Status(
	ctx context.Context,
	voterID string,
	electionID string,
) (*VoteStatus, error) {
	var ret VoteStatus
	err := a.store.View(ctx, func(txn StoreTxn) error {
		now := a.now()
		election, err := lookupElection(txn, electionID)
		if err != nil {
			return err
		}
		ret.ElectionStatus = election.StatusAt(now)
		voter, err := txn.Voter(voterID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		ret.IsEligible = election.Eligible(voter)
		if ret.HasVoted, err = txn.HasVoted(voterID, electionID); err != nil {
			return err
		}
		tok, err := txn.ActiveToken(voterID, electionID, now)
		switch {
		case err == nil:
			ret.HasBallotToken = true
			expiry := tok.ExpiresAt
			ret.BallotTokenExpiry = &expiry
		case !errors.Is(err, ErrNotFound):
			return err
		}
		ret.CanVote = ret.ElectionStatus == ElectionStatusOpen &&
			ret.IsEligible && !ret.HasVoted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

func lookupElection(txn StoreTxn, electionID string) (*Election, error) {
	election, err := txn.Election(electionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrElectionNotFound
		}
		return nil, err
	}
	return election, nil
}

func newTokenValue() (string, error) {
	buf := make([]byte, tokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ballot token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

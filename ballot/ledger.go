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
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/event"
)

// VotePayload is the plaintext sealed into each vote row. It carries no
// timestamp, so a resubmission of the same choice digests identically.
type VotePayload struct {
	_           struct{} `cbor:",toarray"`
	ElectionID  string
	CandidateID string
	VoterID     string
}

// EncodePayload returns the canonical CBOR encoding of p.
func EncodePayload(p VotePayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(data []byte) (*VotePayload, error) {
	var p VotePayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode vote payload: %w", err)
	}
	return &p, nil
}

// CastRequest is a vote submission. Payload is optional; when empty the
// ledger seals a VotePayload built from the request.
type CastRequest struct {
	Token       string
	ElectionID  string
	CandidateID string
	VoterID     string
	Payload     []byte
	Source      string
}

type LedgerConfig struct {
	Store    Store
	Tokens   *TokenAuthority
	Codec    *codec.Codec
	EventBus *event.EventBus
	Now      func() time.Time
	Logger   *slog.Logger
}

// Ledger records votes. Each cast is one transaction covering election and
// candidate checks, token consumption, the vote insert and the candidate
// counter.
type Ledger struct {
	store    Store
	tokens   *TokenAuthority
	codec    *codec.Codec
	eventBus *event.EventBus
	now      func() time.Time
	logger   *slog.Logger
}

func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Now == nil {
		cfg.Now = cfg.Tokens.now
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Tokens.base
	}
	return &Ledger{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		codec:    cfg.Codec,
		eventBus: cfg.EventBus,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "ledger"),
	}
}

// CastVote records a vote and returns its receipt. The candidate choice is
// not echoed back.
func (l *Ledger) CastVote(ctx context.Context, req CastRequest) (*Receipt, error) {
	castAt := l.now()
	if err := req.validate(); err != nil {
		l.finish(req, "", nil, err)
		return nil, err
	}
	payload, err := req.payload()
	if err != nil {
		return nil, err
	}
	sealed, err := l.codec.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("seal vote payload: %w", err)
	}
	code, err := newConfirmationCode()
	if err != nil {
		return nil, err
	}
	vote := &Vote{
		ID:               uuid.NewString(),
		ElectionID:       req.ElectionID,
		CandidateID:      req.CandidateID,
		VoterID:          req.VoterID,
		Ciphertext:       sealed.Ciphertext,
		IV:               sealed.IV,
		KeyID:            sealed.KeyID,
		PayloadHash:      sealed.PayloadHash,
		ConfirmationCode: code,
		CreatedAt:        castAt,
	}

	err = l.store.Update(ctx, func(txn StoreTxn) error {
		now := l.now()
		// 1. election open
		election, err := lookupElection(txn, req.ElectionID)
		if err != nil {
			return err
		}
		if err := openError(election.StatusAt(now)); err != nil {
			return err
		}
		// 2. candidate in election and approved
		candidate, err := txn.Candidate(req.CandidateID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrCandidateNotFound
			}
			return err
		}
		if candidate.ElectionID != req.ElectionID {
			return ErrCandidateNotFound
		}
		if !candidate.Approved {
			return ErrCandidateNotApproved
		}
		// 3. voter eligibility
		voter, err := txn.Voter(req.VoterID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if !election.Eligible(voter) {
			return ErrUserIneligible
		}
		// 4. token consumption
		tok, err := l.tokens.Consume(txn, req.Token, req.ElectionID, req.VoterID, now)
		if err != nil {
			return err
		}
		// 5 and 6. sealed vote insert under the (voter, election) unique index
		vote.TokenID = tok.ID
		vote.Signature, err = l.codec.Sign(vote.signedParts()...)
		if err != nil {
			return fmt.Errorf("sign vote: %w", err)
		}
		if err := txn.InsertVote(vote); err != nil {
			if errors.Is(err, ErrDuplicateVote) {
				return ErrDoubleVote
			}
			return fmt.Errorf("insert vote: %w", err)
		}
		// 7. counter
		if err := txn.IncrementCandidateVotes(req.CandidateID); err != nil {
			return fmt.Errorf("increment vote count: %w", err)
		}
		return nil
	})
	l.finish(req, sealed.PayloadHash, vote, err)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		VoteID:           vote.ID,
		Timestamp:        vote.CreatedAt,
		ConfirmationCode: vote.ConfirmationCode,
	}, nil
}

// VerifyVote checks the stored signature and that the sealed payload opens.
func (l *Ledger) VerifyVote(v *Vote) ([]byte, error) {
	if err := l.codec.Verify(v.Signature, v.signedParts()...); err != nil {
		return nil, err
	}
	return l.codec.Decrypt(&codec.Sealed{
		Ciphertext:  v.Ciphertext,
		IV:          v.IV,
		PayloadHash: v.PayloadHash,
		KeyID:       v.KeyID,
	})
}

// finish records metrics and the audit event for a completed cast. Only
// successes and reasoned rejections are audited.
func (l *Ledger) finish(req CastRequest, payloadHash string, vote *Vote, err error) {
	l.tokens.metrics.observeCast(err)
	reason := ReasonOf(err)
	if err != nil && reason == "" {
		l.logger.Error(
			"vote cast failed",
			"election_id", req.ElectionID,
			"error", err,
		)
		return
	}
	evt := event.VoteAuditEvent{
		PayloadHash: payloadHash,
		Reason:      "OK",
		ElectionID:  req.ElectionID,
		Source:      req.Source,
		Timestamp:   l.now(),
	}
	if err != nil {
		evt.Reason = string(reason)
	} else {
		evt.VoteID = vote.ID
	}
	if evt.PayloadHash == "" {
		evt.PayloadHash = l.payloadDigest(req)
	}
	if l.eventBus != nil {
		l.eventBus.Publish(
			event.VoteAuditEventType,
			event.NewEvent(event.VoteAuditEventType, evt),
		)
	}
}

// payloadDigest is the audit digest of a request that never reached sealing
func (l *Ledger) payloadDigest(req CastRequest) string {
	payload, err := req.payload()
	if err == nil {
		var digest string
		digest, err = l.codec.Digest(payload)
		if err == nil {
			return digest
		}
	}
	l.logger.Warn(
		"failed to digest rejected payload",
		"election_id", req.ElectionID,
		"error", err,
	)
	return ""
}

// payload returns the plaintext sealed for r
func (r *CastRequest) payload() ([]byte, error) {
	if len(r.Payload) > 0 {
		return r.Payload, nil
	}
	return EncodePayload(VotePayload{
		ElectionID:  r.ElectionID,
		CandidateID: r.CandidateID,
		VoterID:     r.VoterID,
	})
}

func (r *CastRequest) validate() error {
	switch {
	case r.ElectionID == "":
		return Validationf("electionId is required")
	case r.CandidateID == "":
		return Validationf("candidateId is required")
	case r.VoterID == "":
		return Validationf("voter is required")
	case r.Token == "":
		return ErrInvalidToken
	}
	return nil
}

func (v *Vote) signedParts() [][]byte {
	return [][]byte{
		[]byte(v.ID),
		[]byte(v.ElectionID),
		[]byte(v.CandidateID),
		[]byte(v.VoterID),
		[]byte(v.TokenID),
		[]byte(v.KeyID),
		[]byte(v.PayloadHash),
		v.IV,
		v.Ciphertext,
	}
}

var confirmationEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newConfirmationCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirmation code: %w", err)
	}
	return confirmationEncoding.EncodeToString(buf), nil
}

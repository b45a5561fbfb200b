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

package models

import (
	"time"

	"github.com/univote/ballotd/ballot"
)

type BallotToken struct {
	ID         string `gorm:"primaryKey;size:36"`
	Value      string `gorm:"uniqueIndex;size:64;not null"`
	ElectionID string `gorm:"index:idx_ballot_token_pair;size:64;not null"`
	VoterID    string `gorm:"index:idx_ballot_token_pair;size:64;not null"`
	IssuedAt   time.Time
	ExpiresAt  time.Time `gorm:"index"`
	Used       bool      `gorm:"not null;default:false"`
	UsedAt     *time.Time
}

func (BallotToken) TableName() string {
	return "ballot_token"
}

func (t *BallotToken) ToBallot() *ballot.BallotToken {
	return &ballot.BallotToken{
		ID:         t.ID,
		Value:      t.Value,
		ElectionID: t.ElectionID,
		VoterID:    t.VoterID,
		IssuedAt:   t.IssuedAt,
		ExpiresAt:  t.ExpiresAt,
		Used:       t.Used,
		UsedAt:     t.UsedAt,
	}
}

func BallotTokenFromBallot(t *ballot.BallotToken) *BallotToken {
	return &BallotToken{
		ID:         t.ID,
		Value:      t.Value,
		ElectionID: t.ElectionID,
		VoterID:    t.VoterID,
		IssuedAt:   t.IssuedAt.UTC(),
		ExpiresAt:  t.ExpiresAt.UTC(),
		Used:       t.Used,
		UsedAt:     t.UsedAt,
	}
}

// Vote rows are insert-only. The (voter, election) unique index is what
// rejects a second vote.
type Vote struct {
	ID               string `gorm:"primaryKey;size:36"`
	ElectionID       string `gorm:"uniqueIndex:idx_vote_voter_election;size:64;not null"`
	VoterID          string `gorm:"uniqueIndex:idx_vote_voter_election;size:64;not null"`
	CandidateID      string `gorm:"index;size:64;not null"`
	Ciphertext       []byte `gorm:"not null"`
	IV               []byte `gorm:"size:24;not null"`
	KeyID            string `gorm:"size:64;not null"`
	PayloadHash      string `gorm:"index;size:64;not null"`
	Signature        []byte `gorm:"size:32;not null"`
	TokenID          string `gorm:"uniqueIndex;size:36;not null"`
	ConfirmationCode string `gorm:"size:16;not null"`
	CreatedAt        time.Time
}

func (Vote) TableName() string {
	return "vote"
}

func VoteFromBallot(v *ballot.Vote) *Vote {
	return &Vote{
		ID:               v.ID,
		ElectionID:       v.ElectionID,
		VoterID:          v.VoterID,
		CandidateID:      v.CandidateID,
		Ciphertext:       v.Ciphertext,
		IV:               v.IV,
		KeyID:            v.KeyID,
		PayloadHash:      v.PayloadHash,
		Signature:        v.Signature,
		TokenID:          v.TokenID,
		ConfirmationCode: v.ConfirmationCode,
		CreatedAt:        v.CreatedAt.UTC(),
	}
}

func (v *Vote) ToBallot() *ballot.Vote {
	return &ballot.Vote{
		ID:               v.ID,
		ElectionID:       v.ElectionID,
		CandidateID:      v.CandidateID,
		VoterID:          v.VoterID,
		Ciphertext:       v.Ciphertext,
		IV:               v.IV,
		KeyID:            v.KeyID,
		PayloadHash:      v.PayloadHash,
		Signature:        v.Signature,
		TokenID:          v.TokenID,
		ConfirmationCode: v.ConfirmationCode,
		CreatedAt:        v.CreatedAt,
	}
}

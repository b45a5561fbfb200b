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
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by StoreTxn lookups for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVote is returned by InsertVote when the voter already has
	// a vote in the election.
	ErrDuplicateVote = errors.New("duplicate vote")
)

// Store is the persistence port for the ledger. Update runs fn in a single
// serializable transaction; any error returned by fn rolls it back.
type Store interface {
	View(ctx context.Context, fn func(StoreTxn) error) error
	Update(ctx context.Context, fn func(StoreTxn) error) error
}

// StoreTxn is the set of operations available inside a transaction.
type StoreTxn interface {
	Election(id string) (*Election, error)
	Candidate(id string) (*Candidate, error)
	Voter(id string) (*Voter, error)
	HasVoted(voterID, electionID string) (bool, error)
	// ActiveToken returns the unused, unexpired token for the pair.
	ActiveToken(voterID, electionID string, now time.Time) (*BallotToken, error)
	TokenByValue(value string) (*BallotToken, error)
	InsertToken(tok *BallotToken) error
	// MarkTokenUsed flips used from false to true. It returns false when
	// the token was already used.
	MarkTokenUsed(tokenID string, now time.Time) (bool, error)
	InsertVote(v *Vote) error
	IncrementCandidateVotes(candidateID string) error
}

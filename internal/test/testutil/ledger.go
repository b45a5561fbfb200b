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

package testutil

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database"
	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/keystore"
)

// Fixture ids seeded by NewLedgerEnv
const (
	ElectionID         = "election-1"
	EndedElectionID    = "election-ended"
	CandidateID        = "candidate-1"
	PendingCandidateID = "candidate-pending"
	OtherCandidateID   = "candidate-other-election"
	VoterID            = "voter-1"
	OtherVoterID       = "voter-2"
	IneligibleVoterID  = "voter-ineligible"
)

// NewKeyStore returns a key store with one random encryption key "k1" and a
// random MAC key.
func NewKeyStore(t *testing.T) *keystore.KeyStore {
	t.Helper()
	ks := keystore.New(keystore.Config{})
	require.NoError(t, ks.AddEncryptionKey("k1", RandomKey(t)))
	require.NoError(t, ks.SetMACKey(RandomKey(t)))
	return ks
}

func RandomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, codec.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// LedgerEnv is a ledger wired to an in-memory sqlite database
type LedgerEnv struct {
	Clock  *Clock
	DB     *database.Database
	Keys   *keystore.KeyStore
	Codec  *codec.Codec
	Bus    *event.EventBus
	Tokens *ballot.TokenAuthority
	Ledger *ballot.Ledger
}

// NewLedgerEnv seeds one open election (faculty "science", years 1-4) with
// an approved and an unapproved candidate, and an election that ended.
func NewLedgerEnv(t *testing.T, start time.Time) *LedgerEnv {
	t.Helper()
	env := &LedgerEnv{Clock: NewClock(start)}
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	env.DB = db
	env.Keys = NewKeyStore(t)
	env.Codec = codec.New(env.Keys)
	env.Bus = event.NewEventBus(nil, nil)
	t.Cleanup(env.Bus.Stop)
	env.Tokens = ballot.NewTokenAuthority(ballot.TokenAuthorityConfig{
		Store: db,
		Now:   env.Clock.Now,
	})
	env.Ledger = ballot.NewLedger(ballot.LedgerConfig{
		Store:    db,
		Tokens:   env.Tokens,
		Codec:    env.Codec,
		EventBus: env.Bus,
	})
	require.NoError(t, db.Seed(context.Background(), database.Fixtures{
		Elections: []ballot.Election{
			{
				ID:                ElectionID,
				Title:             "Student council",
				StartsAt:          start.Add(-time.Hour),
				EndsAt:            start.Add(24 * time.Hour),
				Active:            true,
				EligibleFaculties: []string{"science"},
				EligibleYears:     []int{1, 2, 3, 4},
			},
			{
				ID:       EndedElectionID,
				Title:    "Last term",
				StartsAt: start.Add(-48 * time.Hour),
				EndsAt:   start.Add(-24 * time.Hour),
				Active:   true,
			},
		},
		Candidates: []ballot.Candidate{
			{ID: CandidateID, ElectionID: ElectionID, Name: "Ada", Approved: true},
			{ID: PendingCandidateID, ElectionID: ElectionID, Name: "Bob"},
			{ID: OtherCandidateID, ElectionID: EndedElectionID, Name: "Cy", Approved: true},
		},
		Voters: []ballot.Voter{
			{ID: VoterID, Faculty: "science", Department: "physics", YearOfStudy: 2},
			{ID: OtherVoterID, Faculty: "science", Department: "maths", YearOfStudy: 1},
			{ID: IneligibleVoterID, Faculty: "arts", YearOfStudy: 2},
		},
	}))
	return env
}

// IssueToken issues a ballot token for voterID in the open election
func (e *LedgerEnv) IssueToken(t *testing.T, voterID string) *ballot.BallotToken {
	t.Helper()
	tok, err := e.Tokens.Issue(context.Background(), voterID, ElectionID)
	require.NoError(t, err)
	return tok
}

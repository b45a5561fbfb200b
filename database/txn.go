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

package database

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/database/models"
)

// storeTxn implements ballot.StoreTxn on a gorm handle, which is either a
// transaction or the plain pool for reads.
type storeTxn struct {
	db *gorm.DB
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ballot.ErrNotFound
	}
	return err
}

func (t *storeTxn) Election(id string) (*ballot.Election, error) {
	var m models.Election
	if err := t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return m.ToBallot(), nil
}

func (t *storeTxn) Candidate(id string) (*ballot.Candidate, error) {
	var m models.Candidate
	if err := t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return m.ToBallot(), nil
}

func (t *storeTxn) Voter(id string) (*ballot.Voter, error) {
	var m models.Voter
	if err := t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return m.ToBallot(), nil
}

func (t *storeTxn) HasVoted(voterID, electionID string) (bool, error) {
	var count int64
	err := t.db.Model(&models.Vote{}).
		Where("voter_id = ? AND election_id = ?", voterID, electionID).
		Count(&count).Error
	return count > 0, err
}

func (t *storeTxn) ActiveToken(
	voterID string,
	electionID string,
	now time.Time,
) (*ballot.BallotToken, error) {
	var m models.BallotToken
	err := t.db.
		Where(
			"voter_id = ? AND election_id = ? AND used = ? AND expires_at > ?",
			voterID, electionID, false, now.UTC(),
		).
		Order("issued_at DESC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return m.ToBallot(), nil
}

func (t *storeTxn) TokenByValue(value string) (*ballot.BallotToken, error) {
	var m models.BallotToken
	if err := t.db.First(&m, "value = ?", value).Error; err != nil {
		return nil, notFound(err)
	}
	return m.ToBallot(), nil
}

func (t *storeTxn) InsertToken(tok *ballot.BallotToken) error {
	return t.db.Create(models.BallotTokenFromBallot(tok)).Error
}

// MarkTokenUsed is a conditional update. Zero affected rows means another
// transaction consumed the token first.
func (t *storeTxn) MarkTokenUsed(tokenID string, now time.Time) (bool, error) {
	usedAt := now.UTC()
	result := t.db.Model(&models.BallotToken{}).
		Where("id = ? AND used = ?", tokenID, false).
		Updates(map[string]any{"used": true, "used_at": &usedAt})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (t *storeTxn) InsertVote(v *ballot.Vote) error {
	if err := t.db.Create(models.VoteFromBallot(v)).Error; err != nil {
		if isDuplicateKey(err) {
			return ballot.ErrDuplicateVote
		}
		return err
	}
	return nil
}

func (t *storeTxn) IncrementCandidateVotes(candidateID string) error {
	result := t.db.Model(&models.Candidate{}).
		Where("id = ?", candidateID).
		UpdateColumn("vote_count", gorm.Expr("vote_count + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return ballot.ErrNotFound
	}
	return nil
}

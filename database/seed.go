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
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/database/models"
)

// Fixtures are reference records loaded by the seed command.
type Fixtures struct {
	Elections  []ballot.Election  `yaml:"elections"`
	Candidates []ballot.Candidate `yaml:"candidates"`
	Voters     []ballot.Voter     `yaml:"voters"`
}

// LoadFixtures reads fixtures from a YAML file.
func LoadFixtures(path string) (*Fixtures, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading fixtures: %w", err)
	}
	var ret Fixtures
	if err := yaml.Unmarshal(buf, &ret); err != nil {
		return nil, fmt.Errorf("error parsing fixtures: %w", err)
	}
	for _, e := range ret.Elections {
		if e.ID == "" || !e.StartsAt.Before(e.EndsAt) {
			return nil, fmt.Errorf("election %q needs an id and startsAt before endsAt", e.ID)
		}
	}
	return &ret, nil
}

// Seed upserts elections, candidates and voters. Vote counts of existing
// candidates are left untouched.
func (d *Database) Seed(ctx context.Context, f Fixtures) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range f.Elections {
			m := models.ElectionFromBallot(&f.Elections[i])
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error; err != nil {
				return fmt.Errorf("seed election %s: %w", m.ID, err)
			}
		}
		for _, c := range f.Candidates {
			m := &models.Candidate{
				ID:         c.ID,
				ElectionID: c.ElectionID,
				Name:       c.Name,
				Approved:   c.Approved,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"election_id", "name", "approved"}),
			}).Create(m).Error
			if err != nil {
				return fmt.Errorf("seed candidate %s: %w", m.ID, err)
			}
		}
		for _, v := range f.Voters {
			m := &models.Voter{
				ID:          v.ID,
				Faculty:     v.Faculty,
				Department:  v.Department,
				YearOfStudy: v.YearOfStudy,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error; err != nil {
				return fmt.Errorf("seed voter %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// Votes returns the stored votes of an election in creation order
func (d *Database) Votes(ctx context.Context, electionID string) ([]*ballot.Vote, error) {
	var rows []models.Vote
	err := d.db.WithContext(ctx).
		Where("election_id = ?", electionID).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ret := make([]*ballot.Vote, 0, len(rows))
	for i := range rows {
		ret = append(ret, rows[i].ToBallot())
	}
	return ret, nil
}

// Tally returns the vote counter of every candidate in an election
func (d *Database) Tally(ctx context.Context, electionID string) (map[string]int64, error) {
	var rows []models.Candidate
	err := d.db.WithContext(ctx).
		Where("election_id = ?", electionID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ret := make(map[string]int64, len(rows))
	for _, c := range rows {
		ret[c.ID] = c.VoteCount
	}
	return ret, nil
}

// InsertToken stores a token outside the issuance path. Used to restore
// tokens and in tests that need a token the authority would not issue.
func (d *Database) InsertToken(ctx context.Context, tok *ballot.BallotToken) error {
	return d.Update(ctx, func(txn ballot.StoreTxn) error {
		return txn.InsertToken(tok)
	})
}

// Token returns a stored token by its secret value
func (d *Database) Token(ctx context.Context, value string) (*ballot.BallotToken, error) {
	var ret *ballot.BallotToken
	err := d.View(ctx, func(txn ballot.StoreTxn) error {
		var err error
		ret, err = txn.TokenByValue(value)
		return err
	})
	return ret, err
}

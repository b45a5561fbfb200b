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

type Election struct {
	ID                  string    `gorm:"primaryKey;size:64"`
	Title               string    `gorm:"size:255"`
	StartsAt            time.Time `gorm:"index"`
	EndsAt              time.Time `gorm:"index"`
	Active              bool
	EligibleFaculties   []string `gorm:"serializer:json"`
	EligibleDepartments []string `gorm:"serializer:json"`
	EligibleYears       []int    `gorm:"serializer:json"`
}

func (Election) TableName() string {
	return "election"
}

func (e *Election) ToBallot() *ballot.Election {
	return &ballot.Election{
		ID:                  e.ID,
		Title:               e.Title,
		StartsAt:            e.StartsAt,
		EndsAt:              e.EndsAt,
		Active:              e.Active,
		EligibleFaculties:   e.EligibleFaculties,
		EligibleDepartments: e.EligibleDepartments,
		EligibleYears:       e.EligibleYears,
	}
}

func ElectionFromBallot(e *ballot.Election) *Election {
	return &Election{
		ID:                  e.ID,
		Title:               e.Title,
		StartsAt:            e.StartsAt.UTC(),
		EndsAt:              e.EndsAt.UTC(),
		Active:              e.Active,
		EligibleFaculties:   e.EligibleFaculties,
		EligibleDepartments: e.EligibleDepartments,
		EligibleYears:       e.EligibleYears,
	}
}

type Candidate struct {
	ID         string `gorm:"primaryKey;size:64"`
	ElectionID string `gorm:"index;size:64"`
	Name       string `gorm:"size:255"`
	Approved   bool
	VoteCount  int64 `gorm:"not null;default:0"`
}

func (Candidate) TableName() string {
	return "candidate"
}

func (c *Candidate) ToBallot() *ballot.Candidate {
	return &ballot.Candidate{
		ID:         c.ID,
		ElectionID: c.ElectionID,
		Name:       c.Name,
		Approved:   c.Approved,
		VoteCount:  c.VoteCount,
	}
}

type Voter struct {
	ID          string `gorm:"primaryKey;size:64"`
	Faculty     string `gorm:"size:128"`
	Department  string `gorm:"size:128"`
	YearOfStudy int
}

func (Voter) TableName() string {
	return "voter"
}

func (v *Voter) ToBallot() *ballot.Voter {
	return &ballot.Voter{
		ID:          v.ID,
		Faculty:     v.Faculty,
		Department:  v.Department,
		YearOfStudy: v.YearOfStudy,
	}
}

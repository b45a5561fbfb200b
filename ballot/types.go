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

// Package ballot holds the decision logic for ballot token issuance and
// vote casting. Persistence is reached through the Store port, implemented
// by the database package.
package ballot

import (
	"slices"
	"time"
)

type ElectionStatus string

const (
	ElectionStatusInactive   ElectionStatus = "INACTIVE"
	ElectionStatusNotStarted ElectionStatus = "NOT_STARTED"
	ElectionStatusOpen       ElectionStatus = "OPEN"
	ElectionStatusEnded      ElectionStatus = "ENDED"
)

// Election is a voting window with optional eligibility restrictions. An
// empty eligibility set places no restriction on that attribute.
type Election struct {
	ID                  string    `yaml:"id"`
	Title               string    `yaml:"title"`
	StartsAt            time.Time `yaml:"startsAt"`
	EndsAt              time.Time `yaml:"endsAt"`
	Active              bool      `yaml:"active"`
	EligibleFaculties   []string  `yaml:"eligibleFaculties"`
	EligibleDepartments []string  `yaml:"eligibleDepartments"`
	EligibleYears       []int     `yaml:"eligibleYears"`
}

// StatusAt returns the election status at now. The window is [start, end).
func (e *Election) StatusAt(now time.Time) ElectionStatus {
	switch {
	case !e.Active:
		return ElectionStatusInactive
	case now.Before(e.StartsAt):
		return ElectionStatusNotStarted
	case !now.Before(e.EndsAt):
		return ElectionStatusEnded
	default:
		return ElectionStatusOpen
	}
}

// Eligible reports whether the voter satisfies every non-empty eligibility
// set of the election.
func (e *Election) Eligible(v *Voter) bool {
	if v == nil {
		return false
	}
	if len(e.EligibleFaculties) > 0 &&
		!slices.Contains(e.EligibleFaculties, v.Faculty) {
		return false
	}
	if len(e.EligibleDepartments) > 0 &&
		!slices.Contains(e.EligibleDepartments, v.Department) {
		return false
	}
	if len(e.EligibleYears) > 0 &&
		!slices.Contains(e.EligibleYears, v.YearOfStudy) {
		return false
	}
	return true
}

// openError maps a non-open status to its rejection.
func openError(status ElectionStatus) error {
	switch status {
	case ElectionStatusInactive:
		return ErrElectionInactive
	case ElectionStatusNotStarted:
		return ErrElectionNotStarted
	case ElectionStatusEnded:
		return ErrElectionEnded
	}
	return nil
}

type Candidate struct {
	ID         string `yaml:"id"`
	ElectionID string `yaml:"electionId"`
	Name       string `yaml:"name"`
	Approved   bool   `yaml:"approved"`
	VoteCount  int64  `yaml:"-"`
}

type Voter struct {
	ID          string `yaml:"id"`
	Faculty     string `yaml:"faculty"`
	Department  string `yaml:"department"`
	YearOfStudy int    `yaml:"yearOfStudy"`
}

// BallotToken is a single-use credential scoped to one voter and election.
// ID is an internal handle stored with the vote; Value is the secret.
type BallotToken struct {
	ID         string
	Value      string
	ElectionID string
	VoterID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     *time.Time
}

// ExpiredAt reports whether the token is no longer valid at now.
func (t *BallotToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Vote is an immutable cast ballot. The candidate choice is only present in
// clear for the counter update; the stored payload is sealed.
type Vote struct {
	ID               string
	ElectionID       string
	CandidateID      string
	VoterID          string
	Ciphertext       []byte
	IV               []byte
	KeyID            string
	PayloadHash      string
	Signature        []byte
	TokenID          string
	ConfirmationCode string
	CreatedAt        time.Time
}

// Receipt is returned to the voter after a successful cast.
type Receipt struct {
	VoteID           string    `json:"voteId"`
	Timestamp        time.Time `json:"timestamp"`
	ConfirmationCode string    `json:"confirmationCode"`
}

// VoteStatus summarizes what a voter can do in an election.
type VoteStatus struct {
	HasVoted          bool           `json:"hasVoted"`
	IsEligible        bool           `json:"isEligible"`
	CanVote           bool           `json:"canVote"`
	ElectionStatus    ElectionStatus `json:"electionStatus"`
	HasBallotToken    bool           `json:"hasBallotToken"`
	BallotTokenExpiry *time.Time     `json:"ballotTokenExpiry,omitempty"`
}

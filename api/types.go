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

package api

import "time"

// CastVoteRequest is the body of POST /votes.
type CastVoteRequest struct {
	ElectionID  string `json:"electionId"`
	CandidateID string `json:"candidateId"`
	BallotToken string `json:"ballotToken"`
}

// BallotTokenRequest is the body of POST /votes/ballot-token.
type BallotTokenRequest struct {
	ElectionID string `json:"electionId"`
}

// BallotTokenResponse is returned by POST /votes/ballot-token.
type BallotTokenResponse struct {
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expiresAt"`
	TimeRemainingMs int64     `json:"timeRemainingMs"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	IsHealthy bool   `json:"isHealthy"`
	Version   string `json:"version,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

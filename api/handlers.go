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

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/univote/ballotd/ballot"
)

const reasonInternal = "INTERNAL_ERROR"

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string, message string) {
	writeJSON(w, status, ErrorResponse{Reason: reason, Message: message})
}

// statusFor maps a ballot rejection to its HTTP status.
func statusFor(reason ballot.Reason) int {
	switch reason {
	case "":
		return http.StatusInternalServerError
	case ballot.ReasonElectionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// writeBallotError writes err as {reason, message}. Errors without a reason
// are logged and reported as a bare 500.
func (s *Server) writeBallotError(w http.ResponseWriter, msg string, err error) {
	var berr *ballot.Error
	if !errors.As(err, &berr) {
		s.logger.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, reasonInternal, "internal error")
		return
	}
	writeError(w, statusFor(berr.Reason), string(berr.Reason), berr.Message)
}

// voter resolves the caller or writes a 401.
func (s *Server) voter(w http.ResponseWriter, r *http.Request) (string, bool) {
	voterID, err := s.config.Resolver.ResolveVoter(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return "", false
	}
	return voterID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			string(ballot.ReasonValidationError),
			"malformed request body",
		)
		return false
	}
	return true
}

// handleCastVote handles POST /votes.
func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	voterID, ok := s.voter(w, r)
	if !ok {
		return
	}
	var req CastVoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	receipt, err := s.ledger.CastVote(r.Context(), ballot.CastRequest{
		Token:       req.BallotToken,
		ElectionID:  req.ElectionID,
		CandidateID: req.CandidateID,
		VoterID:     voterID,
		Source:      "api",
	})
	if err != nil {
		s.writeBallotError(w, "failed to cast vote", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleIssueToken handles POST /votes/ballot-token.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	voterID, ok := s.voter(w, r)
	if !ok {
		return
	}
	var req BallotTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tok, err := s.tokens.Issue(r.Context(), voterID, req.ElectionID)
	if err != nil {
		s.writeBallotError(w, "failed to issue ballot token", err)
		return
	}
	remaining := max(tok.ExpiresAt.Sub(s.config.Now()).Milliseconds(), 0)
	writeJSON(w, http.StatusOK, BallotTokenResponse{
		Token:           tok.Value,
		ExpiresAt:       tok.ExpiresAt,
		TimeRemainingMs: remaining,
	})
}

// handleVoteStatus handles GET /votes/status?electionId=.
func (s *Server) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	voterID, ok := s.voter(w, r)
	if !ok {
		return
	}
	electionID := r.URL.Query().Get("electionId")
	if electionID == "" {
		writeError(
			w,
			http.StatusBadRequest,
			string(ballot.ReasonValidationError),
			"electionId is required",
		)
		return
	}
	status, err := s.tokens.Status(r.Context(), voterID, electionID)
	if err != nil {
		s.writeBallotError(w, "failed to get vote status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.config.Health != nil {
		if err := s.config.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				IsHealthy: false,
				Version:   s.config.Version,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		IsHealthy: true,
		Version:   s.config.Version,
	})
}

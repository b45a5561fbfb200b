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
	"errors"
	"fmt"
)

// Reason is the machine-readable rejection code returned to clients.
type Reason string

const (
	ReasonInvalidToken          Reason = "INVALID_TOKEN"
	ReasonTokenAlreadyUsed      Reason = "TOKEN_ALREADY_USED"
	ReasonTokenExpired          Reason = "TOKEN_EXPIRED"
	ReasonTokenElectionMismatch Reason = "TOKEN_ELECTION_MISMATCH"
	ReasonElectionNotFound      Reason = "ELECTION_NOT_FOUND"
	ReasonElectionInactive      Reason = "ELECTION_INACTIVE"
	ReasonElectionNotStarted    Reason = "ELECTION_NOT_STARTED"
	ReasonElectionEnded         Reason = "ELECTION_ENDED"
	ReasonCandidateNotFound     Reason = "CANDIDATE_NOT_FOUND"
	ReasonCandidateNotApproved  Reason = "CANDIDATE_NOT_APPROVED"
	ReasonUserIneligible        Reason = "USER_INELIGIBLE"
	ReasonDoubleVote            Reason = "DOUBLE_VOTE"
	ReasonValidationError       Reason = "VALIDATION_ERROR"
)

// Class groups reasons by how a caller should react.
type Class int

const (
	ClassValidation Class = iota + 1
	ClassEligibility
	ClassTransient
	ClassIntegrity
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassEligibility:
		return "eligibility"
	case ClassTransient:
		return "transient"
	case ClassIntegrity:
		return "integrity"
	}
	return "unknown"
}

// Error is a rejection with a single reason code.
type Error struct {
	Reason  Reason
	Class   Class
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Is matches any *Error carrying the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

func newError(reason Reason, class Class, msg string) *Error {
	return &Error{Reason: reason, Class: class, Message: msg}
}

var (
	ErrInvalidToken = newError(
		ReasonInvalidToken, ClassValidation, "ballot token is not valid",
	)
	ErrTokenAlreadyUsed = newError(
		ReasonTokenAlreadyUsed, ClassEligibility, "ballot token was already used",
	)
	ErrTokenExpired = newError(
		ReasonTokenExpired, ClassEligibility, "ballot token has expired",
	)
	ErrTokenElectionMismatch = newError(
		ReasonTokenElectionMismatch, ClassValidation, "ballot token belongs to another election",
	)
	ErrElectionNotFound = newError(
		ReasonElectionNotFound, ClassValidation, "election not found",
	)
	ErrElectionInactive = newError(
		ReasonElectionInactive, ClassEligibility, "election is not active",
	)
	ErrElectionNotStarted = newError(
		ReasonElectionNotStarted, ClassEligibility, "election has not started",
	)
	ErrElectionEnded = newError(
		ReasonElectionEnded, ClassEligibility, "election has ended",
	)
	ErrCandidateNotFound = newError(
		ReasonCandidateNotFound, ClassValidation, "candidate not found in election",
	)
	ErrCandidateNotApproved = newError(
		ReasonCandidateNotApproved, ClassEligibility, "candidate is not approved",
	)
	ErrUserIneligible = newError(
		ReasonUserIneligible, ClassEligibility, "voter is not eligible for this election",
	)
	ErrDoubleVote = newError(
		ReasonDoubleVote, ClassEligibility, "voter has already voted in this election",
	)
	ErrValidation = newError(
		ReasonValidationError, ClassValidation, "invalid request",
	)
)

// Validationf returns a VALIDATION_ERROR with a specific message.
func Validationf(format string, args ...any) error {
	return newError(ReasonValidationError, ClassValidation, fmt.Sprintf(format, args...))
}

// ReasonOf extracts the reason code from err, or "" if err carries none.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// ClassOf returns the class of a known reason.
func ClassOf(reason Reason) Class {
	for _, e := range []*Error{
		ErrInvalidToken, ErrTokenAlreadyUsed, ErrTokenExpired,
		ErrTokenElectionMismatch, ErrElectionNotFound, ErrElectionInactive,
		ErrElectionNotStarted, ErrElectionEnded, ErrCandidateNotFound,
		ErrCandidateNotApproved, ErrUserIneligible, ErrDoubleVote, ErrValidation,
	} {
		if e.Reason == reason {
			return e.Class
		}
	}
	return ClassTransient
}

// ParseReason returns the known reason matching s.
func ParseReason(s string) (Reason, bool) {
	r := Reason(s)
	return r, ClassOf(r) != ClassTransient
}

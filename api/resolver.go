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
	"errors"
	"net/http"
	"strings"
)

// DefaultVoterHeader carries the voter id set by the authenticating gateway.
const DefaultVoterHeader = "X-Voter-Id"

// ErrNoVoter is returned when a request carries no voter identity.
var ErrNoVoter = errors.New("voter identity missing")

// VoterResolver maps an authenticated request to a voter id.
type VoterResolver interface {
	ResolveVoter(r *http.Request) (string, error)
}

// HeaderResolver reads the voter id from a request header.
type HeaderResolver struct {
	Header string
}

func (h HeaderResolver) ResolveVoter(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = DefaultVoterHeader
	}
	voterID := strings.TrimSpace(r.Header.Get(header))
	if voterID == "" {
		return "", ErrNoVoter
	}
	return voterID, nil
}

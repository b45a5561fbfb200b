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

package syncer

import (
	"errors"
	"fmt"

	"github.com/univote/ballotd/api"
	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/queue"
)

// Outcome is what a pass did with one item.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
	OutcomeReverted Outcome = "reverted"
	OutcomeSkipped  Outcome = "skipped"
)

// ItemResult reports the outcome for one queued item.
type ItemResult struct {
	ID              string
	OperationType   queue.OperationType
	RelatedEntityID string
	Outcome         Outcome
	// Reason is the server's rejection code, if any. DOUBLE_VOTE and
	// TOKEN_ALREADY_USED come with OutcomeSynced.
	Reason     ballot.Reason
	Class      string
	RetryCount int
	Err        error
}

// Report summarizes one sync pass.
type Report struct {
	Recovered int
	Promoted  int
	// Expired items were dropped unsynced and need the caller's attention.
	Expired []*queue.Item
	Results []ItemResult
}

func (r *Report) count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

func (r *Report) Synced() int   { return r.count(OutcomeSynced) }
func (r *Report) Retrying() int { return r.count(OutcomeRetrying) }

// Failures returns the items that failed terminally in this pass.
func (r *Report) Failures() []ItemResult {
	var ret []ItemResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			ret = append(ret, res)
		}
	}
	return ret
}

// verdict is how a submission error maps onto the queue.
type verdict struct {
	outcome Outcome
	reason  ballot.Reason
	class   string
}

// classify maps a submission error to a queue outcome. A vote the server
// already holds counts as synced.
func classify(err error) verdict {
	if err == nil {
		return verdict{outcome: OutcomeSynced}
	}
	if errors.Is(err, codec.ErrIntegrity) || errors.Is(err, ErrMalformedPayload) {
		return verdict{outcome: OutcomeFailed, class: ballot.ClassIntegrity.String()}
	}
	if reason := ballot.ReasonOf(err); reason != "" {
		switch reason {
		case ballot.ReasonDoubleVote, ballot.ReasonTokenAlreadyUsed:
			return verdict{outcome: OutcomeSynced, reason: reason, class: string(reason)}
		default:
			return verdict{outcome: OutcomeFailed, reason: reason, class: string(reason)}
		}
	}
	var serr *api.StatusError
	if errors.As(err, &serr) {
		class := fmt.Sprintf("http_%d", serr.StatusCode)
		if serr.Retryable() {
			return verdict{outcome: OutcomeRetrying, class: class}
		}
		return verdict{outcome: OutcomeFailed, class: class}
	}
	return verdict{outcome: OutcomeRetrying, class: "network"}
}

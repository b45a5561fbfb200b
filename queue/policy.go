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

package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OperationType identifies what a queued payload does when submitted.
type OperationType string

const (
	OpVoteCast      OperationType = "vote-cast"
	OpTokenRefresh  OperationType = "token-refresh"
	OpProfileUpdate OperationType = "profile-update"
	OpAck           OperationType = "ack"
)

// Policy holds the per-type defaults. MaxRetries of zero means unlimited;
// such items are bounded by their TTL only.
type Policy struct {
	TTL             time.Duration
	MaxRetries      int
	DefaultPriority uint8
}

var policies = map[OperationType]Policy{
	OpVoteCast:      {TTL: 7 * 24 * time.Hour, MaxRetries: 0, DefaultPriority: 200},
	OpTokenRefresh:  {TTL: time.Hour, MaxRetries: 5, DefaultPriority: 150},
	OpProfileUpdate: {TTL: 24 * time.Hour, MaxRetries: 10, DefaultPriority: 50},
	OpAck:           {TTL: 24 * time.Hour, MaxRetries: 10, DefaultPriority: 10},
}

// PolicyFor returns the policy for an operation type.
func PolicyFor(op OperationType) (Policy, bool) {
	p, ok := policies[op]
	return p, ok
}

const (
	RetryBaseDelay  = time.Second
	RetryMultiplier = 2
	RetryMaxDelay   = 30 * time.Minute
	RetryJitter     = 0.1
)

// RetryDelay is the wait before attempt retryCount+1. It doubles from one
// second up to thirty minutes with ten percent jitter, never exceeding the
// cap.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     RetryBaseDelay,
		RandomizationFactor: RetryJitter,
		Multiplier:          RetryMultiplier,
		MaxInterval:         RetryMaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	// Past this many steps the interval is pinned at the cap
	const maxSteps = 32
	var d time.Duration
	for range min(retryCount, maxSteps) {
		d = b.NextBackOff()
	}
	return min(d, RetryMaxDelay)
}

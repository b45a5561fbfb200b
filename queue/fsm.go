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
	"errors"
	"fmt"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

var allStatuses = []Status{
	StatusPending,
	StatusInFlight,
	StatusSynced,
	StatusFailed,
	StatusExpired,
}

// Event drives a status transition.
type Event string

const (
	EventDispatch      Event = "dispatch"
	EventSucceed       Event = "succeed"
	EventFailRetryable Event = "fail-retryable"
	EventFailTerminal  Event = "fail-terminal"
	EventRetry         Event = "retry"
	EventExpire        Event = "expire"
	EventRevert        Event = "revert"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type transitionKey struct {
	from  Status
	event Event
}

var transitions = map[transitionKey]Status{
	{StatusPending, EventDispatch}:       StatusInFlight,
	{StatusPending, EventExpire}:         StatusExpired,
	{StatusInFlight, EventSucceed}:       StatusSynced,
	{StatusInFlight, EventFailRetryable}: StatusFailed,
	{StatusInFlight, EventFailTerminal}:  StatusFailed,
	{StatusInFlight, EventRevert}:        StatusPending,
	{StatusInFlight, EventExpire}:        StatusExpired,
	{StatusFailed, EventRetry}:           StatusPending,
	{StatusFailed, EventExpire}:          StatusExpired,
}

// Transition returns the status reached from "from" on event ev. Synced and
// expired are final.
func Transition(from Status, ev Event) (Status, error) {
	to, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
	}
	return to, nil
}

// eventFor maps a requested target status to the event that reaches it.
func eventFor(from Status, to Status, terminal bool) (Event, error) {
	switch to {
	case StatusInFlight:
		return EventDispatch, nil
	case StatusSynced:
		return EventSucceed, nil
	case StatusFailed:
		if terminal {
			return EventFailTerminal, nil
		}
		return EventFailRetryable, nil
	case StatusExpired:
		return EventExpire, nil
	case StatusPending:
		if from == StatusInFlight {
			return EventRevert, nil
		}
		return EventRetry, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
}

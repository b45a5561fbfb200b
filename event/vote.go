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

package event

import "time"

// VoteAuditEventType is published for every accepted or rejected cast.
const VoteAuditEventType = EventType("vote.audit")

// VoteAuditEvent carries the payload hash and decision for a cast. It never
// holds the plaintext or ciphertext.
type VoteAuditEvent struct {
	PayloadHash string
	Reason      string
	ElectionID  string
	VoteID      string
	Source      string
	Timestamp   time.Time
}

const (
	QueueItemExpiredEventType = EventType("queue.item.expired")
	SyncItemSyncedEventType   = EventType("sync.item.synced")
	SyncItemFailedEventType   = EventType("sync.item.failed")
)

// QueueItemEvent describes a queue item leaving the queue or changing
// outcome. Reason is empty for plain successes.
type QueueItemEvent struct {
	ID              string
	OperationType   string
	RelatedEntityID string
	PayloadHash     string
	Status          string
	Reason          string
	Terminal        bool
	RetryCount      int
}

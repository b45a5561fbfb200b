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
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/univote/ballotd/database/blob"
	"github.com/univote/ballotd/event"
)

// BatchFilter narrows NextBatch. Zero values match everything.
type BatchFilter struct {
	OperationType OperationType
	// OperationTypes restricts the batch to any of the listed types
	OperationTypes []OperationType
	Priority       uint8
}

func (f BatchFilter) match(item *Item) bool {
	if f.OperationType != "" && item.OperationType != f.OperationType {
		return false
	}
	if len(f.OperationTypes) > 0 && !slices.Contains(f.OperationTypes, item.OperationType) {
		return false
	}
	if f.Priority != 0 && item.Priority != f.Priority {
		return false
	}
	return true
}

// NextBatch returns up to limit due pending items, highest priority first
// and in submission order within a priority.
func (q *Queue) NextBatch(ctx context.Context, limit int, filter BatchFilter) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	now := q.now()
	var ret []*Item
	err := q.store.View(func(txn *blob.Txn) error {
		prefix := statusPrefix(StatusPending)
		return txn.IterateKeys(prefix, func(key []byte) (bool, error) {
			item, err := getItem(txn, idFromIndexKey(key, len(prefix)))
			if err != nil {
				return false, err
			}
			if item.Due(now) && filter.match(item) {
				ret = append(ret, item)
			}
			return len(ret) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// StatusUpdate carries the outcome details for UpdateStatus.
type StatusUpdate struct {
	Err      error
	Terminal bool
	// Class labels the failure, for example a reason code or "network".
	Class string
}

// UpdateStatus moves an item to status. Synced items are deleted and nil is
// returned; otherwise the updated item is returned.
func (q *Queue) UpdateStatus(
	ctx context.Context,
	id string,
	status Status,
	upd StatusUpdate,
) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ret *Item
	var ev Event
	err := q.update(func(txn *blob.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		ret, ev, err = q.apply(txn, item, status, upd)
		return err
	})
	if err != nil {
		return nil, err
	}
	q.metrics.transition(ev)
	return ret, nil
}

// apply writes one transition inside txn and returns the event it applied.
// Metrics are left to the caller once txn commits, as txn may be retried.
func (q *Queue) apply(txn *blob.Txn, prev *Item, status Status, upd StatusUpdate) (*Item, Event, error) {
	ev, err := eventFor(prev.Status, status, upd.Terminal)
	if err != nil {
		return nil, "", err
	}
	if ev == EventRetry && prev.Terminal {
		return nil, "", fmt.Errorf("%w: item %s failed terminally", ErrInvalidTransition, prev.ID)
	}
	to, err := Transition(prev.Status, ev)
	if err != nil {
		return nil, "", err
	}
	now := q.now()
	item := *prev
	item.Status = to
	item.UpdatedAt = now
	switch ev {
	case EventSucceed:
		if err := deleteItem(txn, prev); err != nil {
			return nil, "", err
		}
		return nil, ev, nil
	case EventExpire:
		if err := deleteItem(txn, prev); err != nil {
			return nil, "", err
		}
		return &item, ev, nil
	case EventFailRetryable:
		item.RetryCount++
		item.NextRetryAt = now.Add(RetryDelay(item.RetryCount))
		policy, _ := PolicyFor(item.OperationType)
		if policy.MaxRetries > 0 && item.RetryCount >= policy.MaxRetries {
			item.Terminal = true
		}
	case EventFailTerminal:
		item.Terminal = true
	case EventRetry, EventRevert:
		item.LastError, item.ErrorClass = "", ""
	}
	if upd.Err != nil {
		item.LastError = upd.Err.Error()
	}
	if upd.Class != "" {
		item.ErrorClass = upd.Class
	}
	if err := putItem(txn, &item, prev); err != nil {
		return nil, "", err
	}
	return &item, ev, nil
}

// moveAll applies status to every item currently in from that passes keep.
func (q *Queue) moveAll(
	ctx context.Context,
	from Status,
	to Status,
	keep func(*Item) bool,
) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ret []*Item
	var events []Event
	err := q.update(func(txn *blob.Txn) error {
		ret, events = ret[:0], events[:0]
		items, err := listStatus(txn, from)
		if err != nil {
			return err
		}
		for _, item := range items {
			if !keep(item) {
				continue
			}
			updated, ev, err := q.apply(txn, item, to, StatusUpdate{})
			if err != nil {
				return err
			}
			ret = append(ret, updated)
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		q.metrics.transition(ev)
	}
	return ret, nil
}

// PromoteRetries returns failed items whose backoff elapsed to pending.
// Terminal failures stay put.
func (q *Queue) PromoteRetries(ctx context.Context) ([]*Item, error) {
	now := q.now()
	return q.moveAll(ctx, StatusFailed, StatusPending, func(item *Item) bool {
		return !item.Terminal && !item.NextRetryAt.After(now)
	})
}

// RecoverInFlight reverts items left in flight by an interrupted pass.
func (q *Queue) RecoverInFlight(ctx context.Context) ([]*Item, error) {
	return q.moveAll(ctx, StatusInFlight, StatusPending, func(*Item) bool {
		return true
	})
}

// CleanExpiredItems deletes every item past its expiry, whatever its
// status, and returns them marked expired. Each one is also published as a
// queue.item.expired event so the loss is never silent.
func (q *Queue) CleanExpiredItems(ctx context.Context) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := q.now()
	var ret []*Item
	err := q.update(func(txn *blob.Txn) error {
		ret = ret[:0]
		var ids []string
		err := txn.IterateKeys([]byte(expiryPrefix), func(key []byte) (bool, error) {
			expiresAt, id := expiryFromKey(key)
			if expiresAt.After(now) {
				return false, nil
			}
			ids = append(ids, id)
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			item, err := getItem(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if err := deleteItem(txn, item); err != nil {
				return err
			}
			item.Status = StatusExpired
			item.UpdatedAt = now
			ret = append(ret, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, item := range ret {
		q.metrics.transition(EventExpire)
		q.logger.Warn(
			"queued operation expired unsynced",
			"id", item.ID,
			"type", item.OperationType,
			"retries", item.RetryCount,
			"last_error", item.LastError,
		)
		if q.eventBus != nil {
			q.eventBus.Publish(
				event.QueueItemExpiredEventType,
				event.NewEvent(event.QueueItemExpiredEventType, ItemEvent(item, "")),
			)
		}
	}
	return ret, nil
}

// Failures returns items that failed terminally and await the caller.
func (q *Queue) Failures(ctx context.Context) ([]*Item, error) {
	items, err := q.List(ctx, StatusFailed)
	if err != nil {
		return nil, err
	}
	ret := items[:0]
	for _, item := range items {
		if item.Terminal {
			ret = append(ret, item)
		}
	}
	return ret, nil
}

// List returns the items in a status in dispatch order.
func (q *Queue) List(ctx context.Context, status Status) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ret []*Item
	err := q.store.View(func(txn *blob.Txn) error {
		var err error
		ret, err = listStatus(txn, status)
		return err
	})
	return ret, err
}

// Stats counts items by status and updates the depth gauges.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ret := make(map[Status]int, len(allStatuses))
	err := q.store.View(func(txn *blob.Txn) error {
		for _, status := range allStatuses {
			count := 0
			err := txn.IterateKeys(statusPrefix(status), func([]byte) (bool, error) {
				count++
				return true, nil
			})
			if err != nil {
				return err
			}
			ret[status] = count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.metrics.depth(ret)
	return ret, nil
}

func listStatus(txn *blob.Txn, status Status) ([]*Item, error) {
	var ret []*Item
	prefix := statusPrefix(status)
	err := txn.IterateKeys(prefix, func(key []byte) (bool, error) {
		item, err := getItem(txn, idFromIndexKey(key, len(prefix)))
		if err != nil {
			return false, err
		}
		ret = append(ret, item)
		return true, nil
	})
	return ret, err
}

// ItemEvent builds the bus payload describing item.
func ItemEvent(item *Item, reason string) event.QueueItemEvent {
	return event.QueueItemEvent{
		ID:              item.ID,
		OperationType:   string(item.OperationType),
		RelatedEntityID: item.RelatedEntityID,
		PayloadHash:     item.PayloadHash,
		Status:          string(item.Status),
		Reason:          reason,
		Terminal:        item.Terminal,
		RetryCount:      item.RetryCount,
	}
}

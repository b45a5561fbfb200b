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

// Package queue is the client-side durable operation queue. Payloads are
// sealed by the vote codec before they reach disk, and items move through a
// small state machine driven by the sync coordinator.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database/blob"
	"github.com/univote/ballotd/event"
)

var (
	ErrNotFound             = errors.New("queue item not found")
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrEmptyPayload         = errors.New("empty payload")
	ErrInFlight             = errors.New("queue item is in flight")
)

const conflictRetries = 5

type Config struct {
	Store        *blob.Store
	Codec        *codec.Codec
	EventBus     *event.EventBus
	Now          func() time.Time
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

type Queue struct {
	store    *blob.Store
	codec    *codec.Codec
	eventBus *event.EventBus
	now      func() time.Time
	logger   *slog.Logger
	seq      *badger.Sequence
	metrics  *queueMetrics
}

func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil || cfg.Codec == nil {
		return nil, errors.New("queue requires a store and a codec")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	seq, err := cfg.Store.Sequence([]byte(seqKey), 64)
	if err != nil {
		return nil, fmt.Errorf("queue sequence: %w", err)
	}
	q := &Queue{
		store:    cfg.Store,
		codec:    cfg.Codec,
		eventBus: cfg.EventBus,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "queue"),
		seq:      seq,
	}
	if cfg.PromRegistry != nil {
		q.metrics = newQueueMetrics(cfg.PromRegistry)
	}
	return q, nil
}

// Close releases the sequence lease. The store is owned by the caller.
func (q *Queue) Close() error {
	return q.seq.Release()
}

// EnqueueRequest describes a new operation. A zero Priority takes the
// operation type's default; zero ScheduledAt means now and zero ExpiresAt
// means now plus the type's TTL.
type EnqueueRequest struct {
	OperationType   OperationType
	Payload         []byte
	Priority        uint8
	RelatedEntityID string
	ScheduledAt     time.Time
	ExpiresAt       time.Time
}

// Enqueue seals the payload and stores a pending item, returning its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	policy, ok := PolicyFor(req.OperationType)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationType, req.OperationType)
	}
	if len(req.Payload) == 0 {
		return "", ErrEmptyPayload
	}
	sealed, err := q.codec.Encrypt(req.Payload)
	if err != nil {
		return "", fmt.Errorf("seal queue payload: %w", err)
	}
	seq, err := q.seq.Next()
	if err != nil {
		return "", fmt.Errorf("queue sequence: %w", err)
	}
	now := q.now()
	item := &Item{
		ID:              uuid.NewString(),
		OperationType:   req.OperationType,
		Priority:        req.Priority,
		Status:          StatusPending,
		Ciphertext:      sealed.Ciphertext,
		IV:              sealed.IV,
		KeyID:           sealed.KeyID,
		PayloadHash:     sealed.PayloadHash,
		RelatedEntityID: req.RelatedEntityID,
		Seq:             seq,
		ScheduledAt:     req.ScheduledAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       req.ExpiresAt,
	}
	if item.Priority == 0 {
		item.Priority = policy.DefaultPriority
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}
	if item.ExpiresAt.IsZero() {
		item.ExpiresAt = now.Add(policy.TTL)
	}
	if err := q.update(func(txn *blob.Txn) error {
		return putItem(txn, item, nil)
	}); err != nil {
		return "", err
	}
	q.metrics.enqueued(item.OperationType)
	q.logger.Debug(
		"operation queued",
		"id", item.ID,
		"type", item.OperationType,
		"priority", item.Priority,
		"payload_hash", item.PayloadHash,
	)
	return item.ID, nil
}

// Get returns an item by id.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ret *Item
	err := q.store.View(func(txn *blob.Txn) error {
		var err error
		ret, err = getItem(txn, id)
		return err
	})
	return ret, err
}

// Cancel removes an item that is not currently being submitted.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.update(func(txn *blob.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status == StatusInFlight {
			return ErrInFlight
		}
		return deleteItem(txn, item)
	})
}

// Open decrypts an item's payload. Any failure wraps codec.ErrIntegrity.
func (q *Queue) Open(item *Item) ([]byte, error) {
	return q.codec.Decrypt(&codec.Sealed{
		Ciphertext:  item.Ciphertext,
		IV:          item.IV,
		PayloadHash: item.PayloadHash,
		KeyID:       item.KeyID,
	})
}

// update runs fn in a read-write transaction, retrying badger conflicts.
func (q *Queue) update(fn func(*blob.Txn) error) error {
	var err error
	for range conflictRetries {
		err = q.store.Update(fn)
		if !errors.Is(err, blob.ErrConflict) {
			return err
		}
	}
	return err
}

func getItem(txn *blob.Txn, id string) (*Item, error) {
	data, err := txn.Get(itemKey(id))
	if err != nil {
		if errors.Is(err, blob.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return decodeItem(data)
}

// putItem writes item and its index entries, replacing those of prev.
func putItem(txn *blob.Txn, item *Item, prev *Item) error {
	if prev != nil {
		if err := txn.Delete(indexKey(prev)); err != nil {
			return err
		}
		if err := txn.Delete(expiryKey(prev)); err != nil {
			return err
		}
	}
	data, err := encodeItem(item)
	if err != nil {
		return err
	}
	if err := txn.Set(itemKey(item.ID), data); err != nil {
		return err
	}
	if err := txn.Set(indexKey(item), nil); err != nil {
		return err
	}
	return txn.Set(expiryKey(item), nil)
}

func deleteItem(txn *blob.Txn, item *Item) error {
	return errors.Join(
		txn.Delete(itemKey(item.ID)),
		txn.Delete(indexKey(item)),
		txn.Delete(expiryKey(item)),
	)
}

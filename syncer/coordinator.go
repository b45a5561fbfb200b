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
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/queue"
)

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 4
	DefaultInterval    = 30 * time.Second
)

type Config struct {
	Queue       *queue.Queue
	Submitters  map[queue.OperationType]Submitter
	BatchSize   int
	Concurrency int
	Interval    time.Duration
	EventBus    *event.EventBus
	Logger      *slog.Logger
	// PromRegistry enables sync metrics when set
	PromRegistry prometheus.Registerer
	// OnReport is called by Run after every completed pass
	OnReport func(*Report)
}

// Coordinator drains the operation queue into the server.
type Coordinator struct {
	config   Config
	logger   *slog.Logger
	metrics  *syncMetrics
	passMu   sync.Mutex
	mu       sync.Mutex
	inFlight map[string]struct{}
	trigger  chan struct{}
	// types with a submitter; only these are pulled from the queue
	opTypes []queue.OperationType
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, errors.New("sync coordinator requires a queue")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Coordinator{
		config:   cfg,
		logger:   cfg.Logger.With("component", "syncer"),
		inFlight: make(map[string]struct{}),
		trigger:  make(chan struct{}, 1),
		opTypes:  slices.Sorted(maps.Keys(cfg.Submitters)),
	}
	if cfg.PromRegistry != nil {
		c.metrics = newSyncMetrics(cfg.PromRegistry)
	}
	return c, nil
}

// Trigger asks a running Run loop to start a pass now, for example when
// connectivity returns.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run syncs every Interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		report, err := c.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("sync pass failed", "error", err)
		} else {
			if len(report.Results) > 0 || len(report.Expired) > 0 {
				c.logger.Info(
					"sync pass finished",
					"synced", report.Synced(),
					"retrying", report.Retrying(),
					"failed", len(report.Failures()),
					"expired", len(report.Expired),
				)
			}
			if c.config.OnReport != nil {
				c.config.OnReport(report)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.trigger:
		}
	}
}

// SyncOnce runs one pass over the queue. Passes never overlap.
func (c *Coordinator) SyncOnce(ctx context.Context) (*Report, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()
	start := time.Now()
	defer c.metrics.pass(start)

	q := c.config.Queue
	report := &Report{}
	recovered, err := q.RecoverInFlight(ctx)
	if err != nil {
		return nil, err
	}
	report.Recovered = len(recovered)
	promoted, err := q.PromoteRetries(ctx)
	if err != nil {
		return nil, err
	}
	report.Promoted = len(promoted)
	report.Expired, err = q.CleanExpiredItems(ctx)
	if err != nil {
		return nil, err
	}
	var batch []*queue.Item
	if len(c.opTypes) > 0 {
		batch, err = q.NextBatch(ctx, c.config.BatchSize, queue.BatchFilter{
			OperationTypes: c.opTypes,
		})
		if err != nil {
			return nil, err
		}
	}

	results := make([]ItemResult, len(batch))
	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for i, item := range batch {
		g.Go(func() error {
			results[i] = c.process(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	report.Results = results
	for _, res := range results {
		c.metrics.item(res.Outcome)
	}
	if _, err := q.Stats(context.WithoutCancel(ctx)); err != nil {
		c.logger.Debug("failed to refresh queue stats", "error", err)
	}
	return report, ctx.Err()
}

func (c *Coordinator) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

// process dispatches one item and records its outcome. Status updates after
// dispatch outlive ctx so an item is never left in flight.
func (c *Coordinator) process(ctx context.Context, item *queue.Item) ItemResult {
	res := ItemResult{
		ID:              item.ID,
		OperationType:   item.OperationType,
		RelatedEntityID: item.RelatedEntityID,
		RetryCount:      item.RetryCount,
		Outcome:         OutcomeSkipped,
	}
	sub, ok := c.config.Submitters[item.OperationType]
	if !ok || ctx.Err() != nil || !c.claim(item.ID) {
		return res
	}
	defer c.release(item.ID)

	q := c.config.Queue
	if _, err := q.UpdateStatus(ctx, item.ID, queue.StatusInFlight, queue.StatusUpdate{}); err != nil {
		res.Err = err
		return res
	}
	updCtx := context.WithoutCancel(ctx)

	payload, err := q.Open(item)
	if err == nil {
		err = sub.Submit(ctx, item, payload)
	}
	if err != nil && ctx.Err() != nil {
		res.Outcome = OutcomeReverted
		res.Err = err
		if _, uerr := q.UpdateStatus(updCtx, item.ID, queue.StatusPending, queue.StatusUpdate{}); uerr != nil {
			c.logger.Error("failed to revert cancelled item", "id", item.ID, "error", uerr)
		}
		return res
	}

	v := classify(err)
	res.Outcome, res.Reason, res.Class, res.Err = v.outcome, v.reason, v.class, err
	var updated *queue.Item
	switch v.outcome {
	case OutcomeSynced:
		_, err = q.UpdateStatus(updCtx, item.ID, queue.StatusSynced, queue.StatusUpdate{})
	case OutcomeRetrying:
		updated, err = q.UpdateStatus(updCtx, item.ID, queue.StatusFailed, queue.StatusUpdate{
			Err:   res.Err,
			Class: v.class,
		})
		if updated != nil {
			res.RetryCount = updated.RetryCount
			if updated.Terminal {
				res.Outcome = OutcomeFailed
			}
		}
	case OutcomeFailed:
		updated, err = q.UpdateStatus(updCtx, item.ID, queue.StatusFailed, queue.StatusUpdate{
			Err:      res.Err,
			Terminal: true,
			Class:    v.class,
		})
	}
	if err != nil {
		c.logger.Error("failed to record sync outcome", "id", item.ID, "error", err)
	}
	c.report(item, updated, res)
	return res
}

func (c *Coordinator) report(item *queue.Item, updated *queue.Item, res ItemResult) {
	if updated == nil {
		updated = item
	}
	evt := queue.ItemEvent(updated, string(res.Reason))
	evt.RetryCount = res.RetryCount
	attrs := []any{
		"id", item.ID,
		"type", item.OperationType,
		"payload_hash", item.PayloadHash,
	}
	switch res.Outcome {
	case OutcomeSynced:
		evt.Status = string(queue.StatusSynced)
		c.logger.Debug("queued operation synced", append(attrs, "reason", res.Reason)...)
		c.publish(event.SyncItemSyncedEventType, evt)
	case OutcomeRetrying:
		c.logger.Debug(
			"queued operation will be retried",
			append(attrs, "retries", res.RetryCount, "error", res.Err)...,
		)
	case OutcomeFailed:
		evt.Terminal = true
		evt.Status = string(queue.StatusFailed)
		if res.Class == "integrity" {
			c.logger.Error("queued operation failed integrity check", append(attrs, "error", res.Err)...)
		} else {
			c.logger.Warn(
				"queued operation rejected",
				append(attrs, "reason", res.Reason, "error", res.Err)...,
			)
		}
		c.publish(event.SyncItemFailedEventType, evt)
	}
}

func (c *Coordinator) publish(t event.EventType, data event.QueueItemEvent) {
	if c.config.EventBus == nil {
		return
	}
	c.config.EventBus.Publish(t, event.NewEvent(t, data))
}

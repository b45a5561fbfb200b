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

// Package audit turns vote audit and queue item events into structured log
// records.
package audit

import (
	"context"
	"io"
	"log/slog"

	"github.com/univote/ballotd/event"
)

var queueEventTypes = []event.EventType{
	event.QueueItemExpiredEventType,
	event.SyncItemSyncedEventType,
	event.SyncItemFailedEventType,
}

// Logger writes one record per vote.audit event and per queue item that
// synced, failed or expired.
type Logger struct {
	bus    *event.EventBus
	logger *slog.Logger
	subs   map[event.EventType]event.EventSubscriberId
}

// New subscribes to vote audit and queue item events on bus.
func New(bus *event.EventBus, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	a := &Logger{
		bus:    bus,
		logger: logger.With("component", "audit"),
		subs:   make(map[event.EventType]event.EventSubscriberId),
	}
	a.subs[event.VoteAuditEventType] = bus.SubscribeFunc(event.VoteAuditEventType, a.handle)
	for _, t := range queueEventTypes {
		a.subs[t] = bus.SubscribeFunc(t, a.handleQueueItem)
	}
	return a
}

func (a *Logger) handle(evt event.Event) {
	data, ok := evt.Data.(event.VoteAuditEvent)
	if !ok {
		return
	}
	level := slog.LevelInfo
	if data.Reason != "OK" {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("payload_hash", data.PayloadHash),
		slog.String("reason", data.Reason),
		slog.String("election_id", data.ElectionID),
		slog.String("source", data.Source),
		slog.Time("at", data.Timestamp),
	}
	if data.VoteID != "" {
		attrs = append(attrs, slog.String("vote_id", data.VoteID))
	}
	a.logger.LogAttrs(context.Background(), level, "vote audit", attrs...)
}

func (a *Logger) handleQueueItem(evt event.Event) {
	data, ok := evt.Data.(event.QueueItemEvent)
	if !ok {
		return
	}
	level := slog.LevelInfo
	msg := "queued operation synced"
	switch evt.Type {
	case event.QueueItemExpiredEventType:
		level = slog.LevelWarn
		msg = "queued operation expired"
	case event.SyncItemFailedEventType:
		level = slog.LevelWarn
		msg = "queued operation failed"
	}
	attrs := []slog.Attr{
		slog.String("id", data.ID),
		slog.String("type", data.OperationType),
		slog.String("payload_hash", data.PayloadHash),
		slog.String("status", data.Status),
		slog.Int("retries", data.RetryCount),
	}
	if data.RelatedEntityID != "" {
		attrs = append(attrs, slog.String("related_entity_id", data.RelatedEntityID))
	}
	if data.Reason != "" {
		attrs = append(attrs, slog.String("reason", data.Reason))
	}
	a.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Close stops receiving events.
func (a *Logger) Close() {
	for t, id := range a.subs {
		a.bus.Unsubscribe(t, id)
	}
}

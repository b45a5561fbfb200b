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

package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database/blob"
	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/queue"
)

// QueueEnv is an operation queue on an in-memory badger store
type QueueEnv struct {
	Clock *Clock
	Store *blob.Store
	Codec *codec.Codec
	Bus   *event.EventBus
	Queue *queue.Queue
}

// NewQueueEnv builds a queue sealing payloads with c. A nil codec gets a
// fresh random key store.
func NewQueueEnv(t *testing.T, clock *Clock, c *codec.Codec) *QueueEnv {
	t.Helper()
	if c == nil {
		c = codec.New(NewKeyStore(t))
	}
	store, err := blob.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bus := event.NewEventBus(nil, nil)
	t.Cleanup(bus.Stop)
	q, err := queue.New(queue.Config{
		Store:    store,
		Codec:    c,
		EventBus: bus,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return &QueueEnv{
		Clock: clock,
		Store: store,
		Codec: c,
		Bus:   bus,
		Queue: q,
	}
}

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

// Package agent is the voter-side runtime: an encrypted operation queue on
// local badger storage, drained against the ballot server by the sync
// coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/univote/ballotd/api"
	"github.com/univote/ballotd/audit"
	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database/blob"
	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/internal/config"
	"github.com/univote/ballotd/keystore"
	"github.com/univote/ballotd/queue"
	"github.com/univote/ballotd/syncer"
)

const tokenKeyPrefix = "agent/token/"

var ErrNoToken = errors.New("no cached ballot token")

// Agent owns the local queue and the coordinator that drains it.
type Agent struct {
	logger      *slog.Logger
	store       *blob.Store
	codec       *codec.Codec
	eventBus    *event.EventBus
	audit       *audit.Logger
	queue       *queue.Queue
	client      *api.Client
	coordinator *syncer.Coordinator
	now         func() time.Time
}

// Options override pieces of the runtime, mostly for tests.
type Options struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// Keys replaces the key files named in the config
	Keys codec.KeyProvider
	// HTTPClient replaces the default API transport
	HTTPClient *http.Client
	Now        func() time.Time
	// OnReport receives the report of every pass made by Run
	OnReport func(*syncer.Report)
}

// Open builds an agent from cfg. Close releases it.
func Open(cfg *config.Config, opts Options) (*Agent, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	keys := opts.Keys
	if keys == nil {
		ks := keystore.New(keystore.Config{
			EncryptionKeyPaths: cfg.EncryptionKeyFiles,
			ActiveKeyID:        cfg.ActiveKeyId,
			MACKeyPath:         cfg.MacKeyFile,
			Logger:             opts.Logger,
		})
		if err := ks.LoadFromFiles(); err != nil {
			return nil, fmt.Errorf("failed to load keys: %w", err)
		}
		keys = ks
	}
	if _, err := keys.MACKey(); err != nil {
		return nil, fmt.Errorf("queue payload digests require a MAC key: %w", err)
	}
	a := &Agent{
		logger: opts.Logger.With("component", "agent"),
		codec:  codec.New(keys),
		now:    opts.Now,
	}
	var err error
	a.store, err = blob.New(
		blob.WithDataDir(cfg.QueueDir),
		blob.WithLogger(opts.Logger),
		blob.WithPromRegistry(opts.PromRegistry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	a.eventBus = event.NewEventBus(opts.PromRegistry, opts.Logger)
	a.audit = audit.New(a.eventBus, opts.Logger)
	a.queue, err = queue.New(queue.Config{
		Store:        a.store,
		Codec:        a.codec,
		EventBus:     a.eventBus,
		Now:          opts.Now,
		Logger:       opts.Logger,
		PromRegistry: opts.PromRegistry,
	})
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.client, err = api.NewClient(api.ClientConfig{
		BaseURL:     cfg.ServerUrl,
		VoterHeader: cfg.VoterHeader,
		Timeout:     cfg.RequestTimeout,
		HTTPClient:  opts.HTTPClient,
	})
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.coordinator, err = syncer.New(syncer.Config{
		Queue: a.queue,
		Submitters: map[queue.OperationType]syncer.Submitter{
			queue.OpVoteCast: &syncer.VoteCastSubmitter{Client: a.client},
			queue.OpTokenRefresh: &syncer.TokenRefreshSubmitter{
				Client:  a.client,
				OnToken: a.storeToken,
			},
		},
		BatchSize:    cfg.SyncBatchSize,
		Concurrency:  cfg.SyncConcurrency,
		Interval:     cfg.SyncInterval,
		EventBus:     a.eventBus,
		Logger:       opts.Logger,
		PromRegistry: opts.PromRegistry,
		OnReport:     opts.OnReport,
	})
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *Agent) Queue() *queue.Queue {
	return a.queue
}

// EventBus carries queue.item.expired, sync.item.synced and
// sync.item.failed events for this agent.
func (a *Agent) EventBus() *event.EventBus {
	return a.eventBus
}

// EnqueueVote queues a vote for the next sync. An empty ballot token is
// filled from the token cache.
func (a *Agent) EnqueueVote(ctx context.Context, v syncer.VoteCast) (string, error) {
	if v.BallotToken == "" {
		tok, err := a.CachedToken(v.VoterID, v.ElectionID)
		if err != nil {
			return "", err
		}
		v.BallotToken = tok.Token
	}
	payload, err := syncer.EncodeVoteCast(v)
	if err != nil {
		return "", err
	}
	id, err := a.queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType:   queue.OpVoteCast,
		Payload:         payload,
		RelatedEntityID: v.ElectionID,
	})
	if err != nil {
		return "", err
	}
	a.coordinator.Trigger()
	return id, nil
}

// EnqueueTokenRefresh queues a ballot token request. The token lands in
// the cache once synced.
func (a *Agent) EnqueueTokenRefresh(ctx context.Context, voterID, electionID string) (string, error) {
	payload, err := syncer.EncodeTokenRefresh(syncer.TokenRefresh{
		VoterID:    voterID,
		ElectionID: electionID,
	})
	if err != nil {
		return "", err
	}
	id, err := a.queue.Enqueue(ctx, queue.EnqueueRequest{
		OperationType:   queue.OpTokenRefresh,
		Payload:         payload,
		RelatedEntityID: electionID,
	})
	if err != nil {
		return "", err
	}
	a.coordinator.Trigger()
	return id, nil
}

// SyncOnce runs a single sync pass.
func (a *Agent) SyncOnce(ctx context.Context) (*syncer.Report, error) {
	return a.coordinator.SyncOnce(ctx)
}

// Run syncs on the configured interval until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	return a.coordinator.Run(ctx)
}

// CachedToken is a ballot token fetched by a synced token refresh.
type CachedToken struct {
	_         struct{} `cbor:",toarray"`
	Token     string
	ExpiresAt time.Time
}

// CachedToken returns the unexpired cached token for a voter and election.
func (a *Agent) CachedToken(voterID, electionID string) (*CachedToken, error) {
	var sealed codec.Sealed
	err := a.store.View(func(txn *blob.Txn) error {
		data, err := txn.Get(tokenKey(voterID, electionID))
		if err != nil {
			return err
		}
		return cbor.Unmarshal(data, &sealed)
	})
	if err != nil {
		if errors.Is(err, blob.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: voter %s election %s", ErrNoToken, voterID, electionID)
		}
		return nil, err
	}
	plaintext, err := a.codec.Decrypt(&sealed)
	if err != nil {
		return nil, err
	}
	var ret CachedToken
	if err := cbor.Unmarshal(plaintext, &ret); err != nil {
		return nil, err
	}
	if !a.now().Before(ret.ExpiresAt) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrNoToken, ret.ExpiresAt)
	}
	return &ret, nil
}

func (a *Agent) storeToken(req syncer.TokenRefresh, tok *api.BallotTokenResponse) {
	err := func() error {
		plaintext, err := cbor.Marshal(CachedToken{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
		if err != nil {
			return err
		}
		sealed, err := a.codec.Encrypt(plaintext)
		if err != nil {
			return err
		}
		data, err := cbor.Marshal(sealed)
		if err != nil {
			return err
		}
		return a.store.Update(func(txn *blob.Txn) error {
			return txn.Set(tokenKey(req.VoterID, req.ElectionID), data)
		})
	}()
	if err != nil {
		a.logger.Error(
			"failed to cache ballot token",
			"voter", req.VoterID,
			"election", req.ElectionID,
			"error", err,
		)
	}
}

// Close stops the bus and closes the queue store.
func (a *Agent) Close() error {
	var err error
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	if a.queue != nil {
		err = errors.Join(err, a.queue.Close())
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.eventBus != nil {
		a.eventBus.Stop()
	}
	if a.store != nil {
		err = errors.Join(err, a.store.Close())
	}
	return err
}

func tokenKey(voterID, electionID string) []byte {
	return []byte(tokenKeyPrefix + electionID + "/" + voterID)
}

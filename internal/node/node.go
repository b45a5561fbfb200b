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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/univote/ballotd/api"
	"github.com/univote/ballotd/audit"
	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/database"
	"github.com/univote/ballotd/event"
	"github.com/univote/ballotd/internal/config"
	"github.com/univote/ballotd/internal/version"
	"github.com/univote/ballotd/keystore"
)

// Node is the ballot server: ledger database, keys, audit trail, vote API
// and metrics listener.
type Node struct {
	cfg            *config.Config
	logger         *slog.Logger
	promRegistry   *prometheus.Registry
	db             *database.Database
	eventBus       *event.EventBus
	auditLog       *audit.Logger
	api            *api.Server
	metricsServer  *http.Server
	tracerProvider *sdktrace.TracerProvider
	shutdownOnce   sync.Once
}

func New(cfg *config.Config, logger *slog.Logger) *Node {
	return &Node{
		cfg:          cfg,
		logger:       logger.With("component", "node"),
		promRegistry: prometheus.NewRegistry(),
	}
}

// OpenDatabase opens the ledger database described by cfg.
func OpenDatabase(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (*database.Database, error) {
	db, err := database.New(database.Config{
		Driver:       cfg.DatabaseDriver,
		DataDir:      cfg.DataDir,
		DSN:          cfg.DatabaseDsn,
		MaxRetries:   cfg.DatabaseRetries,
		Logger:       logger,
		PromRegistry: promRegistry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// LoadKeys loads the configured key files.
func LoadKeys(cfg *config.Config, logger *slog.Logger) (*keystore.KeyStore, error) {
	keys := keystore.New(keystore.Config{
		EncryptionKeyPaths: cfg.EncryptionKeyFiles,
		ActiveKeyID:        cfg.ActiveKeyId,
		MACKeyPath:         cfg.MacKeyFile,
		Logger:             logger,
	})
	if err := keys.LoadFromFiles(); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	return keys, nil
}

// Start opens storage and starts the listeners. ctx bounds the listeners'
// lifetime.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.Tracing {
		if err := n.setupTracing(ctx); err != nil {
			return err
		}
	}
	keys, err := LoadKeys(n.cfg, n.logger)
	if err != nil {
		return err
	}
	if _, err := keys.MACKey(); err != nil {
		return fmt.Errorf("vote signing requires a MAC key: %w", err)
	}
	n.db, err = OpenDatabase(n.cfg, n.logger, n.promRegistry)
	if err != nil {
		return err
	}
	n.eventBus = event.NewEventBus(n.promRegistry, n.logger)
	n.auditLog = audit.New(n.eventBus, n.logger)

	tokens := ballot.NewTokenAuthority(ballot.TokenAuthorityConfig{
		Store:        n.db,
		TTL:          n.cfg.TokenTTL,
		Logger:       n.logger,
		PromRegistry: n.promRegistry,
	})
	ledger := ballot.NewLedger(ballot.LedgerConfig{
		Store:    n.db,
		Tokens:   tokens,
		Codec:    codec.New(keys),
		EventBus: n.eventBus,
	})
	n.api = api.NewServer(api.Config{
		ListenAddress:    n.cfg.ApiListenAddress(),
		Resolver:         api.HeaderResolver{Header: n.cfg.VoterHeader},
		Health:           n.db.Ping,
		Version:          version.GetVersionString(),
		MaxRequestsPerIP: n.cfg.ApiMaxRequestsPerIp,
		Logger:           n.logger,
	}, ledger, tokens)
	if err := n.api.Start(ctx); err != nil {
		return err
	}
	return n.startMetrics()
}

func (n *Node) startMetrics() error {
	addr := n.cfg.MetricsListenAddress()
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{n.promRegistry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	))
	n.logger.Info("serving prometheus metrics on " + addr)
	n.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := n.metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			n.logger.Error(fmt.Sprintf("failed to start metrics listener: %s", err))
		}
	}()
	return nil
}

// APIAddr returns the API listener address once started.
func (n *Node) APIAddr() string {
	if n.api == nil || n.api.Addr() == nil {
		return ""
	}
	return n.api.Addr().String()
}

// Stop shuts everything down in reverse start order.
func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()
	var err error
	n.logger.Debug("shutdown phase 1: stopping listeners")
	if n.api != nil {
		if stopErr := n.api.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("api shutdown: %w", stopErr))
		}
	}
	if n.metricsServer != nil {
		if stopErr := n.metricsServer.Shutdown(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("metrics shutdown: %w", stopErr))
		}
	}
	n.logger.Debug("shutdown phase 2: flushing audit trail")
	if n.auditLog != nil {
		n.auditLog.Close()
	}
	if n.eventBus != nil {
		n.eventBus.Stop()
	}
	n.logger.Debug("shutdown phase 3: closing database")
	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}
	if n.tracerProvider != nil {
		if stopErr := n.tracerProvider.Shutdown(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("tracer shutdown: %w", stopErr))
		}
	}
	return err
}

// Run starts the node and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg.Redacted()), "component", "node")
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()
	n := New(cfg, logger)
	if err := n.Start(signalCtx); err != nil {
		return errors.Join(err, n.Stop())
	}
	<-signalCtx.Done()
	logger.Info("signal received, initiating graceful shutdown", "component", "node")
	if err := n.Stop(); err != nil {
		logger.Error("shutdown errors occurred", "component", "node", "error", err)
		return err
	}
	logger.Info("shutdown complete", "component", "node")
	return nil
}

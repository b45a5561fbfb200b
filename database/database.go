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

// Package database implements the vote ledger storage on gorm, with sqlite
// for single-node deployments and tests and postgres for production.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/univote/ballotd/ballot"
	"github.com/univote/ballotd/database/models"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultMaxRetries = 3
)

var ErrUnknownDriver = errors.New("unknown database driver")

type Config struct {
	// Driver is "sqlite" (default) or "postgres"
	Driver string
	// DataDir holds the sqlite file. Empty gives a private in-memory database.
	DataDir string
	// DSN is the postgres connection string
	DSN string
	// MaxRetries bounds retries of serialization failures
	MaxRetries   int
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// Database is the ledger store. It implements ballot.Store.
type Database struct {
	db         *gorm.DB
	driver     string
	logger     *slog.Logger
	maxRetries int
	// sqlite allows a single writer; serializing here keeps the token
	// compare-and-set and the vote insert in one uncontended transaction.
	writeMu sync.Mutex
	retries prometheus.Counter
}

var _ ballot.Store = (*Database)(nil)

// New opens the configured database and applies migrations
func New(cfg Config) (*Database, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSqlite
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	gormConfig := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
	var gdb *gorm.DB
	var err error
	switch cfg.Driver {
	case DriverSqlite:
		gdb, err = openSqlite(cfg.DataDir, gormConfig)
	case DriverPostgres:
		gdb, err = openPostgres(cfg.DSN, gormConfig)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	d := &Database{
		db:         gdb,
		driver:     cfg.Driver,
		logger:     cfg.Logger.With("component", "database"),
		maxRetries: cfg.MaxRetries,
	}
	if cfg.PromRegistry != nil {
		d.retries = promauto.With(cfg.PromRegistry).NewCounter(
			prometheus.CounterOpts{
				Name: "ballotd_database_txn_retries_total",
				Help: "transactions retried after a serialization failure",
			},
		)
	}
	if err := d.init(); err != nil {
		return nil, errors.Join(err, d.Close())
	}
	return d, nil
}

func (d *Database) init() error {
	// Configure tracing for GORM
	if err := d.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return err
	}
	for _, model := range models.MigrateModels {
		d.logger.Debug(fmt.Sprintf("creating table: %T", model))
		if err := d.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return nil
}

// DB returns the underlying gorm handle
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Driver returns the configured driver name
func (d *Database) Driver() string {
	return d.driver
}

// Close closes the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// View runs fn against a read snapshot of the ledger
func (d *Database) View(ctx context.Context, fn func(ballot.StoreTxn) error) error {
	return fn(&storeTxn{db: d.db.WithContext(ctx)})
}

// Update runs fn in a serializable transaction. On postgres, serialization
// failures are retried up to MaxRetries times.
func (d *Database) Update(ctx context.Context, fn func(ballot.StoreTxn) error) error {
	if d.driver == DriverSqlite {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&storeTxn{db: tx})
		})
	}
	txOpts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	attempt := 0
	op := func() error {
		attempt++
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&storeTxn{db: tx})
		}, txOpts)
		if err == nil || !isSerializationFailure(err) {
			return backoff.Permanent(err)
		}
		if d.retries != nil {
			d.retries.Inc()
		}
		d.logger.Debug("retrying serialization failure", "attempt", attempt)
		return err
	}
	err := backoff.Retry(
		op,
		backoff.WithContext(
			backoff.WithMaxRetries(bo, uint64(d.maxRetries)), //nolint:gosec // bounded by config
			ctx,
		),
	)
	return err
}

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

// Package blob is a small transactional key/value store on badger. It backs
// the client-side operation queue.
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrKeyNotFound = errors.New("blob: key not found")
	ErrClosed      = errors.New("blob: store closed")
	// ErrConflict is returned when a concurrent update touched the same keys.
	ErrConflict = badger.ErrConflict
)

type Store struct {
	promRegistry     prometheus.Registerer
	metrics          *blobMetrics
	db               *badger.DB
	logger           *slog.Logger
	gcTicker         *time.Ticker
	gcStopCh         chan struct{}
	gcWg             sync.WaitGroup
	dataDir          string
	blockCacheSize   int64
	indexCacheSize   int64
	valueLogFileSize int64
	memTableSize     int64
	gcInterval       time.Duration
	gcEnabled        bool
	closeOnce        sync.Once
}

// New opens the store. An empty data dir gives an in-memory store.
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{
		gcEnabled:        true,
		gcInterval:       DefaultGcInterval,
		blockCacheSize:   DefaultBlockCacheSize,
		indexCacheSize:   DefaultIndexCacheSize,
		valueLogFileSize: DefaultValueLogFileSize,
		memTableSize:     DefaultMemTableSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "blob")

	var badgerOpts badger.Options
	if s.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithInMemory(true)
		s.gcEnabled = false
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(s.dataDir).
			WithBlockCacheSize(s.blockCacheSize).
			WithIndexCacheSize(s.indexCacheSize).
			WithValueLogFileSize(s.valueLogFileSize).
			WithMemTableSize(s.memTableSize).
			WithCompression(options.Snappy)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(s.logger)).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s.db = db
	if s.promRegistry != nil {
		s.metrics = newBlobMetrics(s.promRegistry)
	}
	if s.gcEnabled {
		s.gcTicker = time.NewTicker(s.gcInterval)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.blobGc(s.gcTicker, s.gcStopCh)
	}
	return s, nil
}

func (s *Store) blobGc(t *time.Ticker, stop <-chan struct{}) {
	defer s.gcWg.Done()
	for {
		select {
		case <-t.C:
			// Keep collecting while badger finds files to rewrite
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("value log GC failed", "error", err)
				}
				break
			}
		case <-stop:
			return
		}
	}
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcTicker != nil {
			s.gcTicker.Stop()
			close(s.gcStopCh)
			s.gcWg.Wait()
		}
		err = s.db.Close()
	})
	return err
}

// DB returns the underlying badger handle.
func (s *Store) DB() *badger.DB {
	return s.db
}

// Sequence returns a persistent monotonic counter stored under key.
// Callers must Release it before closing the store.
func (s *Store) Sequence(key []byte, bandwidth uint64) (*badger.Sequence, error) {
	return s.db.GetSequence(key, bandwidth)
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Txn) error) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.View(func(tx *badger.Txn) error {
		return fn(&Txn{tx: tx, metrics: s.metrics})
	})
}

// Update runs fn in a read-write transaction and commits it if fn returns
// nil. Conflicts are reported as ErrConflict.
func (s *Store) Update(fn func(*Txn) error) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	err := s.db.Update(func(tx *badger.Txn) error {
		return fn(&Txn{tx: tx, metrics: s.metrics})
	})
	if s.metrics != nil {
		if errors.Is(err, badger.ErrConflict) {
			s.metrics.conflicts.Inc()
		}
		s.metrics.commits.Inc()
	}
	return err
}

// Txn is a badger transaction handle.
type Txn struct {
	tx      *badger.Txn
	metrics *blobMetrics
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	item, err := t.tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.reads.Inc()
	}
	return item.ValueCopy(nil)
}

func (t *Txn) Set(key, val []byte) error {
	if t.metrics != nil {
		t.metrics.writes.Inc()
		t.metrics.bytesWritten.Add(float64(len(val)))
	}
	return t.tx.Set(key, val)
}

func (t *Txn) Delete(key []byte) error {
	if t.metrics != nil {
		t.metrics.deletes.Inc()
	}
	return t.tx.Delete(key)
}

// IterateKeys calls fn with each key under prefix in order until fn returns
// false or an error. Keys passed to fn are copies.
func (t *Txn) IterateKeys(prefix []byte, fn func(key []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.tx.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

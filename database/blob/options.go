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

package blob

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultBlockCacheSize   int64 = 64 << 20
	DefaultIndexCacheSize   int64 = 16 << 20
	DefaultValueLogFileSize int64 = 64 << 20
	DefaultMemTableSize     int64 = 16 << 20
	DefaultGcInterval             = 5 * time.Minute
)

type StoreOptionFunc func(*Store)

func WithLogger(logger *slog.Logger) StoreOptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithPromRegistry(registry prometheus.Registerer) StoreOptionFunc {
	return func(s *Store) {
		s.promRegistry = registry
	}
}

// WithDataDir sets the directory holding badger files. Empty means in-memory.
func WithDataDir(dataDir string) StoreOptionFunc {
	return func(s *Store) {
		s.dataDir = dataDir
	}
}

func WithBlockCacheSize(size int64) StoreOptionFunc {
	return func(s *Store) {
		s.blockCacheSize = size
	}
}

func WithIndexCacheSize(size int64) StoreOptionFunc {
	return func(s *Store) {
		s.indexCacheSize = size
	}
}

func WithValueLogFileSize(size int64) StoreOptionFunc {
	return func(s *Store) {
		s.valueLogFileSize = size
	}
}

func WithMemTableSize(size int64) StoreOptionFunc {
	return func(s *Store) {
		s.memTableSize = size
	}
}

func WithGc(enabled bool, interval time.Duration) StoreOptionFunc {
	return func(s *Store) {
		s.gcEnabled = enabled
		if interval > 0 {
			s.gcInterval = interval
		}
	}
}

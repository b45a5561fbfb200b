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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "ballotd.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

const (
	DatabaseDriverSqlite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	envPrefix = "ballotd"
)

type Config struct {
	// Server
	DataDir         string        `yaml:"dataDir"         split_words:"true"`
	DatabaseDriver  string        `yaml:"databaseDriver"  split_words:"true"`
	DatabaseDsn     string        `yaml:"databaseDsn"     split_words:"true"`
	DatabaseRetries int           `yaml:"databaseRetries" split_words:"true"`
	BindAddr        string        `yaml:"bindAddr"        split_words:"true"`
	ApiPort         uint          `yaml:"apiPort"         split_words:"true"`
	MetricsPort     uint          `yaml:"metricsPort"     split_words:"true"`
	VoterHeader     string        `yaml:"voterHeader"     split_words:"true"`
	TokenTTL        time.Duration `yaml:"tokenTtl"        envconfig:"TOKEN_TTL"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
	Tracing         bool          `yaml:"tracing"`
	TracingStdout   bool          `yaml:"tracingStdout"   split_words:"true"`

	// Concurrent API requests allowed per client address, 0 for no limit
	ApiMaxRequestsPerIp int `yaml:"apiMaxRequestsPerIp" split_words:"true"`

	// Keys, shared by server and agent
	EncryptionKeyFiles []string `yaml:"encryptionKeyFiles" split_words:"true"`
	ActiveKeyId        string   `yaml:"activeKeyId"        split_words:"true"`
	MacKeyFile         string   `yaml:"macKeyFile"         split_words:"true"`

	// Agent
	ServerUrl       string        `yaml:"serverUrl"       split_words:"true"`
	QueueDir        string        `yaml:"queueDir"        split_words:"true"`
	SyncInterval    time.Duration `yaml:"syncInterval"    split_words:"true"`
	SyncBatchSize   int           `yaml:"syncBatchSize"   split_words:"true"`
	SyncConcurrency int           `yaml:"syncConcurrency" split_words:"true"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"  split_words:"true"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		DataDir:             ".ballotd",
		DatabaseDriver:      DatabaseDriverSqlite,
		DatabaseRetries:     3,
		BindAddr:            "0.0.0.0",
		ApiPort:             8080,
		MetricsPort:         12799,
		VoterHeader:         "X-Voter-Id",
		ApiMaxRequestsPerIp: 32,
		TokenTTL:            30 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
		ServerUrl:           "http://127.0.0.1:8080",
		QueueDir:            ".ballotd/queue",
		SyncInterval:        30 * time.Second,
		SyncBatchSize:       50,
		SyncConcurrency:     4,
		RequestTimeout:      15 * time.Second,
	}
}

// LoadConfig applies the YAML file (if any) and then BALLOTD_* environment
// variables over the defaults. With no file given, ~/.ballotd/ballotd.yaml
// and /etc/ballotd/ballotd.yaml are tried in turn.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".ballotd", "ballotd.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/ballotd/ballotd.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var err error
	switch c.DatabaseDriver {
	case DatabaseDriverSqlite:
	case DatabaseDriverPostgres:
		if c.DatabaseDsn == "" {
			err = errors.Join(err, errors.New("databaseDsn is required for postgres"))
		}
	default:
		err = errors.Join(err, fmt.Errorf(
			"invalid databaseDriver: %q (must be 'sqlite' or 'postgres')",
			c.DatabaseDriver,
		))
	}
	if c.ApiMaxRequestsPerIp < 0 {
		err = errors.Join(err, errors.New("apiMaxRequestsPerIp must not be negative"))
	}
	if c.TokenTTL <= 0 {
		err = errors.Join(err, errors.New("tokenTtl must be positive"))
	}
	if c.SyncInterval <= 0 {
		err = errors.Join(err, errors.New("syncInterval must be positive"))
	}
	if c.SyncBatchSize <= 0 || c.SyncConcurrency <= 0 {
		err = errors.Join(err, errors.New("syncBatchSize and syncConcurrency must be positive"))
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

const redacted = "[REDACTED]"

// Redacted returns a copy of c that is safe to log. The database DSN may
// carry credentials.
func (c *Config) Redacted() Config {
	ret := *c
	if ret.DatabaseDsn != "" {
		ret.DatabaseDsn = redacted
	}
	return ret
}

// ApiListenAddress is the API server's bind address.
func (c *Config) ApiListenAddress() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.ApiPort)
}

// MetricsListenAddress is the metrics server's bind address. Empty when
// metrics are disabled.
func (c *Config) MetricsListenAddress() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.BindAddr, c.MetricsPort)
}

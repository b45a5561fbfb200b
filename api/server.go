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

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/univote/ballotd/ballot"
)

const (
	DefaultListenAddress = ":8080"
	maxBodyBytes         = 64 * 1024
)

// Config configures the vote API server.
type Config struct {
	ListenAddress string
	// Resolver maps requests to voters. Defaults to HeaderResolver.
	Resolver VoterResolver
	// Health reports backing store health for GET /health.
	Health  func(context.Context) error
	Version string
	// MaxRequestsPerIP caps concurrent requests per client address. Zero
	// disables the limit.
	MaxRequestsPerIP int
	Now              func() time.Time
	Logger           *slog.Logger
}

// Server is the vote HTTP API.
type Server struct {
	config     Config
	logger     *slog.Logger
	ledger     *ballot.Ledger
	tokens     *ballot.TokenAuthority
	limiter    *ipLimiter
	httpServer *http.Server
	addr       net.Addr
	mu         sync.Mutex
}

func NewServer(
	cfg Config,
	ledger *ballot.Ledger,
	tokens *ballot.TokenAuthority,
) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.Resolver == nil {
		cfg.Resolver = HeaderResolver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "api"),
		ledger: ledger,
		tokens: tokens,
	}
	if cfg.MaxRequestsPerIP > 0 {
		s.limiter = newIPLimiter(cfg.MaxRequestsPerIP)
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /votes", s.handleCastVote)
	mux.HandleFunc("POST /votes/ballot-token", s.handleIssueToken)
	mux.HandleFunc("GET /votes/status", s.handleVoteStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.wrap(handler)
	}
	return otelhttp.NewHandler(handler, "ballotd-api")
}

// Start binds the listener and serves in the background until ctx is done
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	server := &http.Server{
		Addr: s.config.ListenAddress,
		// Serve HTTP/2 without TLS; TLS terminates at the gateway
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 60 * time.Second,
	}
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen for API server: %w", err)
	}
	s.httpServer = server
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	s.logger.Info("API listener started on " + ln.Addr().String())

	go func() {
		<-ctx.Done()
		//nolint:contextcheck
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			30*time.Second,
		)
		defer cancel()
		//nolint:contextcheck
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error(
				"failed to shutdown API server on context cancellation",
				"error", err,
			)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Debug("shutting down API server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	return nil
}

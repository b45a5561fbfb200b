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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/univote/ballotd/ballot"
)

const DefaultClientTimeout = 15 * time.Second

// StatusError is a non-2xx response that carries no ballot reason.
type StatusError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

type ClientConfig struct {
	BaseURL     string
	VoterHeader string
	Timeout     time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// Client calls the vote API on behalf of a voter.
type Client struct {
	baseURL     string
	voterHeader string
	httpClient  *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if cfg.VoterHeader == "" {
		cfg.VoterHeader = DefaultVoterHeader
	}
	if cfg.HTTPClient == nil {
		if cfg.Timeout == 0 {
			cfg.Timeout = DefaultClientTimeout
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		voterHeader: cfg.VoterHeader,
		httpClient:  cfg.HTTPClient,
	}, nil
}

// CastVote submits a vote for voterID.
func (c *Client) CastVote(
	ctx context.Context,
	voterID string,
	req CastVoteRequest,
) (*ballot.Receipt, error) {
	var ret ballot.Receipt
	if err := c.do(ctx, http.MethodPost, "/votes", voterID, req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// IssueToken requests a ballot token for voterID.
func (c *Client) IssueToken(
	ctx context.Context,
	voterID string,
	electionID string,
) (*BallotTokenResponse, error) {
	var ret BallotTokenResponse
	err := c.do(
		ctx,
		http.MethodPost,
		"/votes/ballot-token",
		voterID,
		BallotTokenRequest{ElectionID: electionID},
		&ret,
	)
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// VoteStatus fetches the voter's standing in an election.
func (c *Client) VoteStatus(
	ctx context.Context,
	voterID string,
	electionID string,
) (*ballot.VoteStatus, error) {
	var ret ballot.VoteStatus
	path := "/votes/status?electionId=" + url.QueryEscape(electionID)
	if err := c.do(ctx, http.MethodGet, path, voterID, nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var ret HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	voterID string,
	body any,
	out any,
) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if voterID != "" {
		req.Header.Set(c.voterHeader, voterID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return responseError(resp.StatusCode, data)
}

// responseError turns an error body into a *ballot.Error when it carries a
// known reason, otherwise a *StatusError.
func responseError(statusCode int, data []byte) error {
	var body ErrorResponse
	_ = json.Unmarshal(data, &body)
	if statusCode < 500 {
		if reason, ok := ballot.ParseReason(body.Reason); ok {
			return &ballot.Error{
				Reason:  reason,
				Class:   ballot.ClassOf(reason),
				Message: body.Message,
			}
		}
	}
	return &StatusError{
		StatusCode: statusCode,
		Reason:     body.Reason,
		Message:    body.Message,
	}
}

// IsRetryable reports whether err from a Client call is transient.
// Connection failures and timeouts are retryable. Ballot rejections and
// other 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var berr *ballot.Error
	if errors.As(err, &berr) {
		return false
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Retryable()
	}
	return true
}

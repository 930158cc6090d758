// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/drover"
)

// Client is a typed client for the control API, for scripts and operator
// tooling talking to a running master.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient creates a control API client. baseURL is the control server
// address, e.g. "http://127.0.0.1:9773".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Status fetches the pool snapshot.
func (c *Client) Status(ctx context.Context) (drover.PoolStatus, error) {
	var status drover.PoolStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &status)
	return status, err
}

// Reload asks the master to roll a new worker generation.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/reload", nil, nil)
}

// SetWorkerCount resizes the pool to n workers.
func (c *Client) SetWorkerCount(ctx context.Context, n int) error {
	return c.do(ctx, http.MethodPut, "/api/v1/workers/count", workerCountRequest{Count: n}, nil)
}

// Shutdown stops the master; graceful drains in-flight requests first.
func (c *Client) Shutdown(ctx context.Context, graceful bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/shutdown", shutdownRequest{Graceful: graceful}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var er errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&er); decodeErr == nil && er.Error.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, er.Error.Message, er.Error.Code)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

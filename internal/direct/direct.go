// Package direct implements the direct execution path: a persistent HTTP
// connection straight to the backend's invoke endpoint. Payloads pass
// through verbatim in both directions; the orchestrator knows nothing about
// the backend's query language.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kasane-ai/kasane/internal/exec"
	"github.com/kasane-ai/kasane/internal/pool"
)

// TokenSource mints a bearer token for an outbound call. Implemented by
// auth.Minter; nil disables the Authorization header.
type TokenSource interface {
	Mint(path, capability string) (string, error)
}

// Factory creates pooled direct connections.
type Factory struct {
	endpoint string
	tokens   TokenSource
	logger   *slog.Logger
}

// NewFactory creates a Factory for the given invoke endpoint.
func NewFactory(endpoint string, tokens TokenSource, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		endpoint: strings.TrimRight(endpoint, "/"),
		tokens:   tokens,
		logger:   logger.With("path", "direct"),
	}
}

// New creates a connection with its own keep-alive transport, so each pooled
// handle maps to one persistent TCP connection to the backend.
func (f *Factory) New(ctx context.Context) (pool.Conn, error) {
	transport := &http.Transport{
		MaxIdleConns:        1,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     5 * time.Minute,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Conn{
		endpoint: f.endpoint,
		tokens:   f.tokens,
		client:   &http.Client{Transport: transport},
		logger:   f.logger,
	}, nil
}

// Conn is one pooled HTTP connection to the direct backend. It implements
// exec.Backend.
type Conn struct {
	endpoint string
	tokens   TokenSource
	client   *http.Client
	logger   *slog.Logger
	broken   atomic.Bool
}

// Invoke posts the task payload to the invoke endpoint and returns the
// response body verbatim. Transport failures mark the connection broken.
func (c *Conn) Invoke(ctx context.Context, task exec.Task) (json.RawMessage, error) {
	body := task.Payload
	if body == nil {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("direct: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kasane-Capability", task.Capability)
	if c.tokens != nil {
		token, err := c.tokens.Mint("direct", task.Capability)
		if err != nil {
			return nil, fmt.Errorf("direct: mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.broken.Store(true)
		return nil, &exec.BrokenConnError{Err: fmt.Errorf("direct: invoke: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.broken.Store(true)
		return nil, &exec.BrokenConnError{Err: fmt.Errorf("direct: read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("direct: backend returned status %d", resp.StatusCode)
	}
	return out, nil
}

// Healthy reports whether the connection saw a transport failure.
func (c *Conn) Healthy() bool { return !c.broken.Load() }

// Close releases the underlying TCP connection.
func (c *Conn) Close(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

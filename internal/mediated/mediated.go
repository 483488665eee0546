// Package mediated implements the protocol-mediated execution path over MCP.
//
// Each pooled connection is an initialized MCP client session. The task
// capability maps to a tool name and the opaque payload travels as the tool
// argument; concatenated text content comes back as the result payload.
package mediated

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kasane-ai/kasane/internal/direct"
	"github.com/kasane-ai/kasane/internal/exec"
	"github.com/kasane-ai/kasane/internal/pool"
)

// Factory creates pooled MCP client sessions.
type Factory struct {
	endpoint   string
	tokens     direct.TokenSource
	clientName string
	version    string
	logger     *slog.Logger
}

// NewFactory creates a Factory for the given MCP endpoint.
func NewFactory(endpoint string, tokens direct.TokenSource, clientName, version string, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if clientName == "" {
		clientName = "kasane"
	}
	return &Factory{
		endpoint:   endpoint,
		tokens:     tokens,
		clientName: clientName,
		version:    version,
		logger:     logger.With("path", "mediated"),
	}
}

// New dials the MCP endpoint and runs the initialize handshake. The session
// is reused for every task routed to this connection.
func (f *Factory) New(ctx context.Context) (pool.Conn, error) {
	var opts []mcptransport.StreamableHTTPCOption
	if f.tokens != nil {
		token, err := f.tokens.Mint("mediated", "")
		if err != nil {
			return nil, fmt.Errorf("mediated: mint token: %w", err)
		}
		opts = append(opts, mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}))
	}

	c, err := mcpclient.NewStreamableHttpClient(f.endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("mediated: create client: %w", err)
	}
	if _, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: f.clientName, Version: f.version},
		},
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mediated: initialize session: %w", err)
	}
	return &Conn{client: c, logger: f.logger}, nil
}

// Conn is one pooled MCP session. It implements exec.Backend.
type Conn struct {
	client *mcpclient.Client
	logger *slog.Logger
	broken atomic.Bool
}

// Invoke calls the tool named after the task capability. The payload is
// decoded only far enough to become the tool's argument map; its contents
// stay opaque.
func (c *Conn) Invoke(ctx context.Context, task exec.Task) (json.RawMessage, error) {
	args := map[string]any{}
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &args); err != nil {
			// Non-object payloads travel under a single key.
			args = map[string]any{"payload": string(task.Payload)}
		}
	}

	result, err := c.client.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      task.Capability,
			Arguments: args,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.broken.Store(true)
		return nil, &exec.BrokenConnError{Err: fmt.Errorf("mediated: call tool %s: %w", task.Capability, err)}
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, fmt.Errorf("mediated: tool %s failed: %s", task.Capability, sb.String())
	}
	return json.RawMessage(sb.String()), nil
}

// Healthy reports whether the session saw a protocol failure.
func (c *Conn) Healthy() bool { return !c.broken.Load() }

// Validate pings the session with a tool listing; MCP has no dedicated
// health call on this transport.
func (c *Conn) Validate(ctx context.Context) error {
	if _, err := c.client.ListTools(ctx, mcplib.ListToolsRequest{}); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("mediated: validate session: %w", err)
	}
	return nil
}

// Close tears down the MCP session.
func (c *Conn) Close(ctx context.Context) error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("mediated: close session: %w", err)
	}
	return nil
}

package kasane

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port             int
	logger           *slog.Logger
	version          string
	topologyPath     string
	databaseURL      string
	directEndpoint   string
	mediatedEndpoint string
	embedder         Embedder
}

// WithPort overrides the TCP port from config (KASANE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTopologyPath overrides the provider/tier topology file (KASANE_TOPOLOGY env var).
func WithTopologyPath(path string) Option {
	return func(o *resolvedOptions) { o.topologyPath = path }
}

// WithDatabaseURL overrides the durable-tier Postgres URL (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithDirectEndpoint overrides the direct-path invoke endpoint
// (KASANE_DIRECT_ENDPOINT env var).
func WithDirectEndpoint(url string) Option {
	return func(o *resolvedOptions) { o.directEndpoint = url }
}

// WithMediatedEndpoint overrides the mediated-path MCP server URL
// (KASANE_MEDIATED_ENDPOINT env var).
func WithMediatedEndpoint(url string) Option {
	return func(o *resolvedOptions) { o.mediatedEndpoint = url }
}

// WithEmbedder replaces the default deterministic hash embedder.
// Set this to enable meaningful semantic search over stored memory.
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

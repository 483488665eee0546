package kasane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasane-ai/kasane/internal/tier"
)

// newTestApp builds an App backed entirely by local storage: an in-memory
// ephemeral tier over a durable sqlite file, no external services.
func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	dir := t.TempDir()

	topology := fmt.Sprintf(`
tiers:
  - kind: ephemeral
    backend: memory
  - kind: durable
    backend: sqlite
    path: %s
`, filepath.Join(dir, "durable.db"))
	topoPath := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(topoPath, []byte(topology), 0o600))

	app, err := New(append([]Option{WithTopologyPath(topoPath)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	})
	return app
}

func TestRememberRecallForget(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.Remember(ctx, "session:1", []byte("context window"), MemoryOptions{}))

	got, err := app.Recall(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("context window"), got)

	require.NoError(t, app.Forget(ctx, "session:1"))
	_, err = app.Recall(ctx, "session:1")
	assert.ErrorIs(t, err, tier.ErrMiss)
}

func TestRecallWithinBoundsTheWalk(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.Remember(ctx, "k", []byte("v"), MemoryOptions{}))

	// The durable write also lands in the ephemeral overlay, so a bounded
	// read finds it without touching the durable store.
	got, err := app.RecallWithin(ctx, "k", "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = app.RecallWithin(ctx, "missing", "ephemeral")
	assert.ErrorIs(t, err, tier.ErrMiss)

	_, err = app.RecallWithin(ctx, "k", "holographic")
	assert.Error(t, err)
}

func TestSearchWithoutIndex(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, tier.ErrNoIndex)
}

func TestExecuteRejectsUnconfiguredPaths(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	_, err := app.Execute(ctx, Task{Capability: "summarize"}, "direct")
	assert.ErrorContains(t, err, "direct path not configured")

	_, err = app.Execute(ctx, Task{Capability: "summarize"}, "mediated")
	assert.ErrorContains(t, err, "mediated path not configured")

	_, err = app.Execute(ctx, Task{Capability: "summarize"}, "auto")
	assert.ErrorContains(t, err, "no execution path configured")

	_, err = app.Execute(ctx, Task{Capability: "summarize"}, "teleport")
	assert.Error(t, err)
}

func TestNewRejectsDenylistedTopology(t *testing.T) {
	dir := t.TempDir()
	topoPath := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(topoPath, []byte(`
tiers:
  - kind: ephemeral
    backend: redis
  - kind: durable
    backend: sqlite
`), 0o600))

	_, err := New(WithTopologyPath(topoPath))
	require.Error(t, err)
	assert.ErrorContains(t, err, "denylisted")
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := newHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the same text")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.Len(t, a, 64)

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// Unit length.
	var sumSq float64
	for _, v := range a {
		sumSq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sumSq, 1e-3)
}

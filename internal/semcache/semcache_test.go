package semcache

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unitAt returns a 2D unit vector whose cosine similarity against [1, 0]
// is exactly cos.
func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

var base = []float32{1, 0}

func newCache(t *testing.T) *Cache {
	t.Helper()
	c := New(time.Minute, 0)
	t.Cleanup(c.Close)
	return c
}

func TestExactKeyWins(t *testing.T) {
	c := newCache(t)
	c.Set("query:a", []byte("a"), base, 0)
	c.Set("query:b", []byte("b"), unitAt(0.99), 0)

	// The exact key returns its own value even though query:b's embedding
	// is closer to the probe.
	got, ok := c.Get("query:a", unitAt(0.99), 0.9)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got)
}

func TestSimilarityThreshold(t *testing.T) {
	c := newCache(t)
	c.Set("query:stored", []byte("cached"), base, 0)

	got, ok := c.Get("query:other", unitAt(0.95), 0.9)
	require.True(t, ok, "0.95 similarity clears a 0.9 threshold")
	assert.Equal(t, []byte("cached"), got)

	_, ok = c.Get("query:other", unitAt(0.80), 0.9)
	assert.False(t, ok, "0.80 similarity misses a 0.9 threshold")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestMostSimilarEntryWins(t *testing.T) {
	c := newCache(t)
	c.Set("near", []byte("near"), unitAt(0.99), 0)
	c.Set("far", []byte("far"), unitAt(0.92), 0)

	got, ok := c.Get("probe", base, 0.9)
	require.True(t, ok)
	assert.Equal(t, []byte("near"), got)
}

func TestExpiredEntriesNeverMatch(t *testing.T) {
	c := newCache(t)
	c.Set("query:a", []byte("a"), base, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("query:a", base, 0.9)
	assert.False(t, ok, "expired exact key is a miss")
	_, ok = c.Get("query:other", base, 0.9)
	assert.False(t, ok, "expired entry is skipped in the similarity scan")
}

func TestInvalidateSimilar(t *testing.T) {
	c := newCache(t)
	c.Set("a", []byte("a"), unitAt(0.99), 0)
	c.Set("b", []byte("b"), unitAt(0.95), 0)
	c.Set("c", []byte("c"), unitAt(0.10), 0)

	removed := c.InvalidateSimilar(base, 0.9)
	assert.Equal(t, 2, removed)

	_, ok := c.Get("c", unitAt(0.10), 0.99)
	assert.True(t, ok, "dissimilar entry survives")
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestMaxEntriesEvictsClosestToExpiry(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Set("short", []byte("short"), base, 10*time.Second)
	c.Set("long", []byte("long"), unitAt(0.5), 10*time.Minute)
	c.Set("new", []byte("new"), unitAt(0.0), 0)

	assert.Equal(t, 2, c.Stats().Entries)
	_, ok := c.Get("short", base, 0.99)
	assert.False(t, ok, "entry closest to expiry is evicted")
	_, ok = c.Get("long", unitAt(0.5), 0.99)
	assert.True(t, ok)
}

func TestZeroEmbeddingNeverMatches(t *testing.T) {
	c := newCache(t)
	c.Set("a", []byte("a"), []float32{0, 0}, 0)

	_, ok := c.Get("probe", base, 0.0)
	assert.False(t, ok)
	_, ok = c.Get("probe", []float32{0, 0}, 0.0)
	assert.False(t, ok)
}

package tier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasane-ai/kasane/internal/semcache"
)

var errBackendDown = errors.New("backend down")

// fakeTier is an in-memory Tier that counts calls and can be told to fail.
type fakeTier struct {
	kind Kind
	name string

	mu      sync.Mutex
	data    map[string][]byte
	gets    int
	puts    int
	failGet error
	failPut error
}

func newFakeTier(kind Kind, name string) *fakeTier {
	return &fakeTier{kind: kind, name: name, data: make(map[string][]byte)}
}

func (f *fakeTier) Kind() Kind   { return f.kind }
func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGet != nil {
		return nil, f.failGet
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (f *fakeTier) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPut != nil {
		return f.failPut
	}
	f.data[key] = value
	return nil
}

func (f *fakeTier) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeTier) Healthy(ctx context.Context) error { return nil }
func (f *fakeTier) Close(ctx context.Context) error   { return nil }

func (f *fakeTier) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeTier) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeTier) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *fakeTier) set(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

// fakeIndex is a Searcher that returns canned matches.
type fakeIndex struct {
	mu       sync.Mutex
	upserts  map[string][]float32
	matches  []Match
	searches int
}

func newFakeIndex(matches ...Match) *fakeIndex {
	return &fakeIndex{upserts: make(map[string][]float32), matches: matches}
}

func (f *fakeIndex) Upsert(ctx context.Context, key string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[key] = embedding
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, embedding []float32, limit int, minScore float32) ([]Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return f.matches, nil
}

func (f *fakeIndex) Delete(ctx context.Context, keys ...string) error { return nil }

func (f *fakeIndex) Healthy(ctx context.Context) error { return nil }

func (f *fakeIndex) Close() error { return nil }

func (f *fakeIndex) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type routerFixture struct {
	router         *Router
	ephemeral      *fakeTier
	conversational *fakeTier
	durable        *fakeTier
}

func newFixture(t *testing.T, index Searcher, cache *semcache.Cache) *routerFixture {
	t.Helper()
	fx := &routerFixture{
		ephemeral:      newFakeTier(KindEphemeral, "ephemeral"),
		conversational: newFakeTier(KindConversational, "conversational"),
		durable:        newFakeTier(KindDurable, "durable"),
	}
	r, err := NewRouter(
		[]Tier{fx.ephemeral, fx.conversational, fx.durable},
		index, cache,
		RouterConfig{PropagateTimeout: time.Second},
		nil,
	)
	require.NoError(t, err)
	fx.router = r
	return fx
}

func TestRouterOrderValidation(t *testing.T) {
	eph := newFakeTier(KindEphemeral, "ephemeral")
	dur := newFakeTier(KindDurable, "durable")

	_, err := NewRouter([]Tier{dur, eph}, nil, nil, RouterConfig{}, nil)
	assert.Error(t, err, "tiers must ascend")

	_, err = NewRouter([]Tier{eph}, nil, nil, RouterConfig{}, nil)
	assert.Error(t, err, "last tier must be durable")

	_, err = NewRouter(nil, nil, nil, RouterConfig{}, nil)
	assert.Error(t, err)

	_, err = NewRouter([]Tier{eph, dur}, nil, nil, RouterConfig{}, nil)
	assert.NoError(t, err)
}

func TestGetShortCircuitsOnFastHit(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.ephemeral.set("k", []byte("v"))

	got, err := fx.router.Get(context.Background(), "k", KindDurable)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, 1, fx.ephemeral.getCount())
	assert.Zero(t, fx.conversational.getCount(), "hit at tier N never touches tier N+1")
	assert.Zero(t, fx.durable.getCount())
}

func TestGetFallsThroughAndPromotes(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.durable.set("k", []byte("v"))

	got, err := fx.router.Get(context.Background(), "k", KindDurable)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, 1, fx.ephemeral.getCount())
	assert.Equal(t, 1, fx.conversational.getCount())
	assert.Equal(t, 1, fx.durable.getCount())

	fx.router.Flush()
	assert.True(t, fx.ephemeral.has("k"), "durable hit is promoted to the overlay")
}

func TestGetRespectsMaxKind(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.durable.set("k", []byte("v"))

	_, err := fx.router.Get(context.Background(), "k", KindConversational)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Zero(t, fx.durable.getCount(), "read never goes past the requested kind")
}

func TestGetSkipsFailingTier(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.ephemeral.failGet = errBackendDown
	fx.durable.set("k", []byte("v"))

	got, err := fx.router.Get(context.Background(), "k", KindDurable)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestPutWritesThroughDurable(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, fx.router.Put(ctx, "k", []byte("v"), PutOptions{}))

	// Read-your-own-write: the overlay is populated before Put returns.
	assert.True(t, fx.durable.has("k"))
	assert.True(t, fx.ephemeral.has("k"))

	fx.router.Flush()
	assert.True(t, fx.conversational.has("k"))
}

func TestPutDurableFailurePropagates(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.durable.failPut = errBackendDown

	err := fx.router.Put(context.Background(), "k", []byte("v"), PutOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Zero(t, fx.ephemeral.putCount(), "fast tiers untouched when the system of record rejects")
}

func TestFastTierFailureCountedNotSurfaced(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.conversational.failPut = errBackendDown

	require.NoError(t, fx.router.Put(context.Background(), "k", []byte("v"), PutOptions{}),
		"best-effort propagation failure never reaches the caller")
	fx.router.Flush()
	assert.Equal(t, uint64(1), fx.router.PropagationFailures())
}

func TestPutIndexesEmbedding(t *testing.T) {
	idx := newFakeIndex()
	fx := newFixture(t, idx, nil)

	emb := []float32{1, 0}
	require.NoError(t, fx.router.Put(context.Background(), "k", []byte("v"), PutOptions{Embedding: emb}))
	fx.router.Flush()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Equal(t, emb, idx.upserts["k"])
}

func TestSemanticSearchHydratesAndCaches(t *testing.T) {
	idx := newFakeIndex(Match{Key: "a", Score: 0.97}, Match{Key: "gone", Score: 0.91})
	cache := semcache.New(time.Minute, 0)
	defer cache.Close()
	fx := newFixture(t, idx, cache)
	fx.durable.set("a", []byte("value-a"))
	ctx := context.Background()

	emb := []float32{1, 0}
	hits, err := fx.router.SemanticSearch(ctx, "query:q1", emb, 10, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1, "stale index entries are dropped during hydration")
	assert.Equal(t, "a", hits[0].Key)
	assert.Equal(t, []byte("value-a"), hits[0].Value)
	assert.Equal(t, 1, idx.searchCount())

	// The same query comes out of the semantic cache without touching the
	// index again.
	hits, err = fx.router.SemanticSearch(ctx, "query:q1", emb, 10, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, idx.searchCount())
}

func TestSemanticSearchWithoutIndex(t *testing.T) {
	fx := newFixture(t, nil, nil)
	_, err := fx.router.SemanticSearch(context.Background(), "q", []float32{1, 0}, 10, 0.9)
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestPutInvalidatesSimilarCachedQueries(t *testing.T) {
	idx := newFakeIndex(Match{Key: "a", Score: 0.97})
	cache := semcache.New(time.Minute, 0)
	defer cache.Close()
	fx := newFixture(t, idx, cache)
	fx.durable.set("a", []byte("old"))
	ctx := context.Background()

	emb := []float32{1, 0}
	_, err := fx.router.SemanticSearch(ctx, "query:q1", emb, 10, 0.9)
	require.NoError(t, err)
	require.Equal(t, 1, idx.searchCount())

	// A write in the same embedding region invalidates the cached query,
	// so the next search consults the index again.
	require.NoError(t, fx.router.Put(ctx, "a", []byte("new"), PutOptions{Embedding: emb}))
	fx.router.Flush()

	_, err = fx.router.SemanticSearch(ctx, "query:q1", emb, 10, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.searchCount())
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	fx := newFixture(t, newFakeIndex(), nil)
	ctx := context.Background()

	require.NoError(t, fx.router.Put(ctx, "k", []byte("v"), PutOptions{}))
	fx.router.Flush()
	require.NoError(t, fx.router.Delete(ctx, "k"))

	assert.False(t, fx.durable.has("k"))
	assert.False(t, fx.ephemeral.has("k"))
	assert.False(t, fx.conversational.has("k"))
}

func TestHealthyReportsPerTier(t *testing.T) {
	fx := newFixture(t, newFakeIndex(), nil)
	health := fx.router.Healthy(context.Background())
	assert.Len(t, health, 4)
	for name, err := range health {
		assert.NoError(t, err, name)
	}
}

func TestLatenciesCountReadsAndWrites(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, fx.router.Put(ctx, "k", []byte("v"), PutOptions{}))
	fx.router.Flush()

	_, err := fx.router.Get(ctx, "k", KindDurable)
	require.NoError(t, err)
	_, err = fx.router.Get(ctx, "missing", KindDurable)
	assert.ErrorIs(t, err, ErrMiss)

	lat := fx.router.Latencies()
	require.Len(t, lat, 3)
	assert.Equal(t, uint64(1), lat["durable"].Writes)
	assert.Equal(t, uint64(1), lat["ephemeral"].Writes)
	assert.Equal(t, uint64(1), lat["conversational"].Writes)
	// The overlay hit short-circuits, so only the miss walks all tiers.
	assert.Equal(t, uint64(2), lat["ephemeral"].Reads)
	assert.Equal(t, uint64(1), lat["durable"].Reads)
}

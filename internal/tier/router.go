package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kasane-ai/kasane/internal/semcache"
	"github.com/kasane-ai/kasane/internal/telemetry"
)

// ErrNoIndex is returned by SemanticSearch when no semantic index is wired.
var ErrNoIndex = errors.New("tier: no semantic index configured")

// Searcher is the semantic index the router consults for similarity reads.
// Implemented by Index; faked in tests.
type Searcher interface {
	Upsert(ctx context.Context, key string, embedding []float32) error
	Search(ctx context.Context, embedding []float32, limit int, minScore float32) ([]Match, error)
	Delete(ctx context.Context, keys ...string) error
	Healthy(ctx context.Context) error
	Close() error
}

// SearchHit is one hydrated semantic search result.
type SearchHit struct {
	Key   string  `json:"key"`
	Score float32 `json:"score"`
	Value []byte  `json:"value"`
}

// RouterConfig controls read/write routing.
type RouterConfig struct {
	// PropagateTimeout bounds each asynchronous fast-tier write.
	PropagateTimeout time.Duration

	// SearchLimit is the default semantic search result count.
	SearchLimit int

	// SearchThreshold is the default minimum similarity for semantic
	// search and for cache invalidation on writes.
	SearchThreshold float32
}

const latencyRingSize = 64

// opRing is a fixed-size ring of observed operation durations.
type opRing struct {
	mu        sync.Mutex
	latencies [latencyRingSize]time.Duration
	idx       int
	count     int
	total     uint64
}

func (o *opRing) observe(d time.Duration) {
	o.mu.Lock()
	o.latencies[o.idx] = d
	o.idx = (o.idx + 1) % latencyRingSize
	if o.count < latencyRingSize {
		o.count++
	}
	o.total++
	o.mu.Unlock()
}

func (o *opRing) snapshot() (total uint64, p95 time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == 0 {
		return o.total, 0
	}
	sample := make([]time.Duration, o.count)
	copy(sample, o.latencies[:o.count])
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	idx := (len(sample) * 95) / 100
	if idx >= len(sample) {
		idx = len(sample) - 1
	}
	return o.total, sample[idx]
}

// tierLatency holds a tier's read and write rings.
type tierLatency struct {
	read  opRing
	write opRing
}

// OpLatency is a read-only per-tier latency summary.
type OpLatency struct {
	Reads    uint64        `json:"reads"`
	ReadP95  time.Duration `json:"read_p95"`
	Writes   uint64        `json:"writes"`
	WriteP95 time.Duration `json:"write_p95"`
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.PropagateTimeout <= 0 {
		c.PropagateTimeout = 5 * time.Second
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 10
	}
	if c.SearchThreshold <= 0 {
		c.SearchThreshold = 0.85
	}
	return c
}

// Router reads through the tiers in ascending latency order and writes
// through the durable system of record.
type Router struct {
	tiers   []Tier // ascending by Kind
	durable Tier
	index   Searcher        // may be nil
	cache   *semcache.Cache // may be nil
	cfg     RouterConfig
	logger  *slog.Logger

	wg           sync.WaitGroup
	propFailures atomic.Uint64
	propCounter  metric.Int64Counter
	latHist      metric.Float64Histogram
	lat          map[string]*tierLatency
}

// NewRouter creates a Router over the given tiers. Tiers must arrive in
// strictly ascending Kind order and include exactly one durable tier as the
// last element. index and cache are optional.
func NewRouter(tiers []Tier, index Searcher, cache *semcache.Cache, cfg RouterConfig, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier: router needs at least one tier")
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Kind() <= tiers[i-1].Kind() {
			return nil, fmt.Errorf("tier: tiers out of order: %s before %s",
				tiers[i-1].Kind(), tiers[i].Kind())
		}
	}
	last := tiers[len(tiers)-1]
	if last.Kind() != KindDurable {
		return nil, fmt.Errorf("tier: last tier must be durable, got %s", last.Kind())
	}

	r := &Router{
		tiers:   tiers,
		durable: last,
		index:   index,
		cache:   cache,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		lat:     make(map[string]*tierLatency, len(tiers)),
	}
	for _, t := range tiers {
		r.lat[t.Name()] = &tierLatency{}
	}
	meter := telemetry.Meter("kasane/tier")
	r.propCounter, _ = meter.Int64Counter("kasane.tier.propagation_failures",
		metric.WithDescription("Best-effort fast-tier writes that failed"))
	r.latHist, _ = meter.Float64Histogram("kasane.tier.op_latency",
		metric.WithDescription("Per-tier read/write latency"),
		metric.WithUnit("ms"))
	return r, nil
}

// Get reads the key walking tiers in ascending order up to and including
// maxKind. A hit at one tier never touches the next; a failing tier is
// skipped, not fatal. A hit below the fastest tier is promoted back into
// the ephemeral overlay in the background.
func (r *Router) Get(ctx context.Context, key string, maxKind Kind) ([]byte, error) {
	for i, t := range r.tiers {
		if t.Kind() > maxKind {
			break
		}
		start := time.Now()
		value, err := t.Get(ctx, key)
		r.observe(t.Name(), "read", time.Since(start))
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			r.logger.Warn("tier read failed, falling through",
				"tier", t.Name(),
				"key", key,
				"error", err,
			)
			continue
		}
		if i > 0 {
			r.promote(key, value)
		}
		return value, nil
	}
	return nil, ErrMiss
}

// Put writes the entry. The durable system of record is written
// synchronously and its error is the caller's error; the ephemeral overlay
// is written before returning so the writer immediately reads its own
// write; remaining fast tiers are populated asynchronously, best-effort.
func (r *Router) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	start := time.Now()
	err := r.durable.Put(ctx, key, value, opts)
	r.observe(r.durable.Name(), "write", time.Since(start))
	if err != nil {
		return fmt.Errorf("tier: durable write: %w", err)
	}

	for _, t := range r.tiers {
		switch {
		case t.Kind() == KindDurable:
			// Already written.
		case t.Kind() == KindEphemeral:
			start := time.Now()
			err := t.Put(ctx, key, value, opts)
			r.observe(t.Name(), "write", time.Since(start))
			if err != nil {
				r.notePropagationFailure(t.Name(), key, err)
			}
		default:
			r.propagateTo(t, key, value, opts)
		}
	}

	if len(opts.Embedding) > 0 {
		if r.index != nil {
			r.propagateIndex(key, opts.Embedding)
		}
		if r.cache != nil {
			// The write may have changed what nearby queries should see.
			if n := r.cache.InvalidateSimilar(opts.Embedding, r.cfg.SearchThreshold); n > 0 {
				r.logger.Debug("invalidated similar cached queries", "key", key, "count", n)
			}
		}
	}
	return nil
}

// Delete removes the key everywhere. Only the durable delete is fatal.
func (r *Router) Delete(ctx context.Context, key string) error {
	if err := r.durable.Delete(ctx, key); err != nil {
		return fmt.Errorf("tier: durable delete: %w", err)
	}
	for _, t := range r.tiers {
		if t.Kind() == KindDurable {
			continue
		}
		if err := t.Delete(ctx, key); err != nil {
			r.notePropagationFailure(t.Name(), key, err)
		}
	}
	if r.index != nil {
		if err := r.index.Delete(ctx, key); err != nil {
			r.notePropagationFailure("index", key, err)
		}
	}
	if r.cache != nil {
		r.cache.Invalidate(key)
	}
	return nil
}

// SemanticSearch finds entries similar to the embedding, consulting the
// semantic cache before the index and hydrating values through the normal
// read path. cacheKey identifies the query for exact-match caching.
func (r *Router) SemanticSearch(ctx context.Context, cacheKey string, embedding []float32, limit int, threshold float32) ([]SearchHit, error) {
	if limit <= 0 {
		limit = r.cfg.SearchLimit
	}
	if threshold <= 0 {
		threshold = r.cfg.SearchThreshold
	}

	if r.cache != nil {
		if data, ok := r.cache.Get(cacheKey, embedding, threshold); ok {
			var hits []SearchHit
			if err := json.Unmarshal(data, &hits); err == nil {
				return hits, nil
			}
			r.cache.Invalidate(cacheKey)
		}
	}

	if r.index == nil {
		return nil, ErrNoIndex
	}
	matches, err := r.index.Search(ctx, embedding, limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("tier: semantic search: %w", err)
	}

	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		value, err := r.Get(ctx, m.Key, KindDurable)
		if errors.Is(err, ErrMiss) {
			// The index outlived the entry; drop the stale point.
			r.logger.Debug("stale index entry", "key", m.Key)
			continue
		}
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Key: m.Key, Score: m.Score, Value: value})
	}

	if r.cache != nil {
		if data, err := json.Marshal(hits); err == nil {
			r.cache.Set(cacheKey, data, embedding, 0)
		}
	}
	return hits, nil
}

// Healthy reports per-component backend health.
func (r *Router) Healthy(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.tiers)+1)
	for _, t := range r.tiers {
		out[t.Name()] = t.Healthy(ctx)
	}
	if r.index != nil {
		out["index"] = r.index.Healthy(ctx)
	}
	return out
}

// Latencies returns a per-tier read/write latency summary: total operation
// counts and the 95th percentile over a recent sample window.
func (r *Router) Latencies() map[string]OpLatency {
	out := make(map[string]OpLatency, len(r.lat))
	for name, tl := range r.lat {
		var op OpLatency
		op.Reads, op.ReadP95 = tl.read.snapshot()
		op.Writes, op.WriteP95 = tl.write.snapshot()
		out[name] = op
	}
	return out
}

func (r *Router) observe(tierName, op string, d time.Duration) {
	if tl, ok := r.lat[tierName]; ok {
		switch op {
		case "read":
			tl.read.observe(d)
		case "write":
			tl.write.observe(d)
		}
	}
	r.latHist.Record(context.Background(), float64(d)/float64(time.Millisecond),
		metric.WithAttributes(
			attribute.String("tier", tierName),
			attribute.String("op", op),
		))
}

// PropagationFailures returns the running count of best-effort writes that
// failed.
func (r *Router) PropagationFailures() uint64 {
	return r.propFailures.Load()
}

// Flush waits for all in-flight asynchronous propagations.
func (r *Router) Flush() {
	r.wg.Wait()
}

// Close flushes propagations and closes the tiers, index, and cache.
func (r *Router) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("closing with propagations still in flight")
	}

	var errs []error
	for _, t := range r.tiers {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.cache != nil {
		r.cache.Close()
	}
	return errors.Join(errs...)
}

// promote writes a hit from a slower tier back into the ephemeral overlay.
func (r *Router) promote(key string, value []byte) {
	fastest := r.tiers[0]
	if fastest.Kind() != KindEphemeral {
		return
	}
	r.propagateTo(fastest, key, value, PutOptions{})
}

func (r *Router) propagateTo(t Tier, key string, value []byte, opts PutOptions) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PropagateTimeout)
		defer cancel()
		start := time.Now()
		err := t.Put(ctx, key, value, opts)
		r.observe(t.Name(), "write", time.Since(start))
		if err != nil {
			r.notePropagationFailure(t.Name(), key, err)
		}
	}()
}

func (r *Router) propagateIndex(key string, embedding []float32) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PropagateTimeout)
		defer cancel()
		if err := r.index.Upsert(ctx, key, embedding); err != nil {
			r.notePropagationFailure("index", key, err)
		}
	}()
}

func (r *Router) notePropagationFailure(target, key string, err error) {
	r.propFailures.Add(1)
	r.propCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("target", target),
	))
	r.logger.Warn("tier propagation failed",
		"target", target,
		"key", key,
		"error", err,
	)
}

// Package registry maintains the tiered catalog of capability providers and
// their observed health.
//
// Each provider gets a background probe loop on its own interval. Repeated
// probe failures drive the provider's score to zero, which excludes it from
// selection; recovery is gated and gradual so a flapping provider does not
// snap back to full weight.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoProvider is returned when no registered provider can serve a
// capability, including when every candidate's score is zero.
var ErrNoProvider = errors.New("registry: no provider available")

// Tier orders providers by preference. Lower tiers are tried first.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierTertiary
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// ParseTier converts topology input into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "primary":
		return TierPrimary, nil
	case "secondary":
		return TierSecondary, nil
	case "tertiary":
		return TierTertiary, nil
	default:
		return 0, fmt.Errorf("registry: unknown tier %q", s)
	}
}

// Provider describes one registered capability provider.
type Provider struct {
	ID             string
	Tier           Tier
	Capabilities   []string
	Endpoint       string
	HealthEndpoint string        // defaults to Endpoint + /healthz
	HealthInterval time.Duration // defaults to Config.Interval
}

// Config controls health probing and scoring.
type Config struct {
	// Interval is the default probe interval for providers that do not set
	// their own.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// FailThreshold is the number of consecutive failures that drives the
	// score to zero. Each failure costs 1/FailThreshold.
	FailThreshold int

	// RecoverAfter is the number of consecutive successes required before
	// the score starts recovering.
	RecoverAfter int

	// RecoveryStep is how much score each gated success restores.
	RecoveryStep float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = 2
	}
	if c.RecoveryStep <= 0 {
		c.RecoveryStep = 0.25
	}
	return c
}

// Snapshot is a read-only view of a provider's current standing.
type Snapshot struct {
	ID        string
	Tier      Tier
	Endpoint  string
	Score     float64
	P95       time.Duration
	LastError string
}

const latencyRingSize = 64

// state is the mutable per-provider record. Probes and latency observations
// take the per-provider lock only, never the registry lock.
type state struct {
	mu       sync.Mutex
	provider Provider
	seq      int
	score    float64

	consecutiveFails int
	consecutiveOKs   int
	lastErr          error

	latencies [latencyRingSize]time.Duration
	latIdx    int
	latCount  int

	stop chan struct{}
}

// Registry is the provider catalog. Safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	sf     singleflight.Group

	mu        sync.RWMutex
	providers map[string]*state
	nextSeq   int
	started   bool

	wg sync.WaitGroup
}

// New creates an empty Registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{Timeout: cfg.Timeout},
		providers: make(map[string]*state),
	}
}

// Register adds a provider. A provider that is already registered is
// replaced in place, keeping its health history.
func (r *Registry) Register(p Provider) error {
	if p.ID == "" {
		return fmt.Errorf("registry: provider id is required")
	}
	if len(p.Capabilities) == 0 {
		return fmt.Errorf("registry: provider %s has no capabilities", p.ID)
	}
	if p.Endpoint == "" {
		return fmt.Errorf("registry: provider %s has no endpoint", p.ID)
	}
	if p.HealthInterval <= 0 {
		p.HealthInterval = r.cfg.Interval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[p.ID]; ok {
		existing.mu.Lock()
		existing.provider = p
		existing.mu.Unlock()
		return nil
	}

	st := &state{
		provider: p,
		seq:      r.nextSeq,
		score:    1.0,
		stop:     make(chan struct{}),
	}
	r.nextSeq++
	r.providers[p.ID] = st
	if r.started {
		r.wg.Add(1)
		go r.probeLoop(st)
	}
	return nil
}

// Replace swaps the catalog for a new provider set. Providers present in
// both keep their health history; removed providers stop probing.
func (r *Registry) Replace(providers []Provider) error {
	keep := make(map[string]bool, len(providers))
	for _, p := range providers {
		keep[p.ID] = true
		if err := r.Register(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	var removed []*state
	for id, st := range r.providers {
		if !keep[id] {
			removed = append(removed, st)
			delete(r.providers, id)
		}
	}
	r.mu.Unlock()

	for _, st := range removed {
		close(st.stop)
		r.logger.Info("provider removed", "provider", st.provider.ID)
	}
	return nil
}

// Start launches a probe loop per registered provider.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for _, st := range r.providers {
		r.wg.Add(1)
		go r.probeLoop(st)
	}
}

// Drain stops all probe loops and waits for them, or until ctx expires.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	for _, st := range r.providers {
		close(st.stop)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry: drain: %w", ctx.Err())
	}
}

// FindByCapability returns all providers that can serve cap, including
// zero-score ones, in selection order.
func (r *Registry) FindByCapability(cap string) []Snapshot {
	return r.candidates(cap, false)
}

// BestFor returns the best provider for cap: lowest tier, then highest
// score, then lowest observed p95 latency, then registration order.
// Zero-score providers are excluded.
func (r *Registry) BestFor(cap string) (*Snapshot, error) {
	snaps := r.candidates(cap, true)
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: capability %q", ErrNoProvider, cap)
	}
	return &snaps[0], nil
}

// ObserveLatency records a completed call against the provider's latency
// ring, feeding the p95 used for ordering.
func (r *Registry) ObserveLatency(id string, d time.Duration) {
	r.mu.RLock()
	st, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.latencies[st.latIdx] = d
	st.latIdx = (st.latIdx + 1) % latencyRingSize
	if st.latCount < latencyRingSize {
		st.latCount++
	}
	st.mu.Unlock()
}

// Snapshots returns the current standing of every provider, ordered by tier
// and registration.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	states := make([]*state, 0, len(r.providers))
	for _, st := range r.providers {
		states = append(states, st)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(states))
	seqs := make(map[string]int, len(states))
	for _, st := range states {
		snap, seq := st.snapshot()
		snaps = append(snaps, snap)
		seqs[snap.ID] = seq
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Tier != snaps[j].Tier {
			return snaps[i].Tier < snaps[j].Tier
		}
		return seqs[snaps[i].ID] < seqs[snaps[j].ID]
	})
	return snaps
}

func (r *Registry) candidates(cap string, skipZero bool) []Snapshot {
	r.mu.RLock()
	states := make([]*state, 0, len(r.providers))
	for _, st := range r.providers {
		states = append(states, st)
	}
	r.mu.RUnlock()

	type candidate struct {
		snap Snapshot
		seq  int
	}
	var cands []candidate
	for _, st := range states {
		st.mu.Lock()
		serves := false
		for _, c := range st.provider.Capabilities {
			if c == cap {
				serves = true
				break
			}
		}
		st.mu.Unlock()
		if !serves {
			continue
		}
		snap, seq := st.snapshot()
		if skipZero && snap.Score <= 0 {
			continue
		}
		cands = append(cands, candidate{snap: snap, seq: seq})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.snap.Tier != b.snap.Tier {
			return a.snap.Tier < b.snap.Tier
		}
		if a.snap.Score != b.snap.Score {
			return a.snap.Score > b.snap.Score
		}
		if a.snap.P95 != b.snap.P95 {
			return a.snap.P95 < b.snap.P95
		}
		return a.seq < b.seq
	})

	snaps := make([]Snapshot, len(cands))
	for i, c := range cands {
		snaps[i] = c.snap
	}
	return snaps
}

func (r *Registry) probeLoop(st *state) {
	defer r.wg.Done()

	st.mu.Lock()
	interval := st.provider.HealthInterval
	st.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.probe(st)
		case <-st.stop:
			return
		}
	}
}

// probe checks the provider's health endpoint once. Concurrent probes for
// the same provider collapse into a single request.
func (r *Registry) probe(st *state) {
	st.mu.Lock()
	id := st.provider.ID
	url := st.provider.HealthEndpoint
	if url == "" {
		url = st.provider.Endpoint + "/healthz"
	}
	st.mu.Unlock()

	_, err, _ := r.sf.Do(id, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil, nil
	})

	r.record(st, err)
}

// record applies one probe outcome to the provider's score.
func (r *Registry) record(st *state, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err != nil {
		st.consecutiveOKs = 0
		st.consecutiveFails++
		st.lastErr = err
		st.score -= 1.0 / float64(r.cfg.FailThreshold)
		if st.score < 1e-9 {
			st.score = 0
		}
		r.logger.Warn("provider probe failed",
			"provider", st.provider.ID,
			"consecutive", st.consecutiveFails,
			"score", st.score,
			"error", err,
		)
		return
	}

	st.consecutiveFails = 0
	st.lastErr = nil
	st.consecutiveOKs++
	// Recovery is gated: early successes after an outage rebuild trust but
	// not score.
	if st.score < 1.0 && st.consecutiveOKs >= r.cfg.RecoverAfter {
		st.score += r.cfg.RecoveryStep
		if st.score > 1.0 {
			st.score = 1.0
		}
		r.logger.Info("provider score recovering",
			"provider", st.provider.ID,
			"score", st.score,
		)
	}
}

func (st *state) snapshot() (Snapshot, int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := Snapshot{
		ID:       st.provider.ID,
		Tier:     st.provider.Tier,
		Endpoint: st.provider.Endpoint,
		Score:    st.score,
		P95:      st.p95Locked(),
	}
	if st.lastErr != nil {
		snap.LastError = st.lastErr.Error()
	}
	return snap, st.seq
}

// p95Locked computes the 95th percentile over the latency ring. Caller must
// hold st.mu.
func (st *state) p95Locked() time.Duration {
	if st.latCount == 0 {
		return 0
	}
	sample := make([]time.Duration, st.latCount)
	copy(sample, st.latencies[:st.latCount])
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	idx := (st.latCount*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sample[idx]
}

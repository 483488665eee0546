// Package kasane is the public API for embedding the Kasane execution and
// memory tiering orchestrator.
//
//	app, err := kasane.New(
//	    kasane.WithVersion(version),
//	    kasane.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kasane (root) imports
// internal/*, but internal/* never imports kasane (root). Public types
// (Task, Result, SearchHit) are standalone structs; conversion helpers live
// in types.go because the root is the only package that sees both sides of
// the boundary.
package kasane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kasane-ai/kasane/internal/auth"
	"github.com/kasane-ai/kasane/internal/breaker"
	"github.com/kasane-ai/kasane/internal/config"
	"github.com/kasane-ai/kasane/internal/direct"
	"github.com/kasane-ai/kasane/internal/exec"
	"github.com/kasane-ai/kasane/internal/mediated"
	"github.com/kasane-ai/kasane/internal/pool"
	"github.com/kasane-ai/kasane/internal/registry"
	"github.com/kasane-ai/kasane/internal/semcache"
	"github.com/kasane-ai/kasane/internal/server"
	"github.com/kasane-ai/kasane/internal/telemetry"
	"github.com/kasane-ai/kasane/internal/tier"
)

// App is the orchestrator lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	version      string
	embedder     Embedder
	adapter      *exec.Adapter
	router       *tier.Router
	semCache     *semcache.Cache
	registry     *registry.Registry
	directPool   *pool.Pool
	mediatedPool *pool.Pool
	directBrk    *breaker.Breaker
	mediatedBrk  *breaker.Breaker
	srv          *server.Server
	otelShutdown telemetry.Shutdown

	directOK   bool
	mediatedOK bool
}

// New initialises the orchestrator. It connects the tier backends, wires all
// subsystems, and returns a ready-to-run App. It does NOT start goroutines
// or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.topologyPath != "" {
		cfg.TopologyPath = o.topologyPath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.directEndpoint != "" {
		cfg.DirectEndpoint = o.directEndpoint
	}
	if o.mediatedEndpoint != "" {
		cfg.MediatedEndpoint = o.mediatedEndpoint
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kasane starting", "version", version, "port", cfg.Port)

	// Every failure below must release what was already opened.
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanups = append(cleanups, func() { _ = otelShutdown(context.Background()) })

	minter, err := auth.NewMinter(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, "kasane", cfg.TokenTTL)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	var adminKey *auth.AdminKey
	if cfg.AdminAPIKey != "" {
		hashed, err := auth.HashAdminKey(cfg.AdminAPIKey)
		if err != nil {
			return fail(fmt.Errorf("auth: hash admin key: %w", err))
		}
		adminKey, err = auth.ParseAdminKey(hashed)
		if err != nil {
			return fail(fmt.Errorf("auth: parse admin key: %w", err))
		}
	} else {
		logger.Warn("admin endpoints disabled (no KASANE_ADMIN_API_KEY)")
	}

	topo, err := config.LoadTopology(cfg.TopologyPath)
	if err != nil {
		return fail(fmt.Errorf("topology: %w", err))
	}

	tiers, err := buildTiers(cfg, topo, logger)
	if err != nil {
		return fail(fmt.Errorf("tiers: %w", err))
	}
	for _, t := range tiers {
		t := t
		cleanups = append(cleanups, func() { _ = t.Close(context.Background()) })
	}

	// Semantic index.
	var searcher tier.Searcher
	if cfg.QdrantURL != "" {
		index, err := tier.NewIndex(tier.IndexConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		cleanups = append(cleanups, func() { _ = index.Close() })
		if err := index.EnsureCollection(context.Background()); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		searcher = index
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	semCache := semcache.New(cfg.SemCacheTTL, cfg.SemCacheMax)
	cleanups = append(cleanups, semCache.Close)

	router, err := tier.NewRouter(tiers, searcher, semCache, tier.RouterConfig{
		SearchThreshold: float32(cfg.SemCacheThreshold),
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("router: %w", err))
	}

	// Provider registry.
	reg := registry.New(registry.Config{
		Interval:      cfg.HealthInterval,
		Timeout:       cfg.HealthTimeout,
		FailThreshold: cfg.HealthFailThreshold,
		RecoverAfter:  cfg.HealthRecoverAfter,
		RecoveryStep:  cfg.HealthRecoveryStep,
	}, logger)
	providers, err := providersFromTopology(topo)
	if err != nil {
		return fail(fmt.Errorf("topology providers: %w", err))
	}
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			return fail(fmt.Errorf("register provider %s: %w", p.ID, err))
		}
	}

	// Execution paths. An unconfigured path keeps its pool and breaker so
	// the adapter shape stays uniform; its factory always fails.
	embedder := o.embedder
	if embedder == nil {
		embedder = newHashEmbedder(cfg.EmbeddingDimensions)
		logger.Info("embedder: deterministic hash (semantic search is exact-match only)")
	}

	poolCfg := pool.Config{
		Min:              cfg.PoolMin,
		Max:              cfg.PoolMax,
		AcquireTimeout:   cfg.PoolAcquireTimeout,
		ScaleInterval:    cfg.PoolScaleInterval,
		ScaleWindows:     cfg.PoolScaleWindows,
		ScaleUpWait:      cfg.PoolScaleUpWait,
		ScaleDownPercent: cfg.PoolScaleDownPercent,
	}
	transitions, _ := telemetry.Meter("kasane/breaker").Int64Counter("kasane.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"))
	brkConfig := func(path string) breaker.Config {
		return breaker.Config{
			FailureThreshold:  cfg.BreakerFailureThreshold,
			RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
			HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
			HalfOpenMaxCalls:  cfg.BreakerHalfOpenMaxCalls,
			ShouldTrip:        exec.ShouldTrip,
			OnTransition: func(from, to breaker.State) {
				transitions.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("path", path),
					attribute.String("from", from.String()),
					attribute.String("to", to.String()),
				))
			},
		}
	}

	directOK := cfg.DirectEndpoint != ""
	directFactory := unconfiguredFactory("direct")
	if directOK {
		directFactory = direct.NewFactory(cfg.DirectEndpoint, minter, logger).New
	} else {
		logger.Info("direct path: disabled (no KASANE_DIRECT_ENDPOINT)")
	}
	mediatedOK := cfg.MediatedEndpoint != ""
	mediatedFactory := unconfiguredFactory("mediated")
	if mediatedOK {
		mediatedFactory = mediated.NewFactory(cfg.MediatedEndpoint, minter, "kasane", version, logger).New
	} else {
		logger.Info("mediated path: disabled (no KASANE_MEDIATED_ENDPOINT)")
	}

	directPool := pool.New("direct", poolCfg, directFactory, logger)
	mediatedPool := pool.New("mediated", poolCfg, mediatedFactory, logger)
	directBrk := breaker.New("direct", brkConfig("direct"), logger)
	mediatedBrk := breaker.New("mediated", brkConfig("mediated"), logger)

	preferred := exec.Mode(cfg.PreferredPath)
	if preferred == exec.ModeDirect && !directOK && mediatedOK {
		preferred = exec.ModeMediated
		logger.Warn("preferred path unavailable, switching", "preferred", "mediated")
	}
	if preferred == exec.ModeMediated && !mediatedOK && directOK {
		preferred = exec.ModeDirect
		logger.Warn("preferred path unavailable, switching", "preferred", "direct")
	}

	adapter := exec.New(exec.Config{
		PreferredPath:  preferred,
		MaxInFlight:    cfg.MaxInFlight,
		DefaultTimeout: cfg.DefaultTaskTimeout,
		Retry: exec.RetryPolicy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Base:         cfg.RetryBase,
		},
	},
		exec.Path{Pool: directPool, Breaker: directBrk},
		exec.Path{Pool: mediatedPool, Breaker: mediatedBrk},
		logger,
	)

	app := &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		embedder:     embedder,
		adapter:      adapter,
		router:       router,
		semCache:     semCache,
		registry:     reg,
		directPool:   directPool,
		mediatedPool: mediatedPool,
		directBrk:    directBrk,
		mediatedBrk:  mediatedBrk,
		otelShutdown: otelShutdown,
		directOK:     directOK,
		mediatedOK:   mediatedOK,
	}

	app.srv = server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, server.Deps{
		Version:         version,
		AdminKey:        adminKey,
		Health:          app.componentHealth,
		Metrics:         app.metricsSnapshot,
		ReloadProviders: app.reloadProviders,
	}, logger)

	return app, nil
}

// Run starts the pools, the health probe loops, and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.directPool.Start(ctx)
	a.mediatedPool.Start(ctx)
	a.registry.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown: stop accepting HTTP
// requests and drain in-flight, stop health probes, drain the connection
// pools, then flush pending tier propagation and close the backends.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kasane shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if err := a.registry.Drain(ctx); err != nil {
		a.logger.Error("registry drain error", "error", err)
	}

	if err := a.directPool.Close(ctx); err != nil {
		a.logger.Error("direct pool close error", "error", err)
	}
	if err := a.mediatedPool.Close(ctx); err != nil {
		a.logger.Error("mediated pool close error", "error", err)
	}

	// Router close flushes pending propagation and closes every tier, the
	// semantic index, and the cache.
	if err := a.router.Close(ctx); err != nil {
		a.logger.Error("tier close error", "error", err)
	}

	_ = a.otelShutdown(context.Background())
	a.logger.Info("kasane stopped")
	return nil
}

// Execute runs a task on the named execution path: "direct", "mediated", or
// "auto" for preferred-path-with-fallback.
func (a *App) Execute(ctx context.Context, task Task, mode string) (*Result, error) {
	m, err := exec.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	switch {
	case m == exec.ModeDirect && !a.directOK:
		return nil, fmt.Errorf("kasane: direct path not configured")
	case m == exec.ModeMediated && !a.mediatedOK:
		return nil, fmt.Errorf("kasane: mediated path not configured")
	case m == exec.ModeAuto && !a.directOK && !a.mediatedOK:
		return nil, fmt.Errorf("kasane: no execution path configured")
	}

	res, err := a.adapter.Run(ctx, toInternalTask(task), m)
	if err != nil {
		return nil, err
	}
	return toPublicResult(res), nil
}

// Remember stores a value through the memory tiers. The durable write is
// synchronous; faster tiers and the semantic index fill in best-effort.
func (a *App) Remember(ctx context.Context, key string, value []byte, opts MemoryOptions) error {
	putOpts := tier.PutOptions{TTL: opts.TTL}
	if opts.Index {
		emb, err := a.embedder.Embed(ctx, string(value))
		if err != nil {
			return fmt.Errorf("kasane: embed: %w", err)
		}
		putOpts.Embedding = emb
	}
	return a.router.Put(ctx, key, value, putOpts)
}

// Recall reads a key, trying the fastest tier first. Returns tier.ErrMiss
// when no tier holds the key.
func (a *App) Recall(ctx context.Context, key string) ([]byte, error) {
	return a.router.Get(ctx, key, tier.KindDurable)
}

// RecallWithin reads a key consulting only tiers up to and including
// maxTier ("ephemeral", "conversational", or "durable").
func (a *App) RecallWithin(ctx context.Context, key, maxTier string) ([]byte, error) {
	kind, err := tier.ParseKind(maxTier)
	if err != nil {
		return nil, err
	}
	return a.router.Get(ctx, key, kind)
}

// Forget removes a key from every tier, the semantic index, and the cache.
func (a *App) Forget(ctx context.Context, key string) error {
	return a.router.Delete(ctx, key)
}

// Search finds stored values semantically similar to the query. Results are
// served from the semantic cache when a sufficiently similar query was
// answered recently.
func (a *App) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	emb, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("kasane: embed: %w", err)
	}
	hits, err := a.router.SemanticSearch(ctx, "q:"+query, emb, limit, float32(a.cfg.SemCacheThreshold))
	if err != nil {
		return nil, err
	}
	return toPublicHits(hits), nil
}

// BestProvider returns the healthiest provider for a capability, preferring
// lower provider tiers. Returns registry.ErrNoProvider (wrapped) when every
// candidate is down.
func (a *App) BestProvider(capability string) (ProviderInfo, error) {
	snap, err := a.registry.BestFor(capability)
	if err != nil {
		return ProviderInfo{}, err
	}
	return toProviderInfo(*snap), nil
}

// ProvidersFor lists every registered provider for a capability in selection
// order, zero-score ones included.
func (a *App) ProvidersFor(capability string) []ProviderInfo {
	snaps := a.registry.FindByCapability(capability)
	out := make([]ProviderInfo, len(snaps))
	for i, s := range snaps {
		out[i] = toProviderInfo(s)
	}
	return out
}

// ObserveProviderLatency feeds a measured call latency into provider
// selection.
func (a *App) ObserveProviderLatency(id string, d time.Duration) {
	a.registry.ObserveLatency(id, d)
}

func (a *App) componentHealth(ctx context.Context) map[string]error {
	return a.router.Healthy(ctx)
}

func (a *App) metricsSnapshot(context.Context) server.Snapshot {
	return server.Snapshot{
		Pools: map[string]pool.Stats{
			"direct":   a.directPool.Stats(),
			"mediated": a.mediatedPool.Stats(),
		},
		Breakers: map[string]string{
			"direct":   a.directBrk.State().String(),
			"mediated": a.mediatedBrk.State().String(),
		},
		Providers:           server.ProviderStatuses(a.registry.Snapshots()),
		Cache:               a.semCache.Stats(),
		Tiers:               a.router.Latencies(),
		PropagationFailures: a.router.PropagationFailures(),
	}
}

func (a *App) reloadProviders(context.Context) error {
	topo, err := config.LoadTopology(a.cfg.TopologyPath)
	if err != nil {
		return err
	}
	providers, err := providersFromTopology(topo)
	if err != nil {
		return err
	}
	if err := a.registry.Replace(providers); err != nil {
		return err
	}
	a.logger.Info("provider topology reloaded", "providers", len(providers))
	return nil
}

// ── Wiring helpers ─────────────────────────────────────────────────────────────

// buildTiers turns the topology's tier specs into live backends. A
// conversational sqlite tier with no KASANE_SQLITE_PATH is skipped; a
// durable postgres tier with no DATABASE_URL is a startup failure.
func buildTiers(cfg config.Config, topo config.Topology, logger *slog.Logger) ([]tier.Tier, error) {
	var tiers []tier.Tier
	closeAll := func() {
		for _, t := range tiers {
			_ = t.Close(context.Background())
		}
	}

	for _, spec := range topo.Tiers {
		kind, err := tier.ParseKind(spec.Kind)
		if err != nil {
			closeAll()
			return nil, err
		}

		switch spec.Backend {
		case "memory":
			tiers = append(tiers, tier.NewMemory(cfg.CacheTTL, cfg.CacheMaxEntries))
		case "sqlite":
			path := spec.Path
			if path == "" {
				path = cfg.SQLitePath
			}
			if kind == tier.KindDurable && path == "" {
				path = filepath.Join("data", "kasane.db")
			}
			if path == "" {
				logger.Info("conversational tier: disabled (no KASANE_SQLITE_PATH)")
				continue
			}
			t, err := tier.NewSQLite(path, kind, logger)
			if err != nil {
				closeAll()
				return nil, err
			}
			tiers = append(tiers, t)
		case "postgres":
			if cfg.DatabaseURL == "" {
				closeAll()
				return nil, fmt.Errorf("durable postgres tier requires DATABASE_URL")
			}
			t, err := tier.NewPostgres(context.Background(), cfg.DatabaseURL, cfg.EmbeddingDimensions, logger)
			if err != nil {
				closeAll()
				return nil, err
			}
			tiers = append(tiers, t)
		default:
			closeAll()
			return nil, fmt.Errorf("unknown tier backend %q", spec.Backend)
		}
	}
	return tiers, nil
}

func providersFromTopology(topo config.Topology) ([]registry.Provider, error) {
	out := make([]registry.Provider, 0, len(topo.Providers))
	for _, spec := range topo.Providers {
		t, err := registry.ParseTier(spec.Tier)
		if err != nil {
			return nil, err
		}
		out = append(out, registry.Provider{
			ID:             spec.ID,
			Tier:           t,
			Capabilities:   spec.Capabilities,
			Endpoint:       spec.Endpoint,
			HealthEndpoint: spec.HealthEndpoint,
			HealthInterval: spec.HealthInterval,
		})
	}
	return out, nil
}

// unconfiguredFactory backs the pool of a path with no endpoint. Acquire
// attempts fail fast and surface as retryable backend errors.
func unconfiguredFactory(name string) pool.Factory {
	return func(context.Context) (pool.Conn, error) {
		return nil, fmt.Errorf("%s path not configured", name)
	}
}

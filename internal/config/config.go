// Package config loads and validates orchestrator configuration.
//
// Scalar settings (ports, timeouts, thresholds) come from environment
// variables; the routing topology (providers, memory tiers, storage
// denylist) comes from a YAML file. All validation happens at load time —
// the process must never start with an invalid configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all orchestrator configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Execution path endpoints.
	DirectEndpoint   string // HTTP invoke endpoint for the direct path.
	MediatedEndpoint string // MCP server URL for the mediated path.
	PreferredPath    string // "direct" or "mediated"; primary path in auto mode.

	// Pool settings, shared by both paths.
	PoolMin              int
	PoolMax              int
	PoolAcquireTimeout   time.Duration
	PoolScaleInterval    time.Duration
	PoolScaleWindows     int
	PoolScaleUpWait      time.Duration
	PoolScaleDownPercent float64 // utilization below this fraction shrinks the pool

	// Breaker settings, independent state per path.
	BreakerFailureThreshold  int
	BreakerRecoveryTimeout   time.Duration
	BreakerHalfOpenSuccesses int
	BreakerHalfOpenMaxCalls  int

	// Retry policy defaults applied to tasks that carry none.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryBase         float64

	// Adapter settings.
	MaxInFlight        int64 // bound on concurrent executions
	DefaultTaskTimeout time.Duration

	// Outbound auth settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	TokenTTL          time.Duration
	AdminAPIKey       string // Plain key for admin endpoints; hashed at startup.

	// Memory tier backends.
	SQLitePath          string // conversational recall store; empty disables the tier
	DatabaseURL         string // Postgres URL for the durable system of record
	QdrantURL           string // semantic index; empty disables semantic search
	QdrantAPIKey        string
	QdrantCollection    string
	EmbeddingDimensions int
	CacheTTL            time.Duration
	CacheMaxEntries     int

	// Semantic cache settings.
	SemCacheTTL       time.Duration
	SemCacheThreshold float64
	SemCacheMax       int

	// Provider health defaults (per-provider interval lives in the topology).
	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	HealthFailThreshold int // consecutive failures that drive a score to 0
	HealthRecoverAfter  int // consecutive successes before a dead score recovers
	HealthRecoveryStep  float64

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel     string
	TopologyPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                     envInt("KASANE_PORT", 8080),
		ReadTimeout:              envDuration("KASANE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:             envDuration("KASANE_WRITE_TIMEOUT", 30*time.Second),
		DirectEndpoint:           envStr("KASANE_DIRECT_ENDPOINT", ""),
		MediatedEndpoint:         envStr("KASANE_MEDIATED_ENDPOINT", ""),
		PreferredPath:            envStr("KASANE_PREFERRED_PATH", "mediated"),
		PoolMin:                  envInt("KASANE_POOL_MIN", 2),
		PoolMax:                  envInt("KASANE_POOL_MAX", 16),
		PoolAcquireTimeout:       envDuration("KASANE_POOL_ACQUIRE_TIMEOUT", 2*time.Second),
		PoolScaleInterval:        envDuration("KASANE_POOL_SCALE_INTERVAL", 10*time.Second),
		PoolScaleWindows:         envInt("KASANE_POOL_SCALE_WINDOWS", 3),
		PoolScaleUpWait:          envDuration("KASANE_POOL_SCALE_UP_WAIT", 50*time.Millisecond),
		PoolScaleDownPercent:     envFloat("KASANE_POOL_SCALE_DOWN_PERCENT", 0.25),
		BreakerFailureThreshold:  envInt("KASANE_BREAKER_FAILURES", 5),
		BreakerRecoveryTimeout:   envDuration("KASANE_BREAKER_RECOVERY", 30*time.Second),
		BreakerHalfOpenSuccesses: envInt("KASANE_BREAKER_HALF_OPEN_SUCCESSES", 2),
		BreakerHalfOpenMaxCalls:  envInt("KASANE_BREAKER_HALF_OPEN_MAX_CALLS", 1),
		RetryMaxAttempts:         envInt("KASANE_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay:        envDuration("KASANE_RETRY_INITIAL_DELAY", 100*time.Millisecond),
		RetryMaxDelay:            envDuration("KASANE_RETRY_MAX_DELAY", 5*time.Second),
		RetryBase:                envFloat("KASANE_RETRY_BASE", 2.0),
		MaxInFlight:              int64(envInt("KASANE_MAX_IN_FLIGHT", 256)),
		DefaultTaskTimeout:       envDuration("KASANE_TASK_TIMEOUT", 30*time.Second),
		JWTPrivateKeyPath:        envStr("KASANE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:         envStr("KASANE_JWT_PUBLIC_KEY", ""),
		TokenTTL:                 envDuration("KASANE_TOKEN_TTL", 5*time.Minute),
		AdminAPIKey:              envStr("KASANE_ADMIN_API_KEY", ""),
		SQLitePath:               envStr("KASANE_SQLITE_PATH", ""),
		DatabaseURL:              envStr("DATABASE_URL", ""),
		QdrantURL:                envStr("QDRANT_URL", ""),
		QdrantAPIKey:             envStr("QDRANT_API_KEY", ""),
		QdrantCollection:         envStr("KASANE_QDRANT_COLLECTION", "kasane_memory"),
		EmbeddingDimensions:      envInt("KASANE_EMBEDDING_DIMENSIONS", 1024),
		CacheTTL:                 envDuration("KASANE_CACHE_TTL", 5*time.Minute),
		CacheMaxEntries:          envInt("KASANE_CACHE_MAX_ENTRIES", 10000),
		SemCacheTTL:              envDuration("KASANE_SEMCACHE_TTL", 10*time.Minute),
		SemCacheThreshold:        envFloat("KASANE_SEMCACHE_THRESHOLD", 0.9),
		SemCacheMax:              envInt("KASANE_SEMCACHE_MAX_ENTRIES", 5000),
		HealthInterval:           envDuration("KASANE_HEALTH_INTERVAL", 15*time.Second),
		HealthTimeout:            envDuration("KASANE_HEALTH_TIMEOUT", 3*time.Second),
		HealthFailThreshold:      envInt("KASANE_HEALTH_FAIL_THRESHOLD", 3),
		HealthRecoverAfter:       envInt("KASANE_HEALTH_RECOVER_AFTER", 2),
		HealthRecoveryStep:       envFloat("KASANE_HEALTH_RECOVERY_STEP", 0.25),
		OTELEndpoint:             envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:             envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:              envStr("OTEL_SERVICE_NAME", "kasane"),
		LogLevel:                 envStr("KASANE_LOG_LEVEL", "info"),
		TopologyPath:             envStr("KASANE_TOPOLOGY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks scalar invariants. Topology validation happens separately
// in LoadTopology because the file may be absent in embedded use.
func (c Config) Validate() error {
	if c.PoolMin < 0 || c.PoolMax < 1 || c.PoolMin > c.PoolMax {
		return &ValidationError{Field: "pool", Reason: fmt.Sprintf("min/max out of range: [%d, %d]", c.PoolMin, c.PoolMax)}
	}
	if c.PoolAcquireTimeout <= 0 {
		return &ValidationError{Field: "pool.acquire_timeout", Reason: "must be positive"}
	}
	if c.PoolAcquireTimeout >= c.DefaultTaskTimeout {
		return &ValidationError{Field: "pool.acquire_timeout", Reason: "must be smaller than the task timeout"}
	}
	if c.BreakerFailureThreshold < 1 || c.BreakerHalfOpenSuccesses < 1 || c.BreakerHalfOpenMaxCalls < 1 {
		return &ValidationError{Field: "breaker", Reason: "thresholds must be at least 1"}
	}
	if c.BreakerRecoveryTimeout <= 0 {
		return &ValidationError{Field: "breaker.recovery_timeout", Reason: "must be positive"}
	}
	if c.RetryMaxAttempts < 1 {
		return &ValidationError{Field: "retry.max_attempts", Reason: "must be at least 1"}
	}
	if c.RetryInitialDelay > c.RetryMaxDelay {
		return &ValidationError{Field: "retry.initial_delay", Reason: "must not exceed retry.max_delay"}
	}
	if c.RetryBase < 1 {
		return &ValidationError{Field: "retry.base", Reason: "must be at least 1"}
	}
	if c.PreferredPath != "direct" && c.PreferredPath != "mediated" {
		return &ValidationError{Field: "preferred_path", Reason: fmt.Sprintf("unknown path %q", c.PreferredPath)}
	}
	if c.MaxInFlight < 1 {
		return &ValidationError{Field: "max_in_flight", Reason: "must be at least 1"}
	}
	if c.EmbeddingDimensions <= 0 {
		return &ValidationError{Field: "embedding_dimensions", Reason: "must be positive"}
	}
	if c.SemCacheThreshold <= 0 || c.SemCacheThreshold > 1 {
		return &ValidationError{Field: "semcache.threshold", Reason: "must be in (0, 1]"}
	}
	if c.HealthFailThreshold < 1 || c.HealthRecoverAfter < 1 {
		return &ValidationError{Field: "health", Reason: "thresholds must be at least 1"}
	}
	if c.HealthRecoveryStep <= 0 || c.HealthRecoveryStep > 1 {
		return &ValidationError{Field: "health.recovery_step", Reason: "must be in (0, 1]"}
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

package tier

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// pointNamespace maps entry keys to stable Qdrant point IDs, so re-indexing
// a key overwrites its previous point instead of duplicating it.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// IndexConfig holds configuration for connecting to Qdrant.
type IndexConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Match is one semantic search hit.
type Match struct {
	Key   string
	Score float32
}

// Index is the semantic search index over durable entries, backed by
// Qdrant. It is not an ordered tier: it accelerates similarity lookups over
// the system of record, which stays authoritative for values.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("tier: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("tier: invalid port in qdrant URL: %q", portStr)
		}
		// The client speaks gRPC; map the REST port to its gRPC sibling.
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to the Qdrant server via gRPC.
func NewIndex(cfg IndexConfig, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("tier: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the key payload index is present. CreateFieldIndex is idempotent
// on Qdrant, so the index is safely backfilled on every startup.
func (x *Index) EnsureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("tier: check collection exists: %w", err)
	}

	if !exists {
		if err := x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     x.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("tier: create collection %q: %w", x.collection, err)
		}
		x.logger.Info("qdrant: created collection", "collection", x.collection, "dims", x.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: x.collection,
		FieldName:      "key",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("tier: ensure index on key: %w", err)
	}
	return nil
}

// Upsert indexes an entry's embedding under its deterministic point ID.
func (x *Index) Upsert(ctx context.Context, key string, embedding []float32) error {
	pointID := uuid.NewSHA1(pointNamespace, []byte(key))
	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID.String()),
			Vectors: qdrant.NewVectorsDense(embedding),
			Payload: qdrant.NewValueMap(map[string]any{"key": key}),
		}},
	})
	if err != nil {
		return fmt.Errorf("tier: qdrant upsert %q: %w", key, err)
	}
	return nil
}

// Search returns the keys of the entries most similar to the embedding, best
// first, dropping hits below minScore.
func (x *Index) Search(ctx context.Context, embedding []float32, limit int, minScore float32) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	fetchLimit := uint64(limit) //nolint:gosec
	query := &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if minScore > 0 {
		query.ScoreThreshold = &minScore
	}

	scored, err := x.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tier: qdrant search: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		key := sp.Payload["key"].GetStringValue()
		if key == "" {
			x.logger.Warn("qdrant: point without key payload", "id", sp.Id.GetUuid())
			continue
		}
		matches = append(matches, Match{Key: key, Score: sp.Score})
	}
	return matches, nil
}

// Delete removes the points for the given keys.
func (x *Index) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(keys))
	for i, key := range keys {
		pointIDs[i] = qdrant.NewID(uuid.NewSHA1(pointNamespace, []byte(key)).String())
	}

	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("tier: qdrant delete %d points: %w", len(keys), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after cache expiry collapse into a single gRPC
// call via singleflight.
func (x *Index) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, x.healthAt.Load())) < 5*time.Second {
		return x.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := x.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := x.client.HealthCheck(checkCtx)
		if err != nil {
			x.storeHealthErr(fmt.Errorf("tier: qdrant unhealthy: %w", err))
		} else {
			x.storeHealthErr(nil)
		}
		x.healthAt.Store(time.Now().UnixNano())
		return x.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (x *Index) storeHealthErr(err error) {
	x.healthErr.Store(&err)
}

func (x *Index) loadHealthErr() error {
	v := x.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasane-ai/kasane/internal/auth"
	"github.com/kasane-ai/kasane/internal/pool"
	"github.com/kasane-ai/kasane/internal/semcache"
	"github.com/kasane-ai/kasane/internal/tier"
)

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return New(Config{Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second}, deps, nil)
}

func doRequest(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzAllComponentsOK(t *testing.T) {
	s := newTestServer(t, Deps{
		Version: "1.2.3",
		Health: func(ctx context.Context) map[string]error {
			return map[string]error{"durable": nil, "index": nil}
		},
	})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "ok", body.Components["durable"])
	assert.Equal(t, "ok", body.Components["index"])
}

func TestHealthzDegradedComponent(t *testing.T) {
	s := newTestServer(t, Deps{
		Health: func(ctx context.Context) map[string]error {
			return map[string]error{
				"durable": nil,
				"index":   errors.New("connection refused"),
			}
		},
	})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unavailable", body.Components["index"])
	// The raw error must not leak to the caller.
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestMetricsSnapshot(t *testing.T) {
	s := newTestServer(t, Deps{
		Metrics: func(ctx context.Context) Snapshot {
			return Snapshot{
				Pools:    map[string]pool.Stats{"direct": {Open: 3, InUse: 1, Idle: 2, Target: 3}},
				Breakers: map[string]string{"direct": "closed", "mediated": "open"},
				Providers: []ProviderStatus{
					{ID: "alpha", Tier: "primary", Score: 1.0, P95Ms: 12.5},
				},
				Cache: semcache.Stats{Entries: 4, Hits: 7, Misses: 2},
				Tiers: map[string]tier.OpLatency{
					"ephemeral": {Reads: 9, ReadP95: 2 * time.Millisecond, Writes: 4},
				},
				PropagationFailures: 1,
			}
		},
	})

	rec := doRequest(t, s, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.Pools["direct"].Open)
	assert.Equal(t, "open", snap.Breakers["mediated"])
	require.Len(t, snap.Providers, 1)
	assert.Equal(t, "alpha", snap.Providers[0].ID)
	assert.EqualValues(t, 7, snap.Cache.Hits)
	assert.Equal(t, 2*time.Millisecond, snap.Tiers["ephemeral"].ReadP95)
	assert.EqualValues(t, 1, snap.PropagationFailures)
}

func TestProvidersReloadRequiresAdminKey(t *testing.T) {
	hashed, err := auth.HashAdminKey("super-secret")
	require.NoError(t, err)
	key, err := auth.ParseAdminKey(hashed)
	require.NoError(t, err)

	reloaded := false
	s := newTestServer(t, Deps{
		AdminKey: key,
		ReloadProviders: func(ctx context.Context) error {
			reloaded = true
			return nil
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/v1/admin/providers/reload", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reloaded)

	rec = doRequest(t, s, http.MethodPost, "/v1/admin/providers/reload", http.Header{
		"X-Admin-Key": []string{"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reloaded)

	rec = doRequest(t, s, http.MethodPost, "/v1/admin/providers/reload", http.Header{
		"X-Admin-Key": []string{"super-secret"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reloaded)
}

func TestProvidersReloadWithoutConfiguredKey(t *testing.T) {
	s := newTestServer(t, Deps{
		ReloadProviders: func(ctx context.Context) error { return nil },
	})

	rec := doRequest(t, s, http.MethodPost, "/v1/admin/providers/reload", http.Header{
		"X-Admin-Key": []string{"anything"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProvidersReloadFailureMapsTo503(t *testing.T) {
	hashed, err := auth.HashAdminKey("super-secret")
	require.NoError(t, err)
	key, err := auth.ParseAdminKey(hashed)
	require.NoError(t, err)

	s := newTestServer(t, Deps{
		AdminKey: key,
		ReloadProviders: func(ctx context.Context) error {
			return errors.New("topology file corrupt at line 12")
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/v1/admin/providers/reload", http.Header{
		"X-Admin-Key": []string{"super-secret"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "line 12")
}

func TestRecoveryMiddlewareCatchesPanics(t *testing.T) {
	s := newTestServer(t, Deps{
		Metrics: func(ctx context.Context) Snapshot {
			panic("boom")
		},
	})

	rec := doRequest(t, s, http.MethodGet, "/v1/metrics", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestUnknownRouteIs404(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := doRequest(t, s, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodMismatchIs405(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := doRequest(t, s, http.MethodGet, "/v1/admin/providers/reload", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

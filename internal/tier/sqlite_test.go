package tier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kasane.db"), KindConversational, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Put(ctx, "k", []byte("v1"), PutOptions{}))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Upsert replaces the value in place.
	require.NoError(t, s.Put(ctx, "k", []byte("v2"), PutOptions{}))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSQLiteTTLExpiry(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", []byte("v"), PutOptions{TTL: 10 * time.Millisecond}))
	require.NoError(t, s.Put(ctx, "forever", []byte("v"), PutOptions{}))
	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrMiss, "expired entry is a miss")

	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err, "no TTL means no expiry at this tier")
}

func TestSQLitePurgeExpired(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", []byte("v"), PutOptions{TTL: 10 * time.Millisecond}))
	require.NoError(t, s.Put(ctx, "b", []byte("v"), PutOptions{TTL: 10 * time.Millisecond}))
	require.NoError(t, s.Put(ctx, "c", []byte("v"), PutOptions{TTL: time.Hour}))
	time.Sleep(20 * time.Millisecond)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestSQLiteHealthy(t *testing.T) {
	s := newSQLite(t)
	assert.NoError(t, s.Healthy(context.Background()))
	assert.Equal(t, KindConversational, s.Kind())
}

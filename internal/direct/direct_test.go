package direct

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasane-ai/kasane/internal/exec"
)

type staticTokens struct{ token string }

func (s staticTokens) Mint(path, capability string) (string, error) { return s.token, nil }

func newConn(t *testing.T, endpoint string, tokens TokenSource) *Conn {
	t.Helper()
	f := NewFactory(endpoint, tokens, nil)
	c, err := f.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c.(*Conn)
}

func TestInvokePassesPayloadThrough(t *testing.T) {
	var gotCapability, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/invoke", r.URL.Path)
		gotCapability = r.Header.Get("X-Kasane-Capability")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := newConn(t, srv.URL, staticTokens{token: "tok"})
	out, err := c.Invoke(context.Background(), exec.Task{
		Capability: "lookup",
		Payload:    json.RawMessage(`{"q":"hello"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":"hello"}`, string(out))
	assert.Equal(t, "lookup", gotCapability)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.True(t, c.Healthy())
}

func TestInvokeWithoutTokenSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newConn(t, srv.URL, nil)
	_, err := c.Invoke(context.Background(), exec.Task{Capability: "lookup"})
	require.NoError(t, err)
}

func TestInvokeBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newConn(t, srv.URL, nil)
	_, err := c.Invoke(context.Background(), exec.Task{Capability: "lookup"})
	require.Error(t, err)

	var broken *exec.BrokenConnError
	assert.False(t, errors.As(err, &broken), "a status error is a task error, not a broken connection")
	assert.True(t, c.Healthy())
	assert.Contains(t, err.Error(), "503")
}

func TestInvokeTransportFailureMarksBroken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	c := newConn(t, endpoint, nil)
	_, err := c.Invoke(context.Background(), exec.Task{Capability: "lookup"})
	require.Error(t, err)

	var broken *exec.BrokenConnError
	assert.True(t, errors.As(err, &broken))
	assert.False(t, c.Healthy())
}

func TestInvokeCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newConn(t, srv.URL, nil)
	_, err := c.Invoke(ctx, exec.Task{Capability: "lookup"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.Healthy(), "caller cancellation does not condemn the connection")
}

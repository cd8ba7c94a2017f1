package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/middleware"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/internal/session"
)

func TestInjectHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth-User", "mallory")
	req.Header.Set("X-User-Email", "forged@example.com")
	req.Header.Set("X-User-Role", "admin")

	sess := &session.UserSession{
		Provider: "corp",
		UserName: "alice",
		ExpireAt: 1800000000,
		Claims: map[string]any{
			"email":  "alice@example.com",
			"groups": []any{"eng", "ops"},
		},
		ProviderInfo: map[string]any{
			"email":  "ignored@example.com",
			"tenant": float64(42),
		},
	}
	InjectHeaders(req, sess, map[string]string{
		"email":  "X-User-Email",
		"groups": "X-User-Groups",
		"tenant": "X-User-Tenant",
		"role":   "X-User-Role",
	})

	assert.Equal(t, "corp", req.Header.Get("X-Auth-Provider"))
	assert.Equal(t, "alice", req.Header.Get("X-Auth-User"))
	assert.Equal(t, "1800000000", req.Header.Get("X-Auth-Expires-At"))
	assert.Equal(t, "alice@example.com", req.Header.Get("X-User-Email"))
	assert.Equal(t, "eng,ops", req.Header.Get("X-User-Groups"))
	assert.Equal(t, "42", req.Header.Get("X-User-Tenant"))
	assert.Empty(t, req.Header.Values("X-User-Role"))
}

func TestFormatHeaderValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"a", "a"},
		{[]string{"a", "b"}, "a,b"},
		{[]any{"a", 1}, "a,1"},
		{nil, ""},
		{true, "true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatHeaderValue(tt.in))
	}
}

func TestReverseProxy(t *testing.T) {
	var (
		mu           sync.Mutex
		upstream     http.Header
		upstreamHost string
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		upstream = r.Header.Clone()
		upstreamHost = r.Host
		mu.Unlock()
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	t.Cleanup(backend.Close)

	providers := provider.Instances{
		"corp": {ID: "corp", HeaderMappings: map[string]string{"email": "X-User-Email"}},
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("forwards with identity headers", func(t *testing.T) {
		rp, err := NewReverseProxy(config.BackendConfig{URL: backend.URL, Timeout: time.Second}, providers, logger)
		require.NoError(t, err)

		sess := &session.UserSession{Provider: "corp", UserName: "alice", Claims: map[string]any{"email": "alice@example.com"}}
		req := httptest.NewRequest(http.MethodGet, "http://rp.example.com/app/page", nil)
		req = req.WithContext(context.WithValue(req.Context(), middleware.SessionContextKey, sess))

		rec := httptest.NewRecorder()
		rp.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello /app/page", rec.Body.String())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "alice", upstream.Get("X-Auth-User"))
		assert.Equal(t, "alice@example.com", upstream.Get("X-User-Email"))
		assert.Equal(t, "rp.example.com", upstream.Get("X-Forwarded-Host"))
		assert.NotEqual(t, "rp.example.com", upstreamHost)
	})

	t.Run("preserves host", func(t *testing.T) {
		rp, err := NewReverseProxy(config.BackendConfig{URL: backend.URL, PreserveHost: true}, providers, logger)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "http://rp.example.com/", nil)
		req = req.WithContext(context.WithValue(req.Context(), middleware.SessionContextKey, &session.UserSession{Provider: "corp"}))

		rec := httptest.NewRecorder()
		rp.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "rp.example.com", upstreamHost)
	})

	t.Run("requires session", func(t *testing.T) {
		rp, err := NewReverseProxy(config.BackendConfig{URL: backend.URL}, providers, logger)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		rp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unreachable backend", func(t *testing.T) {
		rp, err := NewReverseProxy(config.BackendConfig{URL: "http://127.0.0.1:1"}, providers, logger)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), middleware.SessionContextKey, &session.UserSession{Provider: "corp"}))

		rec := httptest.NewRecorder()
		rp.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

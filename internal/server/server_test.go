package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/oidc-rp/internal/auth/oidc"
	"github.com/marcogenualdo/oidc-rp/internal/broadcast"
	"github.com/marcogenualdo/oidc-rp/internal/cache"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/oidctest"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
)

const baseURL = "https://rp.example.com"

type upstream struct {
	mu      sync.Mutex
	headers http.Header
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.headers = r.Header.Clone()
	u.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (u *upstream) Header(name string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.headers.Get(name)
}

type testServer struct {
	server   *Server
	handler  http.Handler
	idp      *oidctest.Provider
	upstream *upstream
}

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	cfg.Secrets = config.Secrets{
		SessionSecret:     strings.Repeat("s", 32),
		AuthSessionSecret: strings.Repeat("a", 32),
		TokenKey:          base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)),
	}
	return cfg
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{idp: oidctest.Start(t), upstream: &upstream{}}
	backend := httptest.NewServer(ts.upstream)
	t.Cleanup(backend.Close)

	cfg := testConfig(t, `
server:
  base_url: `+baseURL+`
  default_provider: test
metrics:
  enabled: true
backend:
  url: `+backend.URL+`
`)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	client := oidc.NewClient(ts.idp.Client(), 5*time.Second, logger)
	providers := provider.Instances{"test": provider.NewInstance("test", ts.idp.Config(), ts.idp.Client())}

	var err error
	ts.server, err = New(*cfg, cache.NewMemoryCache(), providers, client, logger)
	require.NoError(t, err)
	ts.handler, err = ts.server.Handler()
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"test"`)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `oidc_rp_http_requests_total{method="GET",route="/health",status="200"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/auth/test/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), ts.idp.URL()+"/authorize?"))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/auth/unknown/login", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A provider's form_post is cross-site and must reach the callback.
	req := httptest.NewRequest(http.MethodPost, "/auth/test/callback", strings.NewReader("code=x&state=y"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", ts.idp.URL())
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAPIOriginCheck(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/_auth/session", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", strings.TrimSpace(rec.Body.String()))

	for _, target := range []struct{ method, path string }{
		{http.MethodDelete, "/api/_auth/session"},
		{http.MethodPost, "/api/_auth/refresh"},
	} {
		req := httptest.NewRequest(target.method, target.path, nil)
		req.Header.Set("Origin", "https://evil.example")
		assert.Equal(t, http.StatusForbidden, ts.do(req).Code, target.path)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/_auth/session", nil)
	req.Header.Set("Origin", baseURL)
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestProtectedUpstream(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/app?tab=1", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/test/login?redirect=%2Fapp%3Ftab%3D1", rec.Header().Get("Location"))

	// Follow the login through the fake provider.
	login := ts.do(httptest.NewRequest(http.MethodGet, rec.Header().Get("Location"), nil))
	require.Equal(t, http.StatusFound, login.Code)
	authorize, err := url.Parse(login.Header().Get("Location"))
	require.NoError(t, err)
	q := authorize.Query()
	code := ts.idp.IssueCode(q.Get("nonce"), q.Get("code_challenge"))

	callback := httptest.NewRequest(http.MethodGet, "/auth/test/callback?"+url.Values{
		"code":  {code},
		"state": {q.Get("state")},
	}.Encode(), nil)
	for _, c := range login.Result().Cookies() {
		callback.AddCookie(c)
	}
	done := ts.do(callback)
	require.Equal(t, http.StatusFound, done.Code, done.Body.String())
	assert.Equal(t, "/app?tab=1", done.Header().Get("Location"))

	app := httptest.NewRequest(http.MethodGet, "/app?tab=1", nil)
	for _, c := range done.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			app.AddCookie(c)
		}
	}
	rec = ts.do(app)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", ts.upstream.Header("X-Auth-Provider"))
	assert.NotEmpty(t, ts.upstream.Header("X-Auth-Expires-At"))
}

func TestRedisStorageUsesRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, `
storage:
  type: redis
  redis:
    address: `+mr.Addr()+`
`)
	store, err := cache.New(cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s, err := New(*cfg, store, provider.Instances{}, oidc.NewClient(nil, time.Second, logger), logger)
	require.NoError(t, err)
	require.NotNil(t, s.relay)
	assert.Same(t, s.relay, s.broadcaster)

	require.NoError(t, s.startRelay())
	t.Cleanup(func() {
		s.stopRelay()
		<-s.relayDone
	})

	sub := s.broadcaster.Subscribe("sub-1")
	defer sub.Close()

	// Another instance publishing on the shared channel reaches this one.
	other := broadcast.NewRedisRelay(broadcast.NewHub(), store.(*cache.RedisCache).Client(), cfg.Storage.Redis.LogoutChannel, nil, logger)
	require.NoError(t, other.Publish(context.Background(), "sub-1"))

	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("logout event not relayed")
	}
}

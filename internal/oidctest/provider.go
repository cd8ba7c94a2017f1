// Package oidctest runs a disposable identity provider for tests. It serves
// discovery, JWKS, authorize, token, userinfo and logout endpoints and records
// every token request it receives.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/oidc-rp/internal/provider"
)

const keyID = "test-key"

// TokenCall is one request received by the token endpoint.
type TokenCall struct {
	Params      map[string]string
	ContentType string
	BasicUser   string
	BasicPass   string
	HasBasic    bool
}

type grant struct {
	nonce     string
	challenge string
}

type Provider struct {
	t      testing.TB
	server *httptest.Server
	key    *rsa.PrivateKey
	jwks   jose.JSONWebKeySet

	mu              sync.Mutex
	clientID        string
	subject         string
	customClaims    map[string]any
	issueRefresh    bool
	userInfo        map[string]any
	userInfoStatus  int
	tokenError      map[string]any
	tokenErrorCode  int
	tokenDelay      time.Duration
	accessAudience  string
	grants          map[string]grant
	tokenCalls      []TokenCall
	userInfoCalls   int
	refreshSequence int
}

func Start(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Provider{
		t:              t,
		key:            key,
		clientID:       "test-client",
		subject:        "user-1",
		issueRefresh:   true,
		userInfoStatus: http.StatusOK,
		userInfo: map[string]any{
			"sub":   "user-1",
			"email": "user@example.com",
			"name":  "Test User",
		},
		grants: make(map[string]grant),
		jwks: jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}},
	}

	p.server = httptest.NewServer(p)
	t.Cleanup(p.server.Close)
	return p
}

func (p *Provider) URL() string { return p.server.URL }

func (p *Provider) Client() *http.Client { return p.server.Client() }

// Config returns a generic provider configuration pointing at this server.
func (p *Provider) Config() *provider.Config {
	return &provider.Config{
		ClientID:             p.clientID,
		ClientSecret:         "test-secret",
		RedirectURI:          "https://rp.example.com/auth/test/callback",
		AuthorizationURL:     p.server.URL + "/authorize",
		TokenURL:             p.server.URL + "/token",
		UserInfoURL:          p.server.URL + "/userinfo",
		LogoutURL:            p.server.URL + "/logout",
		Issuer:               p.server.URL,
		ResponseType:         "code",
		GrantType:            "authorization_code",
		AuthenticationScheme: provider.AuthSchemeHeader,
		TokenRequestType:     provider.TokenRequestFormURLEncoded,
		Scope:                provider.StringList{"openid", "profile"},
		State:                true,
		PKCE:                 true,
		CodeVerifierLength:   64,
		IdentityClaim:        "sub",
		RequiredProperties:   []string{"client_id", "redirect_uri", "authorization_url", "token_url"},
	}
}

func (p *Provider) Document() *provider.Document {
	return &provider.Document{
		Issuer:                p.server.URL,
		AuthorizationEndpoint: p.server.URL + "/authorize",
		TokenEndpoint:         p.server.URL + "/token",
		UserInfoEndpoint:      p.server.URL + "/userinfo",
		JWKSURI:               p.server.URL + "/keys",
		EndSessionEndpoint:    p.server.URL + "/logout",
	}
}

func (p *Provider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = sub
	p.userInfo["sub"] = sub
}

func (p *Provider) SetCustomClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

func (p *Provider) SetIssueRefreshToken(issue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issueRefresh = issue
}

func (p *Provider) SetAccessTokenAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessAudience = aud
}

func (p *Provider) SetUserInfo(status int, info map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoStatus = status
	p.userInfo = info
}

// SetTokenError makes the token endpoint reply with the given status and JSON
// body. A zero status restores normal behaviour.
func (p *Provider) SetTokenError(status int, body map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrorCode = status
	p.tokenError = body
}

func (p *Provider) SetTokenDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = d
}

func (p *Provider) TokenCalls() []TokenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TokenCall(nil), p.tokenCalls...)
}

func (p *Provider) UserInfoCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userInfoCalls
}

// IssueCode registers an authorization code as if /authorize had been
// completed for the given nonce and PKCE challenge.
func (p *Provider) IssueCode(nonce, challenge string) string {
	code := randomString(p.t)
	p.mu.Lock()
	p.grants[code] = grant{nonce: nonce, challenge: challenge}
	p.mu.Unlock()
	return code
}

// SignToken signs claims with the provider key, filling iss, iat and exp when
// absent.
func (p *Provider) SignToken(claims map[string]any) string {
	p.t.Helper()

	out := map[string]any{
		"iss": p.server.URL,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		out[k] = v
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	require.NoError(p.t, err)

	raw, err := jwt.Signed(signer).Claims(out).Serialize()
	require.NoError(p.t, err)
	return raw
}

func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		p.writeJSON(w, http.StatusOK, p.Document())
	case "/keys":
		p.writeJSON(w, http.StatusOK, p.jwks)
	case "/authorize":
		p.handleAuthorize(w, r)
	case "/token":
		p.handleToken(w, r)
	case "/userinfo":
		p.handleUserInfo(w, r)
	case "/logout":
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURI.String() == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := p.IssueCode(q.Get("nonce"), q.Get("code_challenge"))

	params := redirectURI.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	if strings.Contains(q.Get("response_type"), "id_token") {
		params.Set("id_token", p.SignToken(map[string]any{
			"sub":   p.currentSubject(),
			"aud":   p.clientID,
			"nonce": q.Get("nonce"),
		}))
	}
	redirectURI.RawQuery = params.Encode()

	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	call := TokenCall{
		Params:      readParams(p.t, r),
		ContentType: r.Header.Get("Content-Type"),
	}
	call.BasicUser, call.BasicPass, call.HasBasic = r.BasicAuth()

	p.mu.Lock()
	p.tokenCalls = append(p.tokenCalls, call)
	delay := p.tokenDelay
	errStatus, errBody := p.tokenErrorCode, p.tokenError
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if errStatus != 0 {
		p.writeJSON(w, errStatus, errBody)
		return
	}

	switch call.Params["grant_type"] {
	case "authorization_code":
		p.mu.Lock()
		g, ok := p.grants[call.Params["code"]]
		delete(p.grants, call.Params["code"])
		p.mu.Unlock()

		if !ok {
			p.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "unknown code"})
			return
		}
		if g.challenge != "" && challenge(call.Params["code_verifier"]) != g.challenge {
			p.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "pkce verification failed"})
			return
		}
		p.writeJSON(w, http.StatusOK, p.tokenResponse(g.nonce, "refresh-0"))

	case "refresh_token":
		p.mu.Lock()
		p.refreshSequence++
		next := fmt.Sprintf("refresh-%d", p.refreshSequence)
		p.mu.Unlock()
		p.writeJSON(w, http.StatusOK, p.tokenResponse("", next))

	default:
		p.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

func (p *Provider) tokenResponse(nonce, refresh string) map[string]any {
	p.mu.Lock()
	sub := p.subject
	aud := p.accessAudience
	custom := p.customClaims
	issueRefresh := p.issueRefresh
	p.mu.Unlock()

	if aud == "" {
		aud = p.clientID
	}

	accessClaims := map[string]any{"sub": sub, "aud": aud, "scope": "openid profile"}
	idClaims := map[string]any{"sub": sub, "aud": p.clientID}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	for k, v := range custom {
		accessClaims[k] = v
		idClaims[k] = v
	}

	resp := map[string]any{
		"access_token": p.SignToken(accessClaims),
		"id_token":     p.SignToken(idClaims),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if issueRefresh {
		resp["refresh_token"] = refresh
	}
	return resp
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.userInfoCalls++
	status, info := p.userInfoStatus, p.userInfo
	p.mu.Unlock()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.writeJSON(w, status, info)
}

func (p *Provider) currentSubject() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subject
}

func (p *Provider) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(p.t, json.NewEncoder(w).Encode(v))
}

func readParams(t testing.TB, r *http.Request) map[string]string {
	params := make(map[string]string)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &params))
	case "multipart/form-data":
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for k := range r.MultipartForm.Value {
			params[k] = r.MultipartForm.Value[k][0]
		}
	default:
		require.NoError(t, r.ParseForm())
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
	}
	return params
}

func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomString(t testing.TB) string {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(b)
}

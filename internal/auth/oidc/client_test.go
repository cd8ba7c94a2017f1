package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/marcogenualdo/oidc-rp/internal/oidctest"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

func TestExchangeAuthSchemesAndEncodings(t *testing.T) {
	tests := []struct {
		name        string
		scheme      provider.AuthenticationScheme
		requestType provider.TokenRequestType
		contentType string
	}{
		{"header form-urlencoded", provider.AuthSchemeHeader, provider.TokenRequestFormURLEncoded, "application/x-www-form-urlencoded"},
		{"body json", provider.AuthSchemeBody, provider.TokenRequestJSON, "application/json"},
		{"none multipart", provider.AuthSchemeNone, provider.TokenRequestForm, "multipart/form-data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := oidctest.Start(t)
			client := NewClient(idp.Client(), 5*time.Second, nil)

			cfg := idp.Config()
			cfg.AuthenticationScheme = tt.scheme
			cfg.TokenRequestType = tt.requestType
			cfg.ScopeInTokenRequest = true
			cfg.AdditionalTokenParameters = map[string]string{"resourceId": "api"}

			code := idp.IssueCode("", "")
			token, err := client.Exchange(context.Background(), cfg, code, "")
			require.NoError(t, err)
			assert.NotEmpty(t, token.AccessToken)
			assert.Equal(t, "refresh-0", token.RefreshToken)
			assert.NotEmpty(t, token.Extra("id_token"))
			assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiry, time.Minute)

			calls := idp.TokenCalls()
			require.Len(t, calls, 1)
			call := calls[0]

			assert.True(t, strings.HasPrefix(call.ContentType, tt.contentType), call.ContentType)
			assert.Equal(t, "authorization_code", call.Params["grant_type"])
			assert.Equal(t, cfg.ClientID, call.Params["client_id"])
			assert.Equal(t, cfg.RedirectURI, call.Params["redirect_uri"])
			assert.Equal(t, "openid profile", call.Params["scope"])
			assert.Equal(t, "api", call.Params["resource_id"])
			assert.NotContains(t, call.Params, "code_verifier")

			switch tt.scheme {
			case provider.AuthSchemeHeader:
				assert.True(t, call.HasBasic)
				assert.Equal(t, cfg.ClientID, call.BasicUser)
				assert.Equal(t, cfg.ClientSecret, call.BasicPass)
				assert.NotContains(t, call.Params, "client_secret")
			case provider.AuthSchemeBody:
				assert.False(t, call.HasBasic)
				assert.Equal(t, cfg.ClientSecret, call.Params["client_secret"])
			case provider.AuthSchemeNone:
				assert.False(t, call.HasBasic)
				assert.NotContains(t, call.Params, "client_secret")
			}
		})
	}
}

func TestExchangeSendsCodeVerifier(t *testing.T) {
	idp := oidctest.Start(t)
	client := NewClient(idp.Client(), 0, nil)

	verifier := strings.Repeat("v", 50)
	code := idp.IssueCode("", security.CodeChallenge(verifier))

	_, err := client.Exchange(context.Background(), idp.Config(), code, verifier)
	require.NoError(t, err)

	calls := idp.TokenCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, verifier, calls[0].Params["code_verifier"])
}

func TestExchangeProviderError(t *testing.T) {
	idp := oidctest.Start(t)
	idp.SetTokenError(http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "AADSTS65001: consent needed",
		"suberror":          "consent_required",
	})
	client := NewClient(idp.Client(), 0, nil)

	_, err := client.Exchange(context.Background(), idp.Config(), "code", "")
	require.Error(t, err)

	var rErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rErr))
	assert.Equal(t, "invalid_grant", rErr.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, rErr.Response.StatusCode)
	assert.True(t, ConsentRequired(err))
}

func TestConsentRequired(t *testing.T) {
	assert.False(t, ConsentRequired(nil))
	assert.False(t, ConsentRequired(errors.New("boom")))
	assert.True(t, ConsentRequired(&oauth2.RetrieveError{ErrorCode: "consent_required"}))
	assert.False(t, ConsentRequired(&oauth2.RetrieveError{ErrorCode: "invalid_grant", Body: []byte("not json")}))
}

func TestExchangeErrorOnSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad_verification_code"})
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), 0, nil)
	_, err := client.Exchange(context.Background(), &provider.Config{TokenURL: srv.URL}, "c", "")

	var rErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rErr))
	assert.Equal(t, "bad_verification_code", rErr.ErrorCode)
}

func TestExchangeFormEncodedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte("access_token=gho_abc&token_type=bearer&expires_in=60"))
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), 0, nil)
	token, err := client.Exchange(context.Background(), &provider.Config{TokenURL: srv.URL}, "c", "")
	require.NoError(t, err)
	assert.Equal(t, "gho_abc", token.AccessToken)
	assert.Equal(t, int64(60), token.ExpiresIn)
}

func TestExchangeMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), 0, nil)
	_, err := client.Exchange(context.Background(), &provider.Config{TokenURL: srv.URL}, "c", "")
	assert.ErrorIs(t, err, ErrMissingAccessToken)
}

func TestExchangeTimeout(t *testing.T) {
	idp := oidctest.Start(t)
	idp.SetTokenDelay(200 * time.Millisecond)
	client := NewClient(idp.Client(), 20*time.Millisecond, nil)

	_, err := client.Exchange(context.Background(), idp.Config(), idp.IssueCode("", ""), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefresh(t *testing.T) {
	idp := oidctest.Start(t)
	client := NewClient(idp.Client(), 0, nil)

	cfg := idp.Config()
	cfg.AuthenticationScheme = provider.AuthSchemeBody

	token, err := client.Refresh(context.Background(), cfg, "refresh-0")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", token.RefreshToken)

	calls := idp.TokenCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "refresh_token", calls[0].Params["grant_type"])
	assert.Equal(t, "refresh-0", calls[0].Params["refresh_token"])
	assert.Equal(t, cfg.ClientSecret, calls[0].Params["client_secret"])
	assert.NotContains(t, calls[0].Params, "code")
}

func TestUserInfo(t *testing.T) {
	idp := oidctest.Start(t)
	client := NewClient(idp.Client(), 0, nil)

	info, err := client.UserInfo(context.Background(), idp.Config(), "at")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", info["email"])

	idp.SetUserInfo(http.StatusInternalServerError, map[string]any{})
	_, err = client.UserInfo(context.Background(), idp.Config(), "at")
	assert.Error(t, err)

	_, err = client.UserInfo(context.Background(), &provider.Config{}, "at")
	assert.ErrorIs(t, err, ErrNoUserInfoEndpoint)
}

func TestVerify(t *testing.T) {
	idp := oidctest.Start(t)
	client := NewClient(idp.Client(), 0, nil)
	doc := idp.Document()

	raw := idp.SignToken(map[string]any{"sub": "user-1", "aud": "test-client"})

	claims, err := client.Verify(context.Background(), doc, "test-client", raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])

	_, err = client.Verify(context.Background(), doc, "other-audience", raw)
	assert.Error(t, err)

	wrongIssuer := *doc
	wrongIssuer.Issuer = "https://elsewhere.example.com"
	_, err = client.Verify(context.Background(), &wrongIssuer, "test-client", raw)
	assert.Error(t, err)

	tampered := raw[:len(raw)-4] + "AAAA"
	_, err = client.Verify(context.Background(), doc, "test-client", tampered)
	assert.Error(t, err)

	expired := idp.SignToken(map[string]any{"sub": "user-1", "aud": "test-client", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err = client.Verify(context.Background(), doc, "test-client", expired)
	assert.Error(t, err)

	_, err = client.Verify(context.Background(), &provider.Document{}, "", raw)
	assert.ErrorIs(t, err, provider.ErrNoOpenIDConfiguration)
}

func TestVerifyTenantIssuer(t *testing.T) {
	idp := oidctest.Start(t)
	client := NewClient(idp.Client(), 0, nil)
	doc := idp.Document()
	doc.Issuer = idp.URL() + "/{tenantid}/v2.0"

	tests := []struct {
		name    string
		claims  map[string]any
		wantErr bool
	}{
		{
			name:   "issuer matches tenant",
			claims: map[string]any{"iss": idp.URL() + "/tenant-a/v2.0", "tid": "tenant-a"},
		},
		{
			name:    "issuer from another tenant",
			claims:  map[string]any{"iss": idp.URL() + "/tenant-b/v2.0", "tid": "tenant-a"},
			wantErr: true,
		},
		{
			name:    "issuer of the host itself",
			claims:  map[string]any{"iss": idp.URL(), "tid": "tenant-a"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.claims["sub"] = "user-1"
			tt.claims["aud"] = "test-client"
			_, err := client.Verify(context.Background(), doc, "test-client", idp.SignToken(tt.claims))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTokenIssuer(t *testing.T) {
	idp := oidctest.Start(t)
	tmpl := "https://login.example.com/{tenantid}/v2.0"

	assert.Equal(t, "https://login.example.com/t1/v2.0", tokenIssuer(tmpl, idp.SignToken(map[string]any{"tid": "t1"})))
	assert.Equal(t, tmpl, tokenIssuer(tmpl, idp.SignToken(map[string]any{})))
	assert.Equal(t, tmpl, tokenIssuer(tmpl, "not-a-jwt"))
	assert.Equal(t, "https://idp", tokenIssuer("https://idp", "not-a-jwt"))
}

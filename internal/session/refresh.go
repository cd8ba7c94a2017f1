package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

// Refresh redeems the stored refresh token and rewrites both the persistent
// record and the cookie. Concurrent refreshes of the same session share one
// token request. The boolean reports whether a refresh took place: a missing
// persistent record under the warn or silent policy returns the session
// unchanged with a nil error.
func (m *Manager) Refresh(w http.ResponseWriter, r *http.Request) (*UserSession, bool, error) {
	ctx := r.Context()
	sess := m.Get(r)
	if sess.IsZero() {
		return sess, false, ErrUnauthenticated
	}
	if !sess.CanRefresh {
		return sess, false, ErrCannotRefresh
	}
	if m.refresher == nil {
		return sess, false, ErrCannotRefresh
	}

	inst, err := m.providers.Get(sess.Provider)
	if err != nil {
		return sess, false, err
	}
	if err := m.hooks.Refresh(ctx, sess); err != nil {
		return sess, false, fmt.Errorf("refresh hook: %w", err)
	}

	policy := m.Policy(sess.Provider)
	key := storageKey(sess)

	v, err, shared := m.group.Do(key, func() (any, error) {
		return m.rotate(context.WithoutCancel(ctx), inst.Config, key, policy.MaxAge)
	})
	if shared {
		m.logger.Debug("Joined in-flight refresh", "provider", sess.Provider)
	}

	if errors.Is(err, ErrMissingPersistentSession) {
		m.metrics.Refresh(sess.Provider, "missing")
		switch policy.MissingSessionAction() {
		case MissingWarn:
			m.logger.Warn("Persistent session missing, keeping session", "provider", sess.Provider)
			return sess, false, nil
		case MissingSilent:
			return sess, false, nil
		default:
			if cerr := m.clear(ctx, w, sess); cerr != nil {
				m.logger.Warn("Failed to clear session", "provider", sess.Provider, "error", cerr)
			}
			return &UserSession{}, false, err
		}
	}
	if err != nil {
		m.metrics.Refresh(sess.Provider, "error")
		m.logger.Warn("Token refresh failed", "provider", sess.Provider, "error", err)
		return sess, false, err
	}

	tokens := v.(*Tokens)
	sess.UpdatedAt = m.now().Unix()
	sess.ExpireAt = tokens.ExpiresAt
	sess.CanRefresh = tokens.RefreshToken != ""
	if inst.Config.ExposeAccessToken {
		sess.AccessToken = tokens.AccessToken
	}
	if inst.Config.ExposeIDToken && tokens.IDToken != "" {
		sess.IDToken = tokens.IDToken
	}
	if len(inst.Config.OptionalClaims) > 0 && tokens.IDToken != "" {
		if claims := ExtractClaims(tokens.IDToken, inst.Config.OptionalClaims); len(claims) > 0 {
			sess.Claims = claims
		}
	}

	if err := m.write(w, sess); err != nil {
		m.metrics.Refresh(sess.Provider, "error")
		return sess, false, err
	}

	m.metrics.Refresh(sess.Provider, "success")
	m.logger.Info("Session refreshed", "provider", sess.Provider)
	return sess, true, nil
}

func (m *Manager) rotate(ctx context.Context, cfg *provider.Config, key string, ttl time.Duration) (*Tokens, error) {
	record, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if record.RefreshToken == nil {
		return nil, ErrCannotRefresh
	}

	refreshToken, err := m.cipher.Decrypt(*record.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token, err := m.refresher.Refresh(ctx, cfg, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	tokens := TokensFrom(cfg, token)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if tokens.IDToken == "" && record.IDToken != nil {
		if tokens.IDToken, err = m.cipher.Decrypt(*record.IDToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt id token: %w", err)
		}
	}

	if err := m.persist(ctx, key, tokens, ttl); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// TokenExpiry returns the access token's exp claim, falling back to the
// token endpoint's expires_in when the token is opaque or parsing is
// disabled for the provider.
func TokenExpiry(cfg *provider.Config, accessToken string, expiry time.Time) int64 {
	if !cfg.SkipAccessTokenParsing {
		if claims, err := security.DecodeJWT(accessToken); err == nil {
			if exp := security.ClaimUnix(claims, "exp"); exp > 0 {
				return exp
			}
		}
	}
	if !expiry.IsZero() {
		return expiry.Unix()
	}
	return 0
}

// ExtractClaims copies the named claims out of an unverified JWT.
func ExtractClaims(raw string, names []string) map[string]any {
	claims, err := security.DecodeJWT(raw)
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := claims[name]; ok {
			out[name] = v
		}
	}
	return out
}

// TokensFrom splits an oauth2 token into the fields a session persists.
func TokensFrom(cfg *provider.Config, token *oauth2.Token) Tokens {
	t := Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    TokenExpiry(cfg, token.AccessToken, token.Expiry),
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		t.IDToken = idToken
	}
	return t
}

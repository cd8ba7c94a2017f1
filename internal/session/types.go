package session

import (
	"context"
	"errors"

	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

var (
	ErrUnauthenticated          = errors.New("no active session")
	ErrSessionExpired           = errors.New("session expired")
	ErrMissingPersistentSession = errors.New("persistent session not found")
	ErrCannotRefresh            = errors.New("session cannot be refreshed")
	ErrRefreshFailed            = errors.New("token refresh failed")
)

// UserSession is the authenticated session carried in the sealed session
// cookie and returned by the session API.
type UserSession struct {
	Provider      string         `json:"provider,omitempty"`
	CanRefresh    bool           `json:"canRefresh,omitempty"`
	LoggedInAt    int64          `json:"loggedInAt,omitempty"`
	UpdatedAt     int64          `json:"updatedAt,omitempty"`
	ExpireAt      int64          `json:"expireAt,omitempty"`
	UserName      string         `json:"userName,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
	ProviderInfo  map[string]any `json:"providerInfo,omitempty"`
	AccessToken   string         `json:"accessToken,omitempty"`
	IDToken       string         `json:"idToken,omitempty"`
	SingleSignOut bool           `json:"singleSignOut,omitempty"`

	ID       string `json:"-"`
	Identity string `json:"-"`
}

func (s *UserSession) IsZero() bool {
	return s == nil || s.ID == ""
}

// cookiePayload is what gets sealed into the session cookie.
type cookiePayload struct {
	ID       string      `json:"id"`
	Identity string      `json:"identity,omitempty"`
	Exp      int64       `json:"exp"`
	Session  UserSession `json:"session"`
}

// PersistentSession is the server-side record holding encrypted tokens.
type PersistentSession struct {
	Exp          int64                    `json:"exp"`
	Iat          int64                    `json:"iat"`
	AccessToken  security.EncryptedToken  `json:"accessToken"`
	RefreshToken *security.EncryptedToken `json:"refreshToken,omitempty"`
	IDToken      *security.EncryptedToken `json:"idToken,omitempty"`
}

// Tokens are the plaintext tokens handed to Establish and produced by a
// refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    int64
}

// Hooks are called around session reads, clears and refreshes. Returning an
// error vetoes the operation.
type Hooks interface {
	Fetch(ctx context.Context, s *UserSession) error
	Clear(ctx context.Context, s *UserSession) error
	Refresh(ctx context.Context, s *UserSession) error
}

type NopHooks struct{}

func (NopHooks) Fetch(context.Context, *UserSession) error   { return nil }
func (NopHooks) Clear(context.Context, *UserSession) error   { return nil }
func (NopHooks) Refresh(context.Context, *UserSession) error { return nil }

type ErrorBehavior string

const (
	ErrorBehaviorThrow    ErrorBehavior = "throw"
	ErrorBehaviorRedirect ErrorBehavior = "redirect"
)

type RequireOptions struct {
	ErrorBehavior ErrorBehavior
}

type MissingSessionPolicy string

const (
	MissingClear  MissingSessionPolicy = "clear"
	MissingWarn   MissingSessionPolicy = "warn"
	MissingSilent MissingSessionPolicy = "silent"
)

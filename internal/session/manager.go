package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/marcogenualdo/oidc-rp/internal/broadcast"
	"github.com/marcogenualdo/oidc-rp/internal/cache"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/metrics"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

const storeNamespace = "sessions:"

// Refresher redeems refresh tokens at the provider.
type Refresher interface {
	Refresh(ctx context.Context, cfg *provider.Config, refreshToken string) (*oauth2.Token, error)
}

type Options struct {
	Session     config.SessionConfig
	Server      config.ServerConfig
	Providers   provider.Instances
	Store       cache.Cache
	Cipher      *security.TokenCipher
	Sealer      *security.Sealer
	Refresher   Refresher
	Broadcaster broadcast.Broadcaster
	Hooks       Hooks
	Metrics     *metrics.Collectors
	Logger      *slog.Logger
}

// Manager owns the session cookie and the persistent token store. It is the
// only component that mutates either.
type Manager struct {
	cfg         config.SessionConfig
	server      config.ServerConfig
	providers   provider.Instances
	store       cache.Cache
	cipher      *security.TokenCipher
	sealer      *security.Sealer
	refresher   Refresher
	broadcaster broadcast.Broadcaster
	hooks       Hooks
	metrics     *metrics.Collectors
	logger      *slog.Logger

	group singleflight.Group
	now   func() time.Time
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Cipher == nil || opts.Sealer == nil {
		return nil, errors.New("session cipher and sealer are required")
	}
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		cfg:         opts.Session,
		server:      opts.Server,
		providers:   opts.Providers,
		store:       cache.Namespace(opts.Store, storeNamespace),
		cipher:      opts.Cipher,
		sealer:      opts.Sealer,
		refresher:   opts.Refresher,
		broadcaster: opts.Broadcaster,
		hooks:       opts.Hooks,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}, nil
}

// Policy returns the effective session settings for a provider id.
func (m *Manager) Policy(providerID string) Policy {
	var override provider.SessionPolicy
	if inst, err := m.providers.Get(providerID); err == nil {
		override = inst.Config.Session
	}
	return resolvePolicy(m.cfg, override)
}

// Get returns the current session, or an empty session when the cookie is
// absent, invalid or past its lifetime.
func (m *Manager) Get(r *http.Request) *UserSession {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return &UserSession{}
	}

	var payload cookiePayload
	if err := m.sealer.Open(cookie.Value, &payload); err != nil {
		m.logger.Debug("Ignoring unreadable session cookie", "error", err)
		return &UserSession{}
	}
	if payload.Exp > 0 && payload.Exp <= m.now().Unix() {
		return &UserSession{}
	}

	sess := payload.Session
	sess.ID = payload.ID
	sess.Identity = payload.Identity
	return &sess
}

// ID returns the key the session's persistent record is stored under.
func (m *Manager) ID(r *http.Request) string {
	return storageKey(m.Get(r))
}

func storageKey(s *UserSession) string {
	if s.SingleSignOut && s.Identity != "" {
		return s.Identity
	}
	return s.ID
}

// Set merges data over the current session and rewrites the cookie. Non-zero
// fields of data win. Zero values in data leave the current value in place,
// so Set cannot reset a field such as CanRefresh to false. A non-nil Claims
// or ProviderInfo map replaces the current map as a whole. A new session id
// is assigned when there is no current session.
func (m *Manager) Set(w http.ResponseWriter, r *http.Request, data UserSession) (*UserSession, error) {
	current := m.Get(r)
	if current.IsZero() {
		current = &UserSession{ID: uuid.NewString(), LoggedInAt: m.now().Unix()}
	}
	id, identity := current.ID, current.Identity
	claims, info := data.Claims, data.ProviderInfo
	data.Claims, data.ProviderInfo = nil, nil

	if err := mergo.Merge(current, data, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge session: %w", err)
	}
	current.ID, current.Identity = id, identity
	if claims != nil {
		current.Claims = claims
	}
	if info != nil {
		current.ProviderInfo = info
	}

	if err := m.write(w, current); err != nil {
		return nil, err
	}
	return current, nil
}

// Establish starts a new session after a successful login. The persistent
// record is written when a refresh token was issued or when single sign-out
// is enabled, in which case it is keyed by identity.
func (m *Manager) Establish(ctx context.Context, w http.ResponseWriter, sess UserSession, identity string, tokens Tokens) (*UserSession, error) {
	policy := m.Policy(sess.Provider)

	sess.ID = uuid.NewString()
	sess.CanRefresh = tokens.RefreshToken != ""
	sess.SingleSignOut = policy.SingleSignOut
	if policy.SingleSignOut {
		if identity == "" {
			m.logger.Warn("Single sign-out enabled but no identity claim present, keying by session", "provider", sess.Provider)
			identity = sess.ID
		}
		sess.Identity = identity
	}
	if sess.LoggedInAt == 0 {
		sess.LoggedInAt = m.now().Unix()
	}
	if sess.UpdatedAt == 0 {
		sess.UpdatedAt = sess.LoggedInAt
	}

	if sess.CanRefresh || policy.SingleSignOut {
		if err := m.persist(ctx, storageKey(&sess), tokens, policy.MaxAge); err != nil {
			return nil, err
		}
	}

	if err := m.write(w, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Clear runs the clear hook, deletes the persistent record, notifies other
// sessions of the same identity when single sign-out is on and expires the
// cookie. Clearing an absent session only expires the cookie.
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) error {
	return m.clear(r.Context(), w, m.Get(r))
}

func (m *Manager) clear(ctx context.Context, w http.ResponseWriter, sess *UserSession) error {
	if sess.IsZero() {
		http.SetCookie(w, security.ClearCookie(m.server, m.cfg.CookieName, "/"))
		return nil
	}

	if err := m.hooks.Clear(ctx, sess); err != nil {
		return fmt.Errorf("clear hook: %w", err)
	}

	key := storageKey(sess)
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("Failed to delete persistent session", "provider", sess.Provider, "error", err)
	}

	if sess.SingleSignOut && sess.Identity != "" && m.broadcaster != nil {
		if err := m.broadcaster.Publish(ctx, sess.Identity); err != nil {
			m.logger.Warn("Failed to broadcast logout", "provider", sess.Provider, "error", err)
		}
	}

	http.SetCookie(w, security.ClearCookie(m.server, m.cfg.CookieName, "/"))
	m.metrics.Logout(sess.Provider)
	m.logger.Info("Session cleared", "provider", sess.Provider)
	return nil
}

// FetchForAPI returns the current session after the fetch hook had a chance
// to veto or decorate it.
func (m *Manager) FetchForAPI(r *http.Request) (*UserSession, error) {
	sess := m.Get(r)
	if sess.IsZero() {
		return sess, nil
	}
	if err := m.hooks.Fetch(r.Context(), sess); err != nil {
		return nil, fmt.Errorf("fetch hook: %w", err)
	}
	return sess, nil
}

// UnauthorizedError is returned by Require. Behavior tells the caller whether
// to answer 401 or redirect to the provider's login route.
type UnauthorizedError struct {
	Behavior ErrorBehavior
	Provider string
	Err      error
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Err.Error()
}

func (e *UnauthorizedError) Unwrap() error {
	return e.Err
}

// Require returns the session or an *UnauthorizedError. Expired sessions are
// refreshed when automatic refresh is on, otherwise cleared.
func (m *Manager) Require(w http.ResponseWriter, r *http.Request, opts RequireOptions) (*UserSession, error) {
	sess := m.Get(r)
	fail := func(err error) (*UserSession, error) {
		return nil, &UnauthorizedError{Behavior: opts.ErrorBehavior, Provider: sess.Provider, Err: err}
	}

	if sess.IsZero() {
		return fail(ErrUnauthenticated)
	}

	policy := m.Policy(sess.Provider)
	if !policy.ExpirationCheck || sess.ExpireAt == 0 {
		return sess, nil
	}
	if sess.ExpireAt-int64(policy.ExpirationThreshold.Seconds()) > m.now().Unix() {
		return sess, nil
	}

	if policy.AutomaticRefresh && sess.CanRefresh {
		refreshed, _, err := m.Refresh(w, r)
		if err == nil {
			return refreshed, nil
		}
		m.logger.Warn("Automatic refresh failed", "provider", sess.Provider, "error", err)
		if !errors.Is(err, ErrMissingPersistentSession) {
			if cerr := m.clear(r.Context(), w, sess); cerr != nil {
				m.logger.Warn("Failed to clear expired session", "error", cerr)
			}
		}
		return fail(err)
	}

	if err := m.clear(r.Context(), w, sess); err != nil {
		m.logger.Warn("Failed to clear expired session", "error", err)
	}
	return fail(ErrSessionExpired)
}

func (m *Manager) persist(ctx context.Context, key string, tokens Tokens, ttl time.Duration) error {
	record := PersistentSession{
		Exp: tokens.ExpiresAt,
		Iat: m.now().Unix(),
	}

	var err error
	if record.AccessToken, err = m.cipher.Encrypt(tokens.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		enc, err := m.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		record.RefreshToken = &enc
	}
	if tokens.IDToken != "" {
		enc, err := m.cipher.Encrypt(tokens.IDToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt id token: %w", err)
		}
		record.IDToken = &enc
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode persistent session: %w", err)
	}
	if err := m.store.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("failed to store persistent session: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, key string) (*PersistentSession, error) {
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrMissingPersistentSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persistent session: %w", err)
	}

	var record PersistentSession
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode persistent session: %w", err)
	}
	return &record, nil
}

func (m *Manager) write(w http.ResponseWriter, sess *UserSession) error {
	policy := m.Policy(sess.Provider)

	start := sess.LoggedInAt
	if start == 0 {
		start = m.now().Unix()
	}
	exp := start + int64(policy.MaxAge.Seconds())
	remaining := time.Duration(exp-m.now().Unix()) * time.Second
	if remaining <= 0 {
		return ErrSessionExpired
	}

	value, err := m.sealer.Seal(cookiePayload{
		ID:       sess.ID,
		Identity: sess.Identity,
		Exp:      exp,
		Session:  *sess,
	})
	if err != nil {
		return fmt.Errorf("failed to seal session: %w", err)
	}

	http.SetCookie(w, security.CreateCookie(m.server, m.cfg.CookieName, value, "/", remaining))
	return nil
}

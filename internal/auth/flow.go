package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/marcogenualdo/oidc-rp/internal/auth/oidc"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/metrics"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/internal/session"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

// TokenClient performs the provider calls of a login.
type TokenClient interface {
	Exchange(ctx context.Context, cfg *provider.Config, code, codeVerifier string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, cfg *provider.Config, accessToken string) (map[string]any, error)
	Verify(ctx context.Context, doc *provider.Document, audience, raw string) (map[string]any, error)
}

// Result is handed to the success handler after a login or logout. Session is
// nil after a logout.
type Result struct {
	Provider string
	Session  *session.UserSession
	Tokens   session.Tokens
	Redirect string
}

type (
	SuccessHandler func(w http.ResponseWriter, r *http.Request, res Result)
	ErrorHandler   func(w http.ResponseWriter, r *http.Request, err *Error)
)

type Options struct {
	Server     config.ServerConfig
	Session    config.SessionConfig
	Providers  provider.Instances
	Sessions   *session.Manager
	Client     TokenClient
	FlowSealer *security.Sealer
	Metrics    *metrics.Collectors
	Logger     *slog.Logger

	OnSuccess SuccessHandler
	OnError   ErrorHandler
}

// Flow drives the login, callback and logout transitions for every configured
// provider.
type Flow struct {
	server    config.ServerConfig
	providers provider.Instances
	sessions  *session.Manager
	client    TokenClient
	flows     *flowStore
	metrics   *metrics.Collectors
	logger    *slog.Logger
	onSuccess SuccessHandler
	onError   ErrorHandler
	now       func() time.Time
}

func NewFlow(opts Options) (*Flow, error) {
	if opts.Sessions == nil || opts.Client == nil || opts.FlowSealer == nil {
		return nil, errors.New("auth flow requires a session manager, a token client and a flow sealer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnSuccess == nil {
		opts.OnSuccess = RedirectOnSuccess
	}
	if opts.OnError == nil {
		opts.OnError = WriteError
	}

	f := &Flow{
		server:    opts.Server,
		providers: opts.Providers,
		sessions:  opts.Sessions,
		client:    opts.Client,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		onSuccess: opts.OnSuccess,
		onError:   opts.OnError,
		now:       time.Now,
	}
	f.flows = &flowStore{
		sealer: opts.FlowSealer,
		server: opts.Server,
		name:   opts.Session.AuthFlowCookieName,
		ttl:    opts.Session.AuthFlowTTL,
		now:    func() time.Time { return f.now() },
	}
	return f, nil
}

// RedirectOnSuccess answers with a 302 to the result's redirect target.
func RedirectOnSuccess(w http.ResponseWriter, r *http.Request, res Result) {
	http.Redirect(w, r, security.RedirectOrDefault(res.Redirect, "/"), http.StatusFound)
}

// LoginPath is the login route of a provider.
func LoginPath(providerID string) string {
	return "/auth/" + url.PathEscape(providerID) + "/login"
}

func (f *Flow) fail(w http.ResponseWriter, r *http.Request, e *Error) {
	f.metrics.Login(e.Provider, string(e.Kind))
	f.logger.Warn("Authentication failed", "provider", e.Provider, "kind", e.Kind, "error", e.Err)
	f.onError(w, r, e)
}

func (f *Flow) instance(providerID string) (*provider.Instance, *Error) {
	inst, err := f.providers.Get(providerID)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Status: http.StatusNotFound, Provider: providerID, Err: err}
	}
	if res := inst.Validate(); !res.Valid {
		return nil, configurationError(providerID, res.Err())
	}
	return inst, nil
}

// Login starts an authorization request and redirects to the provider.
func (f *Flow) Login(w http.ResponseWriter, r *http.Request, providerID string) {
	inst, ferr := f.instance(providerID)
	if ferr != nil {
		f.fail(w, r, ferr)
		return
	}
	cfg := inst.Config

	st := &FlowState{
		Provider:            providerID,
		Redirect:            f.loginRedirect(r),
		CallbackRedirectURL: cfg.CallbackRedirectURL,
	}

	var err error
	if cfg.State {
		if st.State, err = security.GenerateState(); err != nil {
			f.fail(w, r, sessionError(providerID, err))
			return
		}
	}

	scopes := slices.Clone([]string(cfg.Scope))
	responseMode := cfg.ResponseMode
	var opts []oauth2.AuthCodeOption

	if cfg.Nonce || cfg.ResponseTypeHasToken() {
		if st.Nonce, err = security.GenerateState(); err != nil {
			f.fail(w, r, sessionError(providerID, err))
			return
		}
		opts = append(opts, oauth2.SetAuthURLParam("nonce", st.Nonce))
		responseMode = "form_post"
		if !slices.Contains(scopes, "openid") {
			scopes = append([]string{"openid"}, scopes...)
		}
	}

	if cfg.PKCE {
		if st.CodeVerifier, err = security.GenerateCodeVerifier(cfg.CodeVerifierLength); err != nil {
			f.fail(w, r, configurationError(providerID, err))
			return
		}
		opts = append(opts, oauth2.S256ChallengeOption(st.CodeVerifier))
	}

	if cfg.ResponseType != "" {
		opts = append(opts, oauth2.SetAuthURLParam("response_type", cfg.ResponseType))
	}
	if responseMode != "" {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", responseMode))
	}
	if len(cfg.Prompt) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", strings.Join(cfg.Prompt, " ")))
	}
	for k, v := range provider.SnakeParams(cfg.AdditionalAuthParameters) {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	query := r.URL.Query()
	for _, name := range cfg.AllowedClientAuthParameters {
		if v := query.Get(name); v != "" {
			opts = append(opts, oauth2.SetAuthURLParam(provider.ToSnakeCase(name), v))
		}
	}

	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Scopes:      scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationURL},
	}
	target := oc.AuthCodeURL(st.State, opts...)

	if err := f.flows.save(w, st, responseMode == "form_post"); err != nil {
		f.fail(w, r, sessionError(providerID, err))
		return
	}

	f.logger.Debug("Redirecting to provider", "provider", providerID, "pkce", cfg.PKCE, "nonce", st.Nonce != "")
	http.Redirect(w, r, target, http.StatusFound)
}

// loginRedirect picks where to return after login: an explicit redirect
// parameter, else a same-origin Referer.
func (f *Flow) loginRedirect(r *http.Request) string {
	if target, ok := security.SanitizeRedirect(r.URL.Query().Get("redirect")); ok {
		return target
	}

	ref, err := url.Parse(r.Referer())
	if err != nil || ref.Host == "" || !f.sameOrigin(ref, r) {
		return ""
	}
	target := ref.EscapedPath()
	if ref.RawQuery != "" {
		target += "?" + ref.RawQuery
	}
	if safe, ok := security.SanitizeRedirect(target); ok && !strings.HasPrefix(safe, "/auth/") {
		return safe
	}
	return ""
}

func (f *Flow) sameOrigin(u *url.URL, r *http.Request) bool {
	if base, err := url.Parse(f.server.BaseURL); err == nil && base.Host != "" {
		return strings.EqualFold(u.Host, base.Host)
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Callback processes the authorization response. The flow cookie, state and
// nonce are checked before any request reaches the token endpoint.
func (f *Flow) Callback(w http.ResponseWriter, r *http.Request, providerID string) {
	ctx := r.Context()

	inst, ferr := f.instance(providerID)
	if ferr != nil {
		f.fail(w, r, ferr)
		return
	}
	cfg := inst.Config

	if err := r.ParseForm(); err != nil {
		f.fail(w, r, protocolError(providerID, fmt.Errorf("invalid callback request: %w", err)))
		return
	}
	params := r.Form

	if params.Get("admin_consent") != "" {
		_, _ = f.flows.consume(w, r, providerID)
		f.logger.Info("Admin consent granted, restarting login", "provider", providerID)
		http.Redirect(w, r, LoginPath(providerID), http.StatusFound)
		return
	}

	flow, err := f.flows.consume(w, r, providerID)
	if errors.Is(err, ErrFlowStateExpired) {
		f.fail(w, r, expiredError(providerID, err))
		return
	}
	if err != nil {
		f.fail(w, r, protocolError(providerID, err))
		return
	}

	if code := params.Get("error"); code != "" {
		f.fail(w, r, providerError(providerID, fmt.Errorf("%w: %s %s", ErrProviderDenied, code, params.Get("error_description"))))
		return
	}

	if idToken := params.Get("id_token"); idToken != "" {
		claims, err := security.DecodeJWT(idToken)
		if err != nil {
			f.fail(w, r, protocolError(providerID, fmt.Errorf("invalid id_token: %w", err)))
			return
		}
		if flow.Nonce == "" || !security.ConstantTimeEqual(security.ClaimString(claims, "nonce"), flow.Nonce) {
			f.fail(w, r, protocolError(providerID, ErrNonceMismatch))
			return
		}
	}

	code, state := params.Get("code"), params.Get("state")
	if code == "" || (cfg.State && state == "") {
		f.fail(w, r, protocolError(providerID, ErrMissingCallbackParam))
		return
	}
	if cfg.State && !security.ConstantTimeEqual(state, flow.State) {
		f.fail(w, r, protocolError(providerID, ErrStateMismatch))
		return
	}

	token, err := f.client.Exchange(ctx, cfg, code, flow.CodeVerifier)
	if err != nil {
		if oidc.ConsentRequired(err) && cfg.AdminConsentURL != "" {
			f.logger.Info("Provider requires admin consent", "provider", providerID)
			http.Redirect(w, r, adminConsentURL(cfg), http.StatusFound)
			return
		}
		f.fail(w, r, providerError(providerID, err))
		return
	}

	tokens := session.TokensFrom(cfg, token)
	accessClaims, idClaims, ferr := f.validate(ctx, inst, flow, tokens)
	if ferr != nil {
		f.fail(w, r, ferr)
		return
	}

	now := f.now().Unix()
	sess := session.UserSession{
		Provider:   providerID,
		LoggedInAt: now,
		UpdatedAt:  now,
		ExpireAt:   tokens.ExpiresAt,
	}

	if cfg.UserInfoURL != "" {
		info, err := f.client.UserInfo(ctx, cfg, tokens.AccessToken)
		if err != nil {
			f.logger.Warn("Userinfo request failed, continuing without provider info", "provider", providerID, "error", err)
		} else {
			sess.ProviderInfo = filterKeys(info, cfg.FilterUserinfo)
		}
	}

	if cfg.UserNameClaim != "" {
		sess.UserName = firstClaim(cfg.UserNameClaim, accessClaims, idClaims, sess.ProviderInfo)
	}
	if len(cfg.OptionalClaims) > 0 && tokens.IDToken != "" {
		sess.Claims = session.ExtractClaims(tokens.IDToken, cfg.OptionalClaims)
	}
	if cfg.ExposeAccessToken {
		sess.AccessToken = tokens.AccessToken
	}
	if cfg.ExposeIDToken {
		sess.IDToken = tokens.IDToken
	}

	identity := firstClaim(cfg.IdentityClaim, idClaims, accessClaims, sess.ProviderInfo)

	established, err := f.sessions.Establish(ctx, w, sess, identity, tokens)
	if err != nil {
		f.fail(w, r, sessionError(providerID, err))
		return
	}

	redirect := flow.Redirect
	if redirect == "" {
		redirect = security.RedirectOrDefault(flow.CallbackRedirectURL, "/")
	}

	f.metrics.Login(providerID, "success")
	f.logger.Info("Authentication successful", "provider", providerID, "can_refresh", established.CanRefresh)
	f.onSuccess(w, r, Result{Provider: providerID, Session: established, Tokens: tokens, Redirect: redirect})
}

// validate decodes the tokens and, when the access token is addressed to this
// client, verifies them against the provider's JWKS.
func (f *Flow) validate(ctx context.Context, inst *provider.Instance, flow *FlowState, tokens session.Tokens) (map[string]any, map[string]any, *Error) {
	cfg := inst.Config

	var accessClaims, idClaims map[string]any
	if !cfg.SkipAccessTokenParsing {
		claims, err := security.DecodeJWT(tokens.AccessToken)
		if err != nil {
			f.logger.Debug("Access token is not a JWT", "provider", inst.ID)
		}
		accessClaims = claims
	}
	if tokens.IDToken != "" {
		claims, err := security.DecodeJWT(tokens.IDToken)
		if err != nil {
			return nil, nil, validationError(inst.ID, fmt.Errorf("invalid id_token: %w", err))
		}
		idClaims = claims
	}

	if flow.Nonce != "" && idClaims != nil {
		if nonce := security.ClaimString(idClaims, "nonce"); nonce != "" && !security.ConstantTimeEqual(nonce, flow.Nonce) {
			return nil, nil, validationError(inst.ID, ErrNonceMismatch)
		}
	}

	audience, ok := matchAudience(accessClaims, cfg)
	if !ok || !(cfg.ValidateAccessToken || cfg.ValidateIDToken) {
		return accessClaims, idClaims, nil
	}

	doc, err := inst.OpenIDConfiguration(ctx)
	if err != nil {
		return nil, nil, validationError(inst.ID, err)
	}

	if cfg.ValidateAccessToken {
		verified, err := f.client.Verify(ctx, doc, audience, tokens.AccessToken)
		if err != nil {
			return nil, nil, validationError(inst.ID, fmt.Errorf("access token: %w", err))
		}
		accessClaims = verified
	}
	if cfg.ValidateIDToken && tokens.IDToken != "" {
		verified, err := f.client.Verify(ctx, doc, cfg.ClientID, tokens.IDToken)
		if err != nil {
			return nil, nil, validationError(inst.ID, fmt.Errorf("id token: %w", err))
		}
		idClaims = verified
	}

	return accessClaims, idClaims, nil
}

func matchAudience(claims map[string]any, cfg *provider.Config) (string, bool) {
	for _, aud := range security.ClaimAudience(claims) {
		if (cfg.Audience != "" && aud == cfg.Audience) || aud == cfg.ClientID {
			return aud, true
		}
	}
	return "", false
}

func adminConsentURL(cfg *provider.Config) string {
	u, err := url.Parse(cfg.AdminConsentURL)
	if err != nil {
		return cfg.AdminConsentURL
	}
	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	if cfg.RedirectURI != "" {
		q.Set("redirect_uri", cfg.RedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func filterKeys(info map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return info
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := info[k]; ok {
			out[k] = v
		}
	}
	return out
}

func firstClaim(name string, sources ...map[string]any) string {
	if name == "" {
		return ""
	}
	for _, claims := range sources {
		switch v := claims[name].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				return v
			}
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Logout clears the session and, when the provider has an end-session
// endpoint, redirects there.
func (f *Flow) Logout(w http.ResponseWriter, r *http.Request, providerID string) {
	inst, err := f.providers.Get(providerID)
	if err != nil {
		f.onError(w, r, &Error{Kind: KindConfiguration, Status: http.StatusNotFound, Provider: providerID, Err: err})
		return
	}
	cfg := inst.Config

	if err := f.sessions.Clear(w, r); err != nil {
		f.onError(w, r, sessionError(providerID, err))
		return
	}

	if cfg.LogoutURL == "" {
		f.onSuccess(w, r, Result{Provider: providerID, Redirect: "/"})
		return
	}

	u, err := url.Parse(cfg.LogoutURL)
	if err != nil {
		f.onError(w, r, configurationError(providerID, fmt.Errorf("invalid logout_url: %w", err)))
		return
	}
	q := u.Query()
	if cfg.LogoutRedirectParameterName != "" && cfg.LogoutRedirectURI != "" {
		q.Set(cfg.LogoutRedirectParameterName, cfg.LogoutRedirectURI)
	}
	for k, v := range provider.SnakeParams(cfg.AdditionalLogoutParameters) {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	f.logger.Info("Redirecting to provider logout", "provider", providerID)
	http.Redirect(w, r, u.String(), http.StatusFound)
}

package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

const (
	maxResponseSize   = 1 << 20
	tenantPlaceholder = "{tenantid}"
)

var (
	ErrMissingAccessToken = errors.New("token response is missing access_token")
	ErrNoUserInfoEndpoint = errors.New("provider has no userinfo endpoint")
)

var defaultSigningAlgs = []string{
	oidc.RS256, oidc.RS384, oidc.RS512,
	oidc.ES256, oidc.ES384, oidc.ES512,
	oidc.PS256, oidc.PS384, oidc.PS512,
}

// Client talks to identity provider endpoints on behalf of the relying party.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	keySets map[string]*oidc.RemoteKeySet
}

func NewClient(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		keySets:    make(map[string]*oidc.RemoteKeySet),
	}
}

func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Exchange redeems an authorization code at the provider's token endpoint.
func (c *Client) Exchange(ctx context.Context, cfg *provider.Config, code, codeVerifier string) (*oauth2.Token, error) {
	params := map[string]string{
		"client_id":  cfg.ClientID,
		"code":       code,
		"grant_type": cfg.GrantType,
	}
	if params["grant_type"] == "" {
		params["grant_type"] = "authorization_code"
	}
	if cfg.RedirectURI != "" {
		params["redirect_uri"] = cfg.RedirectURI
	}
	if cfg.ScopeInTokenRequest && len(cfg.Scope) > 0 {
		params["scope"] = strings.Join(cfg.Scope, " ")
	}
	if cfg.PKCE && codeVerifier != "" {
		params["code_verifier"] = codeVerifier
	}
	for k, v := range provider.SnakeParams(cfg.AdditionalTokenParameters) {
		params[k] = v
	}

	return c.tokenRequest(ctx, cfg, params)
}

// Refresh redeems a refresh token using the same client authentication rules
// as Exchange.
func (c *Client) Refresh(ctx context.Context, cfg *provider.Config, refreshToken string) (*oauth2.Token, error) {
	params := map[string]string{
		"client_id":     cfg.ClientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	if cfg.ScopeInTokenRequest && len(cfg.Scope) > 0 {
		params["scope"] = strings.Join(cfg.Scope, " ")
	}

	return c.tokenRequest(ctx, cfg, params)
}

func (c *Client) tokenRequest(ctx context.Context, cfg *provider.Config, params map[string]string) (*oauth2.Token, error) {
	if cfg.AuthenticationScheme == provider.AuthSchemeBody {
		params["client_secret"] = cfg.ClientSecret
	}

	body, contentType, err := encodeTokenRequest(cfg.TokenRequestType, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if cfg.AuthenticationScheme == provider.AuthSchemeHeader {
		req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(cfg.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	token, err := parseTokenResponse(resp, raw)
	if err != nil {
		c.logger.Debug("token endpoint rejected request",
			"grant_type", params["grant_type"],
			"status", resp.StatusCode,
			"error", err,
		)
		return nil, err
	}
	return token, nil
}

func encodeTokenRequest(kind provider.TokenRequestType, params map[string]string) (io.Reader, string, error) {
	switch kind {
	case provider.TokenRequestJSON:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil

	case provider.TokenRequestForm:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := w.WriteField(k, params[k]); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil

	default:
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	}
}

func parseTokenResponse(resp *http.Response, raw []byte) (*oauth2.Token, error) {
	fields, err := decodeFields(resp.Header.Get("Content-Type"), raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || fields["error"] != nil {
		rErr := &oauth2.RetrieveError{Response: resp, Body: raw}
		if fields != nil {
			rErr.ErrorCode = stringField(fields, "error")
			rErr.ErrorDescription = stringField(fields, "error_description")
			rErr.ErrorURI = stringField(fields, "error_uri")
		}
		return nil, rErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  stringField(fields, "access_token"),
		TokenType:    stringField(fields, "token_type"),
		RefreshToken: stringField(fields, "refresh_token"),
	}
	if token.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if secs := intField(fields, "expires_in"); secs > 0 {
		token.ExpiresIn = secs
		token.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}

	return token.WithExtra(fields), nil
}

func decodeFields(contentType string, raw []byte) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "text/plain" {
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(values))
		for k := range values {
			fields[k] = values.Get(k)
		}
		return fields, nil
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func intField(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// ConsentRequired reports whether a token endpoint error asks for tenant
// administrator consent.
func ConsentRequired(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	if rErr.ErrorCode == "consent_required" {
		return true
	}

	var body struct {
		Suberror string `json:"suberror"`
	}
	if json.Unmarshal(rErr.Body, &body) != nil {
		return false
	}
	return body.Suberror == "consent_required"
}

// UserInfo fetches the userinfo document with the given access token.
func (c *Client) UserInfo(ctx context.Context, cfg *provider.Config, accessToken string) (map[string]any, error) {
	if cfg.UserInfoURL == "" {
		return nil, ErrNoUserInfoEndpoint
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned %s", resp.Status)
	}

	var info map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return info, nil
}

// Verify checks a JWT's signature against the provider JWKS along with its
// issuer, expiry and, when audience is set, its audience.
func (c *Client) Verify(ctx context.Context, doc *provider.Document, audience, raw string) (map[string]any, error) {
	if doc == nil || doc.JWKSURI == "" {
		return nil, provider.ErrNoOpenIDConfiguration
	}

	algs := doc.IDTokenSigningAlgValuesSupported
	if len(algs) == 0 {
		algs = defaultSigningAlgs
	}

	issuer := tokenIssuer(doc.Issuer, raw)
	skipIssuer := issuer == "" || strings.Contains(issuer, "{")
	if skipIssuer {
		c.logger.Debug("issuer check skipped", "issuer", doc.Issuer)
	}

	verifier := oidc.NewVerifier(issuer, c.keySet(doc.JWKSURI), &oidc.Config{
		ClientID:             audience,
		SkipClientIDCheck:    audience == "",
		SkipIssuerCheck:      skipIssuer,
		SupportedSigningAlgs: algs,
	})

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	token, err := verifier.Verify(oidc.ClientContext(ctx, c.httpClient), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse verified claims: %w", err)
	}
	return claims, nil
}

// tokenIssuer fills the {tenantid} placeholder that multi-tenant discovery
// documents carry in their issuer with the token's tid claim.
func tokenIssuer(issuer, raw string) string {
	if !strings.Contains(issuer, tenantPlaceholder) {
		return issuer
	}
	claims, err := security.DecodeJWT(raw)
	if err != nil {
		return issuer
	}
	tid := security.ClaimString(claims, "tid")
	if tid == "" || strings.ContainsAny(tid, "/{}") {
		return issuer
	}
	return strings.ReplaceAll(issuer, tenantPlaceholder, tid)
}

func (c *Client) keySet(jwksURI string) *oidc.RemoteKeySet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks, ok := c.keySets[jwksURI]; ok {
		return ks
	}
	ks := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), c.httpClient), jwksURI)
	c.keySets[jwksURI] = ks
	return ks
}

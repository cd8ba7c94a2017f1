package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrNoOpenIDConfiguration = errors.New("provider has no openid configuration")

// Document is the subset of an OpenID Provider metadata document the relying
// party relies on.
type Document struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// OpenIDConfiguration is one of StaticConfiguration, ResolverFunc or
// DiscoveryConfiguration.
type OpenIDConfiguration interface {
	resolve(ctx context.Context, cfg *Config, client *http.Client) (*Document, error)
}

type StaticConfiguration Document

func (s StaticConfiguration) resolve(context.Context, *Config, *http.Client) (*Document, error) {
	doc := Document(s)
	return &doc, nil
}

// ResolverFunc computes the document from the resolved provider configuration,
// for issuers that depend on instance values.
type ResolverFunc func(ctx context.Context, cfg *Config) (*Document, error)

func (f ResolverFunc) resolve(ctx context.Context, cfg *Config, _ *http.Client) (*Document, error) {
	return f(ctx, cfg)
}

// DiscoveryConfiguration fetches the document from a well-known URL. The URL
// may contain placeholders resolved against the provider configuration.
type DiscoveryConfiguration string

func (d DiscoveryConfiguration) resolve(ctx context.Context, cfg *Config, client *http.Client) (*Document, error) {
	target := cfg.expand(string(d))
	if unresolvedPlaceholder.MatchString(target) {
		return nil, fmt.Errorf("discovery url has unresolved placeholders: %s", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch openid configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openid configuration returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode openid configuration: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("openid configuration at %s has no jwks_uri", target)
	}

	return &doc, nil
}

// openIDConfiguration picks the explicit configuration if set, then a
// discovery URL, then the issuer's well-known endpoint, then a document
// assembled from the static fields.
func (c *Config) openIDConfiguration() (OpenIDConfiguration, error) {
	switch {
	case c.OpenIDConfiguration != nil:
		return c.OpenIDConfiguration, nil
	case c.DiscoveryURL != "":
		return DiscoveryConfiguration(c.DiscoveryURL), nil
	case c.Issuer != "" && c.JWKSURL == "":
		return DiscoveryConfiguration(strings.TrimSuffix(c.Issuer, "/") + "/.well-known/openid-configuration"), nil
	case c.JWKSURL != "":
		return StaticConfiguration{
			Issuer:                c.Issuer,
			AuthorizationEndpoint: c.AuthorizationURL,
			TokenEndpoint:         c.TokenURL,
			UserInfoEndpoint:      c.UserInfoURL,
			JWKSURI:               c.JWKSURL,
			EndSessionEndpoint:    c.LogoutURL,
		}, nil
	default:
		return nil, ErrNoOpenIDConfiguration
	}
}

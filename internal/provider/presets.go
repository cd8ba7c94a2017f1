package provider

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownPreset = errors.New("unknown provider preset")

// Registry holds the provider presets. It is built once at startup and never
// mutated afterwards; Preset hands out copies.
type Registry struct {
	presets map[string]Config
}

func NewRegistry() (*Registry, error) {
	r := &Registry{presets: make(map[string]Config)}

	base := defaults()
	r.presets["oidc"] = base

	for name, preset := range builtinPresets() {
		merged, err := Merge(base, preset)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
		r.presets[name] = merged
	}

	return r, nil
}

// Register adds or replaces a preset. It is meant for process start, before
// any instance is resolved.
func (r *Registry) Register(name string, cfg Config) {
	r.presets[name] = cfg.clone()
}

func (r *Registry) Preset(name string) (Config, bool) {
	cfg, ok := r.presets[name]
	if !ok {
		return Config{}, false
	}
	return cfg.clone(), true
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaults() Config {
	return Config{
		ResponseType:         "code",
		GrantType:            "authorization_code",
		AuthenticationScheme: AuthSchemeHeader,
		TokenRequestType:     TokenRequestFormURLEncoded,
		Scope:                StringList{"openid"},
		State:                true,
		CodeVerifierLength:   64,
		IdentityClaim:        "sub",
		RequiredProperties: []string{
			"client_id",
			"redirect_uri",
			"authorization_url",
			"token_url",
		},
	}
}

func builtinPresets() map[string]Config {
	return map[string]Config{
		"auth0": {
			BaseURL:                     "https://{domain}",
			AuthorizationURL:            "/authorize",
			TokenURL:                    "/oauth/token",
			UserInfoURL:                 "/userinfo",
			LogoutURL:                   "/v2/logout",
			DiscoveryURL:                "/.well-known/openid-configuration",
			LogoutRedirectParameterName: "returnTo",
			AdditionalLogoutParameters:  map[string]string{"client_id": "{client_id}"},
			AuthenticationScheme:        AuthSchemeBody,
			TokenRequestType:            TokenRequestJSON,
			Scope:                       StringList{"openid", "profile", "email", "offline_access"},
			PKCE:                        true,
			RequiredProperties:          []string{"domain", "client_secret"},
		},
		"entra": {
			AuthorizationURL:            "https://login.microsoftonline.com/{tenant_id}/oauth2/v2.0/authorize",
			TokenURL:                    "https://login.microsoftonline.com/{tenant_id}/oauth2/v2.0/token",
			UserInfoURL:                 "https://graph.microsoft.com/oidc/userinfo",
			LogoutURL:                   "https://login.microsoftonline.com/{tenant_id}/oauth2/v2.0/logout",
			DiscoveryURL:                "https://login.microsoftonline.com/{tenant_id}/v2.0/.well-known/openid-configuration",
			AdminConsentURL:             "https://login.microsoftonline.com/{tenant_id}/adminconsent",
			LogoutRedirectParameterName: "post_logout_redirect_uri",
			AuthenticationScheme:        AuthSchemeBody,
			Scope:                       StringList{"openid", "profile", "offline_access"},
			ScopeInTokenRequest:         true,
			PKCE:                        true,
			Nonce:                       true,
			UserNameClaim:               "name",
			IdentityClaim:               "oid",
			RequiredProperties:          []string{"tenant_id", "client_secret"},
		},
		"keycloak": {
			AuthorizationURL:            "/protocol/openid-connect/auth",
			TokenURL:                    "/protocol/openid-connect/token",
			UserInfoURL:                 "/protocol/openid-connect/userinfo",
			LogoutURL:                   "/protocol/openid-connect/logout",
			DiscoveryURL:                "/.well-known/openid-configuration",
			LogoutRedirectParameterName: "post_logout_redirect_uri",
			AdditionalLogoutParameters:  map[string]string{"client_id": "{client_id}"},
			AuthenticationScheme:        AuthSchemeBody,
			Scope:                       StringList{"openid", "profile", "email"},
			PKCE:                        true,
			UserNameClaim:               "preferred_username",
			RequiredProperties:          []string{"base_url", "client_secret"},
		},
		"github": {
			AuthorizationURL:       "https://github.com/login/oauth/authorize",
			TokenURL:               "https://github.com/login/oauth/access_token",
			UserInfoURL:            "https://api.github.com/user",
			AuthenticationScheme:   AuthSchemeBody,
			TokenRequestType:       TokenRequestJSON,
			Scope:                  StringList{"read:user", "user:email"},
			SkipAccessTokenParsing: true,
			IdentityClaim:          "id",
			RequiredProperties:     []string{"client_secret"},
		},
		"zitadel": {
			BaseURL:                     "https://{domain}",
			AuthorizationURL:            "/oauth/v2/authorize",
			TokenURL:                    "/oauth/v2/token",
			UserInfoURL:                 "/oidc/v1/userinfo",
			LogoutURL:                   "/oidc/v1/end_session",
			DiscoveryURL:                "/.well-known/openid-configuration",
			LogoutRedirectParameterName: "post_logout_redirect_uri",
			AuthenticationScheme:        AuthSchemeNone,
			Scope:                       StringList{"openid", "profile", "email", "offline_access"},
			PKCE:                        true,
			UserNameClaim:               "preferred_username",
			RequiredProperties:          []string{"domain"},
		},
	}
}

package provider

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type AuthenticationScheme string

const (
	AuthSchemeHeader AuthenticationScheme = "header"
	AuthSchemeBody   AuthenticationScheme = "body"
	AuthSchemeNone   AuthenticationScheme = "none"
)

type TokenRequestType string

const (
	TokenRequestForm           TokenRequestType = "form"
	TokenRequestJSON           TokenRequestType = "json"
	TokenRequestFormURLEncoded TokenRequestType = "form-urlencoded"
)

// StringList decodes either a YAML sequence or a single space separated
// scalar, so `scope: openid profile` and `scope: [openid, profile]` are equal.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = strings.Fields(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list", value.Line)
	}
}

// SessionPolicy overrides the global session settings for one provider. A nil
// field inherits the global value.
type SessionPolicy struct {
	ExpirationCheck          *bool          `yaml:"expiration_check"`
	AutomaticRefresh         *bool          `yaml:"automatic_refresh"`
	ExpirationThreshold      *time.Duration `yaml:"expiration_threshold"`
	MaxAge                   *time.Duration `yaml:"max_age"`
	SingleSignOut            *bool          `yaml:"single_sign_out"`
	MissingPersistentSession *string        `yaml:"missing_persistent_session"`
}

type Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	BaseURL      string `yaml:"base_url"`
	TenantID     string `yaml:"tenant_id"`
	Domain       string `yaml:"domain"`

	AuthorizationURL string `yaml:"authorization_url"`
	TokenURL         string `yaml:"token_url"`
	UserInfoURL      string `yaml:"userinfo_url"`
	LogoutURL        string `yaml:"logout_url"`
	Issuer           string `yaml:"issuer"`
	DiscoveryURL     string `yaml:"discovery_url"`
	JWKSURL          string `yaml:"jwks_uri"`
	AdminConsentURL  string `yaml:"admin_consent_url"`

	ResponseType         string               `yaml:"response_type"`
	ResponseMode         string               `yaml:"response_mode"`
	AuthenticationScheme AuthenticationScheme `yaml:"authentication_scheme"`
	GrantType            string               `yaml:"grant_type"`
	Scope                StringList           `yaml:"scope"`
	ScopeInTokenRequest  bool                 `yaml:"scope_in_token_request"`
	TokenRequestType     TokenRequestType     `yaml:"token_request_type"`
	Prompt               StringList           `yaml:"prompt"`

	PKCE               bool `yaml:"pkce"`
	State              bool `yaml:"state"`
	Nonce              bool `yaml:"nonce"`
	CodeVerifierLength int  `yaml:"code_verifier_length"`

	RequiredProperties []string `yaml:"required_properties"`

	ValidateAccessToken    bool   `yaml:"validate_access_token"`
	ValidateIDToken        bool   `yaml:"validate_id_token"`
	SkipAccessTokenParsing bool   `yaml:"skip_access_token_parsing"`
	Audience               string `yaml:"audience"`
	ExposeAccessToken      bool   `yaml:"expose_access_token"`
	ExposeIDToken          bool   `yaml:"expose_id_token"`

	UserNameClaim  string     `yaml:"user_name_claim"`
	IdentityClaim  string     `yaml:"identity_claim"`
	OptionalClaims StringList `yaml:"optional_claims"`
	FilterUserinfo StringList `yaml:"filter_userinfo"`

	AdditionalAuthParameters    map[string]string `yaml:"additional_auth_parameters"`
	AdditionalTokenParameters   map[string]string `yaml:"additional_token_parameters"`
	AdditionalLogoutParameters  map[string]string `yaml:"additional_logout_parameters"`
	AllowedClientAuthParameters StringList        `yaml:"allowed_client_auth_parameters"`

	LogoutRedirectParameterName string `yaml:"logout_redirect_parameter_name"`
	LogoutRedirectURI           string `yaml:"logout_redirect_uri"`
	CallbackRedirectURL         string `yaml:"callback_redirect_url"`

	Session SessionPolicy `yaml:"session"`

	OpenIDConfiguration OpenIDConfiguration `yaml:"-"`

	// explicit holds the keys set by instance configuration, so an explicit
	// empty string still counts as present during validation.
	explicit map[string]struct{}
}

// MarkExplicit records keys that were supplied outside of YAML, such as
// environment overrides.
func (c *Config) MarkExplicit(keys ...string) {
	if c.explicit == nil {
		c.explicit = make(map[string]struct{}, len(keys))
	}
	for _, key := range keys {
		c.explicit[key] = struct{}{}
	}
}

func (c *Config) isExplicit(key string) bool {
	_, ok := c.explicit[key]
	return ok
}

// ResponseTypeHasToken reports whether the response type requests a token
// directly from the authorization endpoint (implicit or hybrid flow).
func (c *Config) ResponseTypeHasToken() bool {
	for _, part := range strings.Fields(c.ResponseType) {
		if part == "token" || part == "id_token" {
			return true
		}
	}
	return false
}

func (c *Config) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

func (c Config) clone() Config {
	out := c
	out.Scope = slices.Clone(c.Scope)
	out.Prompt = slices.Clone(c.Prompt)
	out.RequiredProperties = slices.Clone(c.RequiredProperties)
	out.OptionalClaims = slices.Clone(c.OptionalClaims)
	out.FilterUserinfo = slices.Clone(c.FilterUserinfo)
	out.AllowedClientAuthParameters = slices.Clone(c.AllowedClientAuthParameters)
	out.AdditionalAuthParameters = maps.Clone(c.AdditionalAuthParameters)
	out.AdditionalTokenParameters = maps.Clone(c.AdditionalTokenParameters)
	out.AdditionalLogoutParameters = maps.Clone(c.AdditionalLogoutParameters)
	out.explicit = maps.Clone(c.explicit)
	out.Session = c.Session.clone()
	return out
}

func (p SessionPolicy) clone() SessionPolicy {
	return SessionPolicy{
		ExpirationCheck:          clonePtr(p.ExpirationCheck),
		AutomaticRefresh:         clonePtr(p.AutomaticRefresh),
		ExpirationThreshold:      clonePtr(p.ExpirationThreshold),
		MaxAge:                   clonePtr(p.MaxAge),
		SingleSignOut:            clonePtr(p.SingleSignOut),
		MissingPersistentSession: clonePtr(p.MissingPersistentSession),
	}
}

func (p *SessionPolicy) overlay(src SessionPolicy) {
	if src.ExpirationCheck != nil {
		p.ExpirationCheck = clonePtr(src.ExpirationCheck)
	}
	if src.AutomaticRefresh != nil {
		p.AutomaticRefresh = clonePtr(src.AutomaticRefresh)
	}
	if src.ExpirationThreshold != nil {
		p.ExpirationThreshold = clonePtr(src.ExpirationThreshold)
	}
	if src.MaxAge != nil {
		p.MaxAge = clonePtr(src.MaxAge)
	}
	if src.SingleSignOut != nil {
		p.SingleSignOut = clonePtr(src.SingleSignOut)
	}
	if src.MissingPersistentSession != nil {
		p.MissingPersistentSession = clonePtr(src.MissingPersistentSession)
	}
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

var (
	fieldIndexOnce sync.Once
	fieldIndex     map[string]int
)

// field returns the struct field carrying the given yaml key.
func (c *Config) field(key string) (reflect.Value, bool) {
	fieldIndexOnce.Do(func() {
		t := reflect.TypeOf(Config{})
		fieldIndex = make(map[string]int, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
			if tag == "" || tag == "-" {
				continue
			}
			fieldIndex[tag] = i
		}
	})

	i, ok := fieldIndex[key]
	if !ok {
		return reflect.Value{}, false
	}
	return reflect.ValueOf(c).Elem().Field(i), true
}

// Lookup returns the string value for a yaml key; non-string fields and
// unknown keys report false.
func (c *Config) Lookup(key string) (string, bool) {
	v, ok := c.field(key)
	if !ok || v.Kind() != reflect.String {
		return "", false
	}
	return v.String(), true
}

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const minSecretLength = 32

// Validate reports every configuration problem at once rather than stopping
// at the first one.
func (c *Config) Validate() error {
	var result *multierror.Error

	result = multierror.Append(result, prefixed("server", c.validateServer())...)
	result = multierror.Append(result, prefixed("session", c.validateSession())...)
	result = multierror.Append(result, prefixed("storage", c.validateStorage())...)
	result = multierror.Append(result, prefixed("providers", c.validateProviders())...)
	result = multierror.Append(result, prefixed("backend", c.validateBackend())...)
	result = multierror.Append(result, prefixed("logging", c.validateLogging())...)
	result = multierror.Append(result, prefixed("secrets", c.validateSecrets())...)

	return result.ErrorOrNil()
}

func prefixed(section string, errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		out = append(out, fmt.Errorf("%s config: %w", section, err))
	}
	return out
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}

	if c.Server.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base_url is required"))
	} else if u, err := url.Parse(c.Server.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid base_url: %w", err))
	} else if u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url must be absolute: %s", c.Server.BaseURL))
	}

	sameSite := strings.ToLower(c.Server.CookieSameSite)
	if sameSite != "lax" && sameSite != "strict" && sameSite != "none" {
		errs = append(errs, fmt.Errorf("invalid cookie_same_site: %s (must be lax, strict, or none)", c.Server.CookieSameSite))
	}
	if sameSite == "none" && !c.Server.CookieSecure {
		errs = append(errs, fmt.Errorf("cookie_same_site none requires cookie_secure"))
	}

	if c.Server.ProviderTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider_timeout must be positive"))
	}

	return errs
}

func (c *Config) validateSession() []error {
	var errs []error

	switch c.Session.MissingPersistentSession {
	case "clear", "warn", "silent":
	default:
		errs = append(errs, fmt.Errorf("invalid missing_persistent_session: %s (must be clear, warn, or silent)", c.Session.MissingPersistentSession))
	}

	if c.Session.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("max_age must be positive"))
	}
	if c.Session.ExpirationThreshold < 0 {
		errs = append(errs, fmt.Errorf("expiration_threshold must be positive"))
	}
	if c.Session.AuthFlowTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth_flow_ttl must be positive"))
	}
	if c.Session.CookieName == c.Session.AuthFlowCookieName {
		errs = append(errs, fmt.Errorf("cookie_name and auth_flow_cookie_name must differ"))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	if c.Storage.Type != "memory" && c.Storage.Type != "redis" {
		errs = append(errs, fmt.Errorf("invalid type: %s (must be memory or redis)", c.Storage.Type))
	}

	if c.Storage.Type == "redis" {
		if c.Storage.Redis == nil {
			errs = append(errs, fmt.Errorf("redis config is required when type is redis"))
		} else if c.Storage.Redis.Address == "" {
			errs = append(errs, fmt.Errorf("redis address is required"))
		}
	}

	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error

	if len(c.Providers) == 0 {
		return append(errs, fmt.Errorf("at least one provider is required"))
	}

	ids := make(map[string]bool)
	for i, provider := range c.Providers {
		if provider.ID == "" {
			errs = append(errs, fmt.Errorf("provider %d: id is required", i))
			continue
		}
		if strings.ContainsAny(provider.ID, "/?#") {
			errs = append(errs, fmt.Errorf("provider %s: id must be a single path segment", provider.ID))
		}

		if ids[provider.ID] {
			errs = append(errs, fmt.Errorf("provider %d: duplicate id: %s", i, provider.ID))
		}
		ids[provider.ID] = true
	}

	if c.Server.DefaultProvider != "" && !ids[c.Server.DefaultProvider] {
		errs = append(errs, fmt.Errorf("default_provider %s is not configured", c.Server.DefaultProvider))
	}

	return errs
}

func (c *Config) validateBackend() []error {
	if c.Backend.URL == "" {
		return nil
	}

	var errs []error
	if u, err := url.Parse(c.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("invalid url: %w", err))
	} else if u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("url must be absolute: %s", c.Backend.URL))
	}

	if c.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" {
		errs = append(errs, fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "json" && format != "text" {
		errs = append(errs, fmt.Errorf("invalid format: %s (must be json or text)", c.Logging.Format))
	}

	return errs
}

func (c *Config) validateSecrets() []error {
	var errs []error

	if len(c.Secrets.SessionSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("%s must be set to at least %d characters", EnvSessionSecret, minSecretLength))
	}
	if len(c.Secrets.AuthSessionSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("%s must be set to at least %d characters", EnvAuthSessionSecret, minSecretLength))
	}
	if c.Secrets.TokenKey == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvTokenKey))
	}

	return errs
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvSessionSecret     = "OIDC_SESSION_SECRET"
	EnvTokenKey          = "OIDC_TOKEN_KEY"
	EnvAuthSessionSecret = "OIDC_AUTH_SESSION_SECRET"
	EnvRedisPassword     = "REDIS_PASSWORD"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Session   SessionConfig    `yaml:"session"`
	Storage   StorageConfig    `yaml:"storage"`
	Providers []ProviderConfig `yaml:"providers"`
	Backend   BackendConfig    `yaml:"backend"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`

	Secrets Secrets `yaml:"-"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	CookieDomain    string        `yaml:"cookie_domain"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	CookieSameSite  string        `yaml:"cookie_same_site"`
	DefaultProvider string        `yaml:"default_provider"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	SSEGracePeriod  time.Duration `yaml:"sse_grace_period"`
	SSEHeartbeat    time.Duration `yaml:"sse_heartbeat"`
}

type SessionConfig struct {
	CookieName               string        `yaml:"cookie_name"`
	AuthFlowCookieName       string        `yaml:"auth_flow_cookie_name"`
	AuthFlowTTL              time.Duration `yaml:"auth_flow_ttl"`
	MaxAge                   time.Duration `yaml:"max_age"`
	ExpirationCheck          *bool         `yaml:"expiration_check"`
	AutomaticRefresh         *bool         `yaml:"automatic_refresh"`
	ExpirationThreshold      time.Duration `yaml:"expiration_threshold"`
	MissingPersistentSession string        `yaml:"missing_persistent_session"`
	SingleSignOut            bool          `yaml:"single_sign_out"`
}

type StorageConfig struct {
	Type   string       `yaml:"type"`
	Prefix string       `yaml:"prefix"`
	Redis  *RedisConfig `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	MaxRetries    int    `yaml:"max_retries"`
	LogoutChannel string `yaml:"logout_channel"`
}

// ProviderConfig describes one configured identity provider instance. Settings
// is decoded on top of the preset's defaults, so it accepts any provider
// configuration key.
type ProviderConfig struct {
	ID             string            `yaml:"id"`
	Preset         string            `yaml:"preset"`
	Settings       yaml.Node         `yaml:"settings"`
	HeaderMappings map[string]string `yaml:"header_mappings"`

	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

type BackendConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	PreserveHost bool          `yaml:"preserve_host"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Secrets are process-wide and only ever sourced from the environment.
type Secrets struct {
	SessionSecret     string
	TokenKey          string
	AuthSessionSecret string
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()
	cfg.loadSecretsFromEnv()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.CookieSameSite == "" {
		c.Server.CookieSameSite = "lax"
	}
	if c.Server.ProviderTimeout == 0 {
		c.Server.ProviderTimeout = 10 * time.Second
	}
	if c.Server.SSEGracePeriod == 0 {
		c.Server.SSEGracePeriod = time.Second
	}
	if c.Server.SSEHeartbeat == 0 {
		c.Server.SSEHeartbeat = 25 * time.Second
	}
	c.Server.BaseURL = strings.TrimSuffix(c.Server.BaseURL, "/")

	if c.Session.CookieName == "" {
		c.Session.CookieName = "oidc_rp_session"
	}
	if c.Session.AuthFlowCookieName == "" {
		c.Session.AuthFlowCookieName = "oidc_rp_auth_flow"
	}
	if c.Session.AuthFlowTTL == 0 {
		c.Session.AuthFlowTTL = 120 * time.Second
	}
	if c.Session.MaxAge == 0 {
		c.Session.MaxAge = 24 * time.Hour
	}
	if c.Session.ExpirationCheck == nil {
		enabled := true
		c.Session.ExpirationCheck = &enabled
	}
	if c.Session.AutomaticRefresh == nil {
		enabled := true
		c.Session.AutomaticRefresh = &enabled
	}
	if c.Session.MissingPersistentSession == "" {
		c.Session.MissingPersistentSession = "clear"
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "oidc-rp:"
	}
	if c.Storage.Type == "redis" && c.Storage.Redis != nil {
		if c.Storage.Redis.PoolSize == 0 {
			c.Storage.Redis.PoolSize = 10
		}
		if c.Storage.Redis.MaxRetries == 0 {
			c.Storage.Redis.MaxRetries = 3
		}
		if c.Storage.Redis.LogoutChannel == "" {
			c.Storage.Redis.LogoutChannel = c.Storage.Prefix + "logout"
		}
	}

	if c.Backend.URL != "" && c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Server.DefaultProvider == "" && len(c.Providers) > 0 {
		c.Server.DefaultProvider = c.Providers[0].ID
	}
}

func (c *Config) loadSecretsFromEnv() {
	c.Secrets = Secrets{
		SessionSecret:     os.Getenv(EnvSessionSecret),
		TokenKey:          os.Getenv(EnvTokenKey),
		AuthSessionSecret: os.Getenv(EnvAuthSessionSecret),
	}

	for i := range c.Providers {
		provider := &c.Providers[i]
		prefix := envPrefix(provider.ID)

		if envClientID := os.Getenv(prefix + "_CLIENT_ID"); envClientID != "" {
			provider.ClientID = envClientID
		}
		if envClientSecret := os.Getenv(prefix + "_CLIENT_SECRET"); envClientSecret != "" {
			provider.ClientSecret = envClientSecret
		}
	}

	if c.Storage.Type == "redis" && c.Storage.Redis != nil {
		if envPassword := os.Getenv(EnvRedisPassword); envPassword != "" {
			c.Storage.Redis.Password = envPassword
		}
	}
}

func envPrefix(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// ExpirationCheckEnabled and AutomaticRefreshEnabled read the defaulted flags.
func (s SessionConfig) ExpirationCheckEnabled() bool {
	return s.ExpirationCheck != nil && *s.ExpirationCheck
}

func (s SessionConfig) AutomaticRefreshEnabled() bool {
	return s.AutomaticRefresh != nil && *s.AutomaticRefresh
}

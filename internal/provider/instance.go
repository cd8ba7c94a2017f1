package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/marcogenualdo/oidc-rp/internal/config"
)

// DefaultTimeout bounds a discovery fetch when no provider timeout is
// configured.
const DefaultTimeout = 10 * time.Second

var ErrUnknownProvider = errors.New("unknown provider")

// Instance is a configured provider: a resolved Config plus the cached OpenID
// configuration document.
type Instance struct {
	ID             string
	Preset         string
	Config         *Config
	HeaderMappings map[string]string
	// Timeout bounds each discovery fetch. Zero or negative disables it.
	Timeout time.Duration

	client *http.Client

	group singleflight.Group
	mu    sync.Mutex
	doc   *Document
}

func NewInstance(id string, cfg *Config, client *http.Client) *Instance {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &Instance{ID: id, Config: cfg, Timeout: DefaultTimeout, client: client}
}

// Validate checks the instance against its own required properties.
func (i *Instance) Validate() Result {
	return Validate(i.Config, i.Config.RequiredProperties)
}

// OpenIDConfiguration resolves the provider metadata document once and caches
// it. Concurrent callers share one fetch, which runs under Timeout and is not
// cancelled when a single caller gives up. Failed resolutions are not cached.
func (i *Instance) OpenIDConfiguration(ctx context.Context) (*Document, error) {
	i.mu.Lock()
	doc := i.doc
	i.mu.Unlock()
	if doc != nil {
		return doc, nil
	}

	source, err := i.Config.openIDConfiguration()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", i.ID, err)
	}

	ch := i.group.DoChan("openid-configuration", func() (any, error) {
		fetchCtx, cancel := i.withTimeout(context.WithoutCancel(ctx))
		defer cancel()

		doc, err := source.resolve(fetchCtx, i.Config, i.client)
		if err != nil {
			return nil, err
		}

		i.mu.Lock()
		i.doc = doc
		i.mu.Unlock()
		return doc, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("provider %s: %w", i.ID, res.Err)
		}
		return res.Val.(*Document), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("provider %s: %w", i.ID, ctx.Err())
	}
}

func (i *Instance) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.Timeout)
}

// Instances is the startup-built, read-only set of configured providers.
type Instances map[string]*Instance

func (s Instances) Get(id string) (*Instance, error) {
	inst, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return inst, nil
}

// Build resolves every configured provider against the registry, applies
// environment overrides, defaults the redirect URI to this service's callback
// route and validates the result. All failures are reported together.
func Build(cfg *config.Config, registry *Registry, client *http.Client) (Instances, error) {
	instances := make(Instances, len(cfg.Providers))
	var result *multierror.Error

	for _, pc := range cfg.Providers {
		preset := pc.Preset
		if preset == "" {
			preset = "oidc"
		}

		resolved, err := registry.Resolve(preset, &pc.Settings)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("provider %s: %w", pc.ID, err))
			continue
		}

		if pc.ClientID != "" {
			resolved.ClientID = pc.ClientID
			resolved.MarkExplicit("client_id")
		}
		if pc.ClientSecret != "" {
			resolved.ClientSecret = pc.ClientSecret
			resolved.MarkExplicit("client_secret")
		}
		if resolved.RedirectURI == "" && cfg.Server.BaseURL != "" {
			resolved.RedirectURI = cfg.Server.BaseURL + "/auth/" + pc.ID + "/callback"
		} else if len(resolved.RedirectURI) > 0 && resolved.RedirectURI[0] == '/' {
			resolved.RedirectURI = cfg.Server.BaseURL + resolved.RedirectURI
		}
		if resolved.LogoutRedirectURI == "" {
			resolved.LogoutRedirectURI = cfg.Server.BaseURL
		}
		// Env overrides can feed placeholders such as {client_id}.
		resolved.ExpandPlaceholders()

		if res := Validate(resolved, resolved.RequiredProperties); !res.Valid {
			result = multierror.Append(result, fmt.Errorf("provider %s: %w", pc.ID, res.Err()))
			continue
		}
		if errs := validateSessionPolicy(resolved.Session); len(errs) > 0 {
			for _, err := range errs {
				result = multierror.Append(result, fmt.Errorf("provider %s: %w", pc.ID, err))
			}
			continue
		}

		inst := NewInstance(pc.ID, resolved, client)
		if cfg.Server.ProviderTimeout > 0 {
			inst.Timeout = cfg.Server.ProviderTimeout
		}
		inst.Preset = preset
		inst.HeaderMappings = pc.HeaderMappings
		instances[pc.ID] = inst
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return instances, nil
}

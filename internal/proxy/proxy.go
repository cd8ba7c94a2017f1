package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/middleware"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
)

// ReverseProxy forwards authenticated requests to the protected upstream with
// identity headers attached. It must sit behind the session middleware.
type ReverseProxy struct {
	proxy     *httputil.ReverseProxy
	cfg       config.BackendConfig
	providers provider.Instances
	logger    *slog.Logger
}

func NewReverseProxy(cfg config.BackendConfig, providers provider.Instances, logger *slog.Logger) (*ReverseProxy, error) {
	backendURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	transport := cleanhttp.DefaultPooledTransport()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	proxy := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backendURL)
			pr.SetXForwarded()
			if cfg.PreserveHost {
				pr.Out.Host = pr.In.Host
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy error",
				"error", err,
				"backend", backendURL.String(),
				"path", r.URL.Path,
			)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}

	return &ReverseProxy{
		proxy:     proxy,
		cfg:       cfg,
		providers: providers,
		logger:    logger,
	}, nil
}

func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		rp.logger.Error("no session in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var mappings map[string]string
	if inst, err := rp.providers.Get(sess.Provider); err == nil {
		mappings = inst.HeaderMappings
	}

	InjectHeaders(r, sess, mappings)

	rp.logger.Debug("proxying request",
		"path", r.URL.Path,
		"backend", rp.cfg.URL,
		"provider", sess.Provider,
	)

	rp.proxy.ServeHTTP(w, r)
}

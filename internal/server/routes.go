package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marcogenualdo/oidc-rp/internal/handlers"
	"github.com/marcogenualdo/oidc-rp/internal/middleware"
	"github.com/marcogenualdo/oidc-rp/internal/proxy"
	"github.com/marcogenualdo/oidc-rp/internal/session"
)

// Handler returns the fully wired router.
func (s *Server) Handler() (http.Handler, error) {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger, s.metrics),
		addSecurityHeaders,
	)

	csrfMiddleware := middleware.NewCSRFMiddleware(s.cfg.Server.BaseURL, s.logger)

	authHandler := handlers.NewAuthHandler(s.flow)
	sessionHandler := handlers.NewSessionHandler(s.sessions, s.logger)
	streamHandler := handlers.NewLogoutStreamHandler(s.cfg.Server, s.sessions, s.broadcaster, s.metrics, s.logger)
	healthHandler := handlers.NewHealthHandler(s.cfg, s.store, s.providers, s.logger)

	r.Get("/health", healthHandler.ServeHTTP)
	if s.metrics != nil {
		r.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Route("/auth/{provider}", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		// form_post responses arrive as a cross-site POST from the provider.
		r.Post("/callback", authHandler.Callback)
		r.Get("/logout", authHandler.Logout)
		r.With(csrfMiddleware.ValidateOrigin).Post("/logout", authHandler.Logout)
	})

	r.Route("/api/_auth", func(r chi.Router) {
		r.Get("/session", sessionHandler.Get)
		r.With(csrfMiddleware.ValidateOrigin).Delete("/session", sessionHandler.Delete)
		r.With(csrfMiddleware.ValidateOrigin).Post("/refresh", sessionHandler.Refresh)
		r.Get("/sse", streamHandler.ServeHTTP)
	})

	if s.cfg.Backend.URL != "" {
		reverseProxy, err := proxy.NewReverseProxy(s.cfg.Backend, s.providers, s.logger)
		if err != nil {
			return nil, err
		}
		authMiddleware := middleware.NewAuthMiddleware(s.sessions, s.cfg.Server.DefaultProvider, s.logger)
		r.Handle("/*", authMiddleware.RequireSession(session.ErrorBehaviorRedirect)(reverseProxy))
	}

	return r, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

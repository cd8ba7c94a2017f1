package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marcogenualdo/oidc-rp/internal/auth"
	"github.com/marcogenualdo/oidc-rp/internal/auth/oidc"
	"github.com/marcogenualdo/oidc-rp/internal/broadcast"
	"github.com/marcogenualdo/oidc-rp/internal/cache"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/metrics"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/internal/session"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

type Server struct {
	cfg         config.Config
	store       cache.Cache
	providers   provider.Instances
	sessions    *session.Manager
	flow        *auth.Flow
	broadcaster broadcast.Broadcaster
	relay       *broadcast.RedisRelay
	metrics     *metrics.Collectors
	logger      *slog.Logger

	httpServer *http.Server
	stopRelay  context.CancelFunc
	relayDone  chan struct{}
}

// New wires the session manager, the auth flow and the logout broadcaster
// around an already opened store and the built provider instances.
func New(cfg config.Config, store cache.Cache, providers provider.Instances, client *oidc.Client, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		store:     store,
		providers: providers,
		logger:    logger,
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = metrics.New()
		if err := s.metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	hub := broadcast.NewHub()
	s.broadcaster = hub
	if rc, ok := store.(*cache.RedisCache); ok && cfg.Storage.Redis != nil {
		s.relay = broadcast.NewRedisRelay(hub, rc.Client(), cfg.Storage.Redis.LogoutChannel, s.metrics, logger)
		s.broadcaster = s.relay
	}

	key, err := security.ParseTokenKey(cfg.Secrets.TokenKey)
	if err != nil {
		return nil, err
	}
	cipher, err := security.NewTokenCipher(key)
	if err != nil {
		return nil, err
	}
	sessionSealer, err := security.NewSealer(cfg.Secrets.SessionSecret, "session")
	if err != nil {
		return nil, fmt.Errorf("session secret: %w", err)
	}
	flowSealer, err := security.NewSealer(cfg.Secrets.AuthSessionSecret, "auth-flow")
	if err != nil {
		return nil, fmt.Errorf("auth session secret: %w", err)
	}

	s.sessions, err = session.NewManager(session.Options{
		Session:     cfg.Session,
		Server:      cfg.Server,
		Providers:   providers,
		Store:       store,
		Cipher:      cipher,
		Sealer:      sessionSealer,
		Refresher:   client,
		Broadcaster: s.broadcaster,
		Metrics:     s.metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s.flow, err = auth.NewFlow(auth.Options{
		Server:     cfg.Server,
		Session:    cfg.Session,
		Providers:  providers,
		Sessions:   s.sessions,
		Client:     client,
		FlowSealer: flowSealer,
		Metrics:    s.metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Start serves until the listener fails or the process receives SIGINT or
// SIGTERM, in which case it shuts down gracefully.
func (s *Server) Start() error {
	router, err := s.setupRoutes()
	if err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	if err := s.startRelay(); err != nil {
		return err
	}

	// Cancelling the base context on shutdown ends open event streams, which
	// would otherwise hold Shutdown until its deadline.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           router,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(cancelBase)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"host", s.cfg.Server.Host,
			"port", s.cfg.Server.Port,
			"base_url", s.cfg.Server.BaseURL,
			"providers", len(s.providers),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stop()
		return err
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig)
		return s.Shutdown()
	}
}

// startRelay subscribes to the redis logout channel and waits for the
// subscription so no event published after startup is missed.
func (s *Server) startRelay() error {
	if s.relay == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	failed := make(chan error, 1)
	s.stopRelay = cancel
	s.relayDone = make(chan struct{})

	go func() {
		defer close(s.relayDone)
		if err := s.relay.Run(ctx, ready); err != nil {
			s.logger.Error("logout relay stopped", "error", err)
			failed <- err
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-failed:
		cancel()
		return fmt.Errorf("failed to start logout relay: %w", err)
	case <-time.After(10 * time.Second):
		cancel()
		return errors.New("timed out subscribing to the logout channel")
	}
}

func (s *Server) stop() {
	if s.stopRelay != nil {
		s.stopRelay()
		<-s.relayDone
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.stop()

	s.logger.Info("server shutdown complete")
	return nil
}

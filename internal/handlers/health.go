package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/marcogenualdo/oidc-rp/internal/cache"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
)

type HealthHandler struct {
	cfg       config.Config
	store     cache.Cache
	providers provider.Instances
	logger    *slog.Logger
	startTime time.Time
}

func NewHealthHandler(cfg config.Config, store cache.Cache, providers provider.Instances, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:       cfg,
		store:     store,
		providers: providers,
		logger:    logger,
		startTime: time.Now(),
	}
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Uptime    string           `json:"uptime"`
	Storage   StorageHealth    `json:"storage"`
	Providers []ProviderHealth `json:"providers"`
}

type StorageHealth struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type ProviderHealth struct {
	ID     string `json:"id"`
	Preset string `json:"preset"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Uptime:    time.Since(h.startTime).Truncate(time.Second).String(),
		Providers: make([]ProviderHealth, 0, len(h.providers)),
	}

	response.Storage.Type = h.cfg.Storage.Type
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("storage health check failed", "error", err)
		response.Storage.Status = "error: " + err.Error()
		response.Status = "degraded"
	} else {
		response.Storage.Status = "connected"
	}

	for id, inst := range h.providers {
		response.Providers = append(response.Providers, ProviderHealth{ID: id, Preset: inst.Preset})
	}
	sort.Slice(response.Providers, func(i, j int) bool {
		return response.Providers[i].ID < response.Providers[j].ID
	})

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcogenualdo/oidc-rp/internal/broadcast"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/metrics"
	"github.com/marcogenualdo/oidc-rp/internal/session"
)

// LogoutStreamHandler keeps an event stream open for a single sign-out session
// and emits a logout event once any session sharing its identity logs out.
type LogoutStreamHandler struct {
	cfg         config.ServerConfig
	sessions    *session.Manager
	broadcaster broadcast.Broadcaster
	metrics     *metrics.Collectors
	logger      *slog.Logger
}

func NewLogoutStreamHandler(cfg config.ServerConfig, sessions *session.Manager, broadcaster broadcast.Broadcaster, m *metrics.Collectors, logger *slog.Logger) *LogoutStreamHandler {
	return &LogoutStreamHandler{
		cfg:         cfg,
		sessions:    sessions,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger,
	}
}

func (h *LogoutStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Get(r)
	if sess.IsZero() {
		writeError(w, http.StatusUnauthorized, "unauthorized", session.ErrUnauthenticated.Error())
		return
	}
	if !sess.SingleSignOut || sess.Identity == "" {
		writeError(w, http.StatusBadRequest, "sso_disabled", "single sign-out is not enabled for this session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	// Subscribe before the headers go out so no logout between the two is lost.
	sub := h.broadcaster.Subscribe(sess.Identity)
	defer sub.Close()

	defer h.metrics.StreamOpened()()

	// The server-wide write timeout would cut the stream short.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("logout stream opened", "provider", sess.Provider)

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("logout stream closed by client", "provider", sess.Provider)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.C:
			fmt.Fprint(w, "event: logout\ndata: {}\n\n")
			flusher.Flush()
			h.logger.Info("logout event delivered", "provider", sess.Provider)

			// Hold the stream briefly so the client reads the event before the
			// connection drops.
			select {
			case <-time.After(h.cfg.SSEGracePeriod):
			case <-r.Context().Done():
			}
			return
		}
	}
}

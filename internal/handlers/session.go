package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcogenualdo/oidc-rp/internal/session"
)

// SessionHandler serves the session API under /api/_auth.
type SessionHandler struct {
	sessions *session.Manager
	logger   *slog.Logger
}

func NewSessionHandler(sessions *session.Manager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// Get returns the current session, or an empty object when there is none.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.FetchForAPI(r)
	if err != nil {
		h.logger.Warn("session fetch vetoed", "error", err)
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	if sess.IsZero() {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Clear(w, r); err != nil {
		h.logger.Error("failed to clear session", "error", err)
		writeError(w, http.StatusInternalServerError, "session", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// Refresh rotates the session's tokens. A missing persistent record under the
// warn or silent policy answers refreshed=false with the session kept.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	_, refreshed, err := h.sessions.Refresh(w, r)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"refreshed": refreshed})
	case errors.Is(err, session.ErrUnauthenticated), errors.Is(err, session.ErrMissingPersistentSession):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, session.ErrCannotRefresh):
		writeError(w, http.StatusBadRequest, "cannot_refresh", err.Error())
	case errors.Is(err, session.ErrRefreshFailed):
		writeError(w, http.StatusUnauthorized, "refresh_failed", err.Error())
	default:
		h.logger.Error("session refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/marcogenualdo/oidc-rp/internal/auth"
	"github.com/marcogenualdo/oidc-rp/internal/session"
)

type contextKey string

const SessionContextKey contextKey = "session"

type AuthMiddleware struct {
	sessions        *session.Manager
	defaultProvider string
	logger          *slog.Logger
}

func NewAuthMiddleware(sessions *session.Manager, defaultProvider string, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		sessions:        sessions,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// RequireSession admits requests with a valid session, refreshing it when it
// is about to expire. Other requests get a 401 or are sent to the login route,
// depending on behavior.
func (am *AuthMiddleware) RequireSession(behavior session.ErrorBehavior) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := am.sessions.Require(w, r, session.RequireOptions{ErrorBehavior: behavior})
			if err != nil {
				am.reject(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), SessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (am *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	var unauthorized *session.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		am.logger.Error("session check failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	am.logger.Debug("session required", "path", r.URL.Path, "reason", unauthorized.Err)

	if unauthorized.Behavior == session.ErrorBehaviorRedirect {
		providerID := unauthorized.Provider
		if providerID == "" {
			providerID = am.defaultProvider
		}
		target := auth.LoginPath(providerID) + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": unauthorized.Err.Error(),
	})
}

func GetSession(ctx context.Context) (*session.UserSession, bool) {
	sess, ok := ctx.Value(SessionContextKey).(*session.UserSession)
	return sess, ok
}

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marcogenualdo/oidc-rp/internal/auth"
)

// AuthHandler exposes the login, callback and logout routes of every provider
// under /auth/{provider}/.
type AuthHandler struct {
	flow *auth.Flow
}

func NewAuthHandler(flow *auth.Flow) *AuthHandler {
	return &AuthHandler{flow: flow}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.flow.Login(w, r, chi.URLParam(r, "provider"))
}

func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	h.flow.Callback(w, r, chi.URLParam(r, "provider"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.flow.Logout(w, r, chi.URLParam(r, "provider"))
}

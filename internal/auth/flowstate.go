package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

// FlowState is the short-lived state of one login attempt. It lives in its own
// sealed cookie and is consumed by the callback.
type FlowState struct {
	Provider            string `json:"provider"`
	State               string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeVerifier        string `json:"codeVerifier,omitempty"`
	Redirect            string `json:"redirect,omitempty"`
	CallbackRedirectURL string `json:"callbackRedirectUrl,omitempty"`
	ExpiresAt           int64  `json:"exp"`
}

type flowStore struct {
	sealer *security.Sealer
	server config.ServerConfig
	name   string
	ttl    time.Duration
	now    func() time.Time
}

// save writes the flow cookie. A form_post callback is a cross-site POST, so
// the cookie must then be SameSite=None to be sent back.
func (s *flowStore) save(w http.ResponseWriter, st *FlowState, formPost bool) error {
	st.ExpiresAt = s.now().Add(s.ttl).Unix()

	value, err := s.sealer.Seal(st)
	if err != nil {
		return fmt.Errorf("failed to seal auth flow state: %w", err)
	}

	cookie := security.CreateCookie(s.server, s.name, value, "/", s.ttl)
	if formPost {
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true
	}
	http.SetCookie(w, cookie)
	return nil
}

// consume reads the flow state and always expires the cookie, so a state can
// be presented at most once.
func (s *flowStore) consume(w http.ResponseWriter, r *http.Request, providerID string) (*FlowState, error) {
	cookie, err := r.Cookie(s.name)
	if err != nil {
		return nil, ErrFlowStateMissing
	}
	http.SetCookie(w, security.ClearCookie(s.server, s.name, "/"))

	var st FlowState
	if err := s.sealer.Open(cookie.Value, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlowStateMissing, err)
	}
	if st.ExpiresAt <= s.now().Unix() {
		return nil, ErrFlowStateExpired
	}
	if st.Provider != providerID {
		return nil, ErrFlowProviderMismatch
	}
	return &st, nil
}

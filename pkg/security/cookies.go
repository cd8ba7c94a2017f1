package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/marcogenualdo/oidc-rp/internal/config"
)

func CreateCookie(cfg config.ServerConfig, name, value, path string, maxAge time.Duration) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(cfg.CookieSameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}

	if path == "" {
		path = "/"
	}

	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   cfg.CookieDomain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   cfg.CookieSecure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

func ClearCookie(cfg config.ServerConfig, name, path string) *http.Cookie {
	cookie := CreateCookie(cfg, name, "", path, 0)
	cookie.MaxAge = -1
	return cookie
}

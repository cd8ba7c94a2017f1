package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/marcogenualdo/oidc-rp/internal/session"
)

// identityHeaders are always stripped from incoming requests so a client
// cannot forge them.
var identityHeaders = []string{"X-Auth-Provider", "X-Auth-User", "X-Auth-Expires-At"}

// InjectHeaders maps session claims and provider info onto upstream request
// headers. mappings is claim name to header name; claims win over userinfo.
func InjectHeaders(req *http.Request, sess *session.UserSession, mappings map[string]string) {
	for _, h := range identityHeaders {
		req.Header.Del(h)
	}
	for _, header := range mappings {
		req.Header.Del(header)
	}

	for claim, header := range mappings {
		value, ok := sess.Claims[claim]
		if !ok {
			value, ok = sess.ProviderInfo[claim]
		}
		if !ok {
			continue
		}

		if headerValue := formatHeaderValue(value); headerValue != "" {
			req.Header.Set(header, headerValue)
		}
	}

	req.Header.Set("X-Auth-Provider", sess.Provider)
	if sess.UserName != "" {
		req.Header.Set("X-Auth-User", sess.UserName)
	}
	if sess.ExpireAt > 0 {
		req.Header.Set("X-Auth-Expires-At", fmt.Sprintf("%d", sess.ExpireAt))
	}
}

func formatHeaderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				parts = append(parts, str)
			} else {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

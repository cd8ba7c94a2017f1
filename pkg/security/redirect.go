package security

import (
	"net/url"
	"strings"
)

// SanitizeRedirect accepts only same-origin absolute paths. Absolute URLs,
// protocol-relative URLs and anything without a single leading slash are
// rejected.
func SanitizeRedirect(target string) (string, bool) {
	if target == "" || target[0] != '/' {
		return "", false
	}
	if len(target) > 1 && (target[1] == '/' || target[1] == '\\') {
		return "", false
	}
	if strings.ContainsAny(target, "\r\n\t") {
		return "", false
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "", false
	}
	return target, true
}

// RedirectOrDefault returns the sanitized target, or fallback when target is
// rejected.
func RedirectOrDefault(target, fallback string) string {
	if safe, ok := SanitizeRedirect(target); ok {
		return safe
	}
	return fallback
}

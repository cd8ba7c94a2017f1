package security

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeJWT returns the claims of a compact JWT without verifying its
// signature. Callers that need trust must verify against the issuer's JWKS.
func DecodeJWT(raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithJSONNumber())
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decode jwt: %w", err)
	}

	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = normalizeNumber(v)
	}
	return out, nil
}

func normalizeNumber(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []any:
		for i := range n {
			n[i] = normalizeNumber(n[i])
		}
		return n
	case map[string]any:
		for k := range n {
			n[k] = normalizeNumber(n[k])
		}
		return n
	default:
		return v
	}
}

func ClaimString(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// ClaimUnix reads a NumericDate claim such as exp or iat.
func ClaimUnix(claims map[string]any, name string) int64 {
	switch v := claims[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(math.Floor(v))
	case json.Number:
		i, _ := v.Int64()
		return i
	default:
		return 0
	}
}

// ClaimAudience returns the aud claim as a list, whether it was encoded as a
// single string or an array.
func ClaimAudience(claims map[string]any) []string {
	switch v := claims["aud"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	default:
		return nil
	}
}

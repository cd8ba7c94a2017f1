package security

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/oidc-rp/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	a, err := GenerateRandomString(32)
	require.NoError(t, err)
	b, err := GenerateRandomString(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("state", "state"))
	assert.False(t, ConstantTimeEqual("state", "other"))
	assert.False(t, ConstantTimeEqual("state", ""))
}

func TestGenerateCodeVerifier(t *testing.T) {
	for length := MinVerifierLength; length <= MaxVerifierLength; length++ {
		verifier, err := GenerateCodeVerifier(length)
		require.NoError(t, err)
		assert.Len(t, verifier, length)
		for _, r := range verifier {
			assert.True(t, strings.ContainsRune(unreserved, r), "unexpected character %q", r)
		}
	}

	for _, length := range []int{0, 42, 129, -1} {
		_, err := GenerateCodeVerifier(length)
		assert.ErrorIs(t, err, ErrInvalidVerifierLength)
	}
}

func TestCodeChallenge(t *testing.T) {
	verifier := "9d509f04c574c228491421ddd35f209e6952379d025242dcdd51f7f0"
	assert.Equal(t, "3PKu5yGD74_vuhAQI6-YRiwomm09qfoy1ZV6naT2L1I", CodeChallenge(verifier))
	assert.Equal(t, CodeChallenge(verifier), CodeChallenge(verifier))
}

func newCipher(t *testing.T, fill byte) *TokenCipher {
	t.Helper()
	c, err := NewTokenCipher(bytes.Repeat([]byte{fill}, TokenKeyLength))
	require.NoError(t, err)
	return c
}

func TestTokenCipherRoundTrip(t *testing.T) {
	c := newCipher(t, 1)

	for name, plaintext := range map[string]string{
		"empty":   "",
		"ascii":   "refresh-token",
		"unicode": "jeton de rafraîchissement ✓ 🔑",
		"long":    strings.Repeat("x", 10001),
	} {
		t.Run(name, func(t *testing.T) {
			enc, err := c.Encrypt(plaintext)
			require.NoError(t, err)
			assert.False(t, enc.IsZero())

			got, err := c.Decrypt(enc)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestTokenCipherRejectsTampering(t *testing.T) {
	c := newCipher(t, 1)
	enc, err := c.Encrypt("refresh-token")
	require.NoError(t, err)

	flip := func(s string) string {
		raw, err := base64.StdEncoding.DecodeString(s)
		require.NoError(t, err)
		raw[0] ^= 0xff
		return base64.StdEncoding.EncodeToString(raw)
	}

	cases := map[string]struct {
		cipher *TokenCipher
		token  EncryptedToken
	}{
		"wrong key":           {newCipher(t, 2), enc},
		"tampered ciphertext": {c, EncryptedToken{Ciphertext: flip(enc.Ciphertext), IV: enc.IV}},
		"tampered iv":         {c, EncryptedToken{Ciphertext: enc.Ciphertext, IV: flip(enc.IV)}},
		"short iv":            {c, EncryptedToken{Ciphertext: enc.Ciphertext, IV: base64.StdEncoding.EncodeToString([]byte("short"))}},
		"not base64":          {c, EncryptedToken{Ciphertext: "%%%", IV: enc.IV}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := tc.cipher.Decrypt(tc.token)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
			assert.Empty(t, got)
		})
	}
}

func TestTokenCipherUniqueIV(t *testing.T) {
	c := newCipher(t, 1)
	ivs := make(map[string]struct{})
	ciphertexts := make(map[string]struct{})

	for range 10 {
		enc, err := c.Encrypt("same-token")
		require.NoError(t, err)
		ivs[enc.IV] = struct{}{}
		ciphertexts[enc.Ciphertext] = struct{}{}

		iv, err := base64.StdEncoding.DecodeString(enc.IV)
		require.NoError(t, err)
		assert.Len(t, iv, 12)
	}
	assert.Len(t, ivs, 10)
	assert.Len(t, ciphertexts, 10)
}

func TestParseTokenKey(t *testing.T) {
	key := bytes.Repeat([]byte{9}, 32)

	got, err := ParseTokenKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = ParseTokenKey(base64.RawStdEncoding.EncodeToString(key) + "\n")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParseTokenKey(base64.StdEncoding.EncodeToString(key[:16]))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseTokenKey("not base64!")
	assert.Error(t, err)

	_, err = NewTokenCipher(key[:31])
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealer(t *testing.T) {
	secret := strings.Repeat("k", 32)
	sessions, err := NewSealer(secret, "session")
	require.NoError(t, err)
	flows, err := NewSealer(secret, "auth-flow")
	require.NoError(t, err)

	type payload struct {
		ID  string `json:"id"`
		Exp int64  `json:"exp"`
	}

	sealed, err := sessions.Seal(payload{ID: "abc", Exp: 42})
	require.NoError(t, err)

	var got payload
	require.NoError(t, sessions.Open(sealed, &got))
	assert.Equal(t, payload{ID: "abc", Exp: 42}, got)

	t.Run("purposes are not interchangeable", func(t *testing.T) {
		assert.ErrorIs(t, flows.Open(sealed, &got), ErrInvalidSeal)
	})

	t.Run("different secret", func(t *testing.T) {
		other, err := NewSealer(strings.Repeat("z", 32), "session")
		require.NoError(t, err)
		assert.ErrorIs(t, other.Open(sealed, &got), ErrInvalidSeal)
	})

	t.Run("garbage", func(t *testing.T) {
		assert.ErrorIs(t, sessions.Open("!!", &got), ErrInvalidSeal)
		assert.ErrorIs(t, sessions.Open("AAAA", &got), ErrInvalidSeal)
	})

	t.Run("short secret", func(t *testing.T) {
		_, err := NewSealer("short", "session")
		assert.ErrorIs(t, err, ErrSecretTooShort)
	})
}

func TestSanitizeRedirect(t *testing.T) {
	accepted := []string{"/protected", "/", "/a/b?c=d#e"}
	for _, target := range accepted {
		got, ok := SanitizeRedirect(target)
		assert.True(t, ok, target)
		assert.Equal(t, target, got)
	}

	rejected := []string{
		"https://evil.com",
		"//evil.com",
		"no-leading-slash",
		"/\\evil.com",
		"",
		"/path\r\nSet-Cookie: x=y",
		"javascript:alert(1)",
	}
	for _, target := range rejected {
		_, ok := SanitizeRedirect(target)
		assert.False(t, ok, target)
	}

	assert.Equal(t, "/home", RedirectOrDefault("https://evil.com", "/home"))
	assert.Equal(t, "/ok", RedirectOrDefault("/ok", "/home"))
}

func TestDecodeJWT(t *testing.T) {
	// {"alg":"none"}.{"sub":"user-1","exp":1800000000,"aud":["a","b"],"nonce":"n"}
	raw := "eyJhbGciOiJub25lIn0." +
		base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user-1","exp":1800000000,"aud":["a","b"],"nonce":"n"}`)) +
		".c2ln"

	claims, err := DecodeJWT(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ClaimString(claims, "sub"))
	assert.Equal(t, int64(1800000000), ClaimUnix(claims, "exp"))
	assert.Equal(t, []string{"a", "b"}, ClaimAudience(claims))
	assert.Equal(t, "n", ClaimString(claims, "nonce"))
	assert.Empty(t, ClaimString(claims, "missing"))

	assert.Equal(t, []string{"single"}, ClaimAudience(map[string]any{"aud": "single"}))
	assert.Nil(t, ClaimAudience(map[string]any{}))

	_, err = DecodeJWT("opaque-token")
	assert.Error(t, err)
}

func TestCookies(t *testing.T) {
	cfg := config.ServerConfig{CookieDomain: "example.com", CookieSecure: true, CookieSameSite: "strict"}

	cookie := CreateCookie(cfg, "name", "value", "", time.Hour)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.Equal(t, "example.com", cookie.Domain)
	assert.True(t, cookie.Secure)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	cleared := ClearCookie(config.ServerConfig{}, "name", "/")
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, http.SameSiteLaxMode, cleared.SameSite)
}

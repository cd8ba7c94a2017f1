package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	TokenKeyLength = 32
	ivLength       = 12
)

var (
	ErrInvalidKey       = errors.New("token key must decode to 32 bytes")
	ErrDecryptionFailed = errors.New("token decryption failed")
)

// EncryptedToken is the at-rest form of an access, refresh or id token.
type EncryptedToken struct {
	Ciphertext string `json:"encryptedToken"`
	IV         string `json:"iv"`
}

func (t EncryptedToken) IsZero() bool {
	return t.Ciphertext == "" && t.IV == ""
}

// TokenCipher encrypts tokens with AES-256-GCM. A fresh random IV is drawn
// for every call to Encrypt.
type TokenCipher struct {
	aead cipher.AEAD
}

// ParseTokenKey decodes a base64 (standard or raw) 256-bit key.
func ParseTokenKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode token key: %w", err)
		}
	}
	if len(key) != TokenKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	return key, nil
}

func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != TokenKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

func (c *TokenCipher) Encrypt(plaintext string) (EncryptedToken, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedToken{}, fmt.Errorf("generate iv: %w", err)
	}
	ct := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return EncryptedToken{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

func (c *TokenCipher) Decrypt(token EncryptedToken) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(token.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %v", ErrDecryptionFailed, err)
	}
	if len(iv) != ivLength {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrDecryptionFailed, ivLength)
	}
	ct, err := base64.StdEncoding.DecodeString(token.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrDecryptionFailed, err)
	}
	pt, err := c.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(pt), nil
}

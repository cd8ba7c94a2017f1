package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const MinSecretLength = 32

var (
	ErrSecretTooShort = fmt.Errorf("secret must be at least %d characters", MinSecretLength)
	ErrInvalidSeal    = errors.New("invalid sealed value")
)

// Sealer encrypts and authenticates cookie payloads. The key is derived from
// the secret and a purpose label, so values sealed for one purpose cannot be
// opened by a Sealer built for another.
type Sealer struct {
	aead    cipher.AEAD
	purpose []byte
}

func NewSealer(secret, purpose string) (*Sealer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("oidc-rp/"+purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	return &Sealer{aead: aead, purpose: []byte(purpose)}, nil
}

func (s *Sealer) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, s.purpose)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(value string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}

	size := s.aead.NonceSize()
	if len(raw) < size {
		return ErrInvalidSeal
	}

	plaintext, err := s.aead.Open(nil, raw[:size], raw[size:], s.purpose)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	return nil
}

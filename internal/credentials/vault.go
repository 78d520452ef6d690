// Package credentials seals and opens per-tenant integration secrets.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	v1Prefix    = "v1:"
	plainPrefix = "plain:"
)

var ErrUnknownVersion = errors.New("unknown ciphertext version")

// Vault encrypts with AES-256-GCM. Ciphertexts are "v1:" + base64(nonce|sealed).
type Vault struct {
	aead cipher.AEAD
	// AllowPlain accepts "plain:" values, used only by local setups.
	AllowPlain bool
}

func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// NewVaultFromHex builds a vault from a 64-character hex key.
func NewVaultFromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewVault(key)
}

func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return v1Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Open(ciphertext string) (string, error) {
	switch {
	case strings.HasPrefix(ciphertext, v1Prefix):
	case v.AllowPlain && strings.HasPrefix(ciphertext, plainPrefix):
		return strings.TrimPrefix(ciphertext, plainPrefix), nil
	default:
		return "", ErrUnknownVersion
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, v1Prefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// SealJSON encrypts a credential bundle as stored in integrations.secret_cipher.
func (v *Vault) SealJSON(bundle map[string]string) (string, error) {
	b, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	return v.Seal(string(b))
}

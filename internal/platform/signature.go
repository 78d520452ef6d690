package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyBase64HMAC checks sig == base64(HMAC-SHA256(secret, body)).
func VerifyBase64HMAC(secret string, body []byte, sig string) error {
	if secret == "" || sig == "" {
		return ErrInvalidSignature
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, sum(secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyHexHMAC checks sig == hex(HMAC-SHA256(secret, body)).
func VerifyHexHMAC(secret string, body []byte, sig string) error {
	if secret == "" || sig == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sig), "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, sum(secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyToken compares a shared-secret header in constant time.
func VerifyToken(want, got string) error {
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

func SignBase64HMAC(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(sum(secret, body))
}

func SignHexHMAC(secret string, body []byte) string {
	return hex.EncodeToString(sum(secret, body))
}

func sum(secret string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write(body)
	return m.Sum(nil)
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Sign computes the raw HMAC-SHA256 digest of message under key.
func Sign(key []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// SignData computes an HMAC-SHA256 signature over data and returns it
// base64url-encoded, suitable for embedding in tokens and cookies.
func SignData(data string, key []byte) string {
	return base64.RawURLEncoding.EncodeToString(Sign(key, []byte(data)))
}

// ValidateSignedData checks a base64url signature produced by SignData.
// A signature that fails to decode is simply invalid.
func ValidateSignedData(data string, signature string, key []byte) bool {
	provided, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ConstantTimeEqual(Sign(key, []byte(data)), provided)
}

// ConstantTimeEqual compares two byte slices without leaking where they
// differ. Differing lengths return false immediately; length is not secret.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

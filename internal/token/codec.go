// Package token implements the compact signed session token:
// base64url(header) "." base64url(payload) "." base64url(signature), with an
// HMAC-SHA256 signature over the first two segments. It is deliberately
// self-contained rather than built on a JWT library: the token format is the
// wire contract of the session cookie and must not drift with a dependency.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sellista/authbroker/internal/crypto"
	"github.com/sellista/authbroker/internal/session"
)

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Encode serializes the payload into a signed compact token. With an empty
// secret the token is issued with alg "none" and an empty signature segment.
// Unsigned tokens are forgeable; config validation keeps that mode out of
// production, but the codec supports it for development parity.
func Encode(payload session.Payload, secret []byte) (string, error) {
	alg := "none"
	if len(secret) > 0 {
		alg = "HS256"
	}

	headerJSON, err := json.Marshal(header{Alg: alg, Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)

	if len(secret) == 0 {
		return signingInput + ".", nil
	}

	sig := crypto.Sign(secret, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Decode parses and verifies a token, returning nil for anything that is not
// a currently valid session: malformed segments, bad JSON, a signature
// mismatch, a missing email, or an expired payload. Callers treat all of
// these uniformly as "no session".
func Decode(tok string, secret []byte) *session.Payload {
	parts := strings.Split(tok, ".")
	if len(parts) < 2 {
		return nil
	}

	if len(secret) > 0 {
		if len(parts) < 3 {
			return nil
		}
		provided, err := base64.RawURLEncoding.DecodeString(parts[2])
		if err != nil {
			return nil
		}
		expected := crypto.Sign(secret, []byte(parts[0]+"."+parts[1]))
		if !crypto.ConstantTimeEqual(expected, provided) {
			return nil
		}
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}

	var payload session.Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil
	}
	if payload.Email == "" {
		return nil
	}
	if payload.ExpiredAt(time.Now()) {
		return nil
	}

	return &payload
}

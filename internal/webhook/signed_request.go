// Package webhook parses Meta's signed_request payloads. Instagram's
// deauthorize and data-deletion callbacks both carry the same envelope, so
// the verification lives here once instead of per consumer.
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sellista/authbroker/internal/crypto"
)

// Payload is the decoded signed_request body. Meta sends additional fields
// depending on the callback; only the ones every consumer needs are typed.
type Payload struct {
	Algorithm string `json:"algorithm"`
	IssuedAt  int64  `json:"issued_at"`
	UserID    string `json:"user_id"`
}

// Issued returns the payload's issue time.
func (p *Payload) Issued() time.Time {
	return time.Unix(p.IssuedAt, 0)
}

// ParseSignedRequest verifies and decodes a signed_request value:
// base64url(HMAC-SHA256 signature) "." base64url(JSON payload), signed with
// the app secret. The signature covers the encoded payload segment, not the
// decoded JSON.
func ParseSignedRequest(signedRequest string, secret []byte) (*Payload, error) {
	sigPart, payloadPart, ok := strings.Cut(signedRequest, ".")
	if !ok {
		return nil, fmt.Errorf("malformed signed_request: missing separator")
	}

	signature, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sigPart, "="))
	if err != nil {
		return nil, fmt.Errorf("malformed signed_request: decoding signature: %w", err)
	}

	expected := crypto.Sign(secret, []byte(payloadPart))
	if !crypto.ConstantTimeEqual(expected, signature) {
		return nil, fmt.Errorf("signed_request signature mismatch")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payloadPart, "="))
	if err != nil {
		return nil, fmt.Errorf("malformed signed_request: decoding payload: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("malformed signed_request: parsing payload: %w", err)
	}

	if !strings.EqualFold(payload.Algorithm, "HMAC-SHA256") {
		return nil, fmt.Errorf("unsupported signed_request algorithm %q", payload.Algorithm)
	}
	if payload.UserID == "" {
		return nil, fmt.Errorf("signed_request payload missing user_id")
	}

	return &payload, nil
}

package session

import "time"

// Payload is the session data carried in the signed browser cookie. The
// cookie is the session store; there is no server-side session table.
type Payload struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	Sub     string `json:"sub,omitempty"`
	Iat     int64  `json:"iat"`
	Exp     int64  `json:"exp"`
}

// New builds a payload issued now and expiring after ttl. Sessions are never
// extended in place; a new token replaces the old one.
func New(email, name, picture, sub string, ttl time.Duration) Payload {
	now := time.Now().Unix()
	return Payload{
		Email:   email,
		Name:    name,
		Picture: picture,
		Sub:     sub,
		Iat:     now,
		Exp:     now + int64(ttl.Seconds()),
	}
}

// ExpiredAt reports whether the payload is expired at t. A zero Exp means
// the payload carries no expiry.
func (p Payload) ExpiredAt(t time.Time) bool {
	return p.Exp != 0 && t.Unix() > p.Exp
}

// Package cookie reads request cookies and builds Set-Cookie header values
// with the security attributes the broker requires. Values are
// percent-encoded so they survive separators and non-ASCII characters.
package cookie

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sellista/authbroker/internal/envutil"
)

// SessionCookie holds the encoded session payload.
const SessionCookie = "session"

// SessionMaxAge is the session cookie lifetime: 7 days.
const SessionMaxAge = 7 * 24 * 60 * 60

// StateMaxAge bounds how long an OAuth state nonce stays valid.
const StateMaxAge = 600

// Options control the attributes emitted by Build. The zero value gets the
// secure defaults: HttpOnly, Secure, SameSite=Lax, Path=/.
//
// MaxAge follows the net/http convention: 0 omits Max-Age (a session-only
// cookie), a negative value emits Max-Age=0 to delete the cookie.
type Options struct {
	MaxAge   int
	Path     string
	SameSite string // "Lax", "Strict", or "None"; defaults to "Lax"
	Insecure bool   // drops the Secure attribute; honored only in dev mode
	Script   bool   // drops HttpOnly; never used for session or state cookies
}

// Parse splits a raw Cookie header into name/value pairs. Segments without
// an "=" are skipped; values are percent-decoded, with undecodable values
// kept verbatim.
func Parse(rawHeader string) map[string]string {
	cookies := make(map[string]string)
	for _, segment := range strings.Split(rawHeader, ";") {
		name, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		cookies[name] = value
	}
	return cookies
}

// Build renders a Set-Cookie header value.
func Build(name, value string, opts Options) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(value))

	path := opts.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "; Path=%s", path)

	if opts.MaxAge > 0 {
		fmt.Fprintf(&b, "; Max-Age=%d", opts.MaxAge)
	} else if opts.MaxAge < 0 {
		b.WriteString("; Max-Age=0")
	}

	sameSite := opts.SameSite
	if sameSite == "" {
		sameSite = "Lax"
	}
	fmt.Fprintf(&b, "; SameSite=%s", sameSite)

	if !opts.Script {
		b.WriteString("; HttpOnly")
	}
	if !opts.Insecure || !envutil.IsDev() {
		b.WriteString("; Secure")
	}

	return b.String()
}

// Get retrieves a single cookie value from the request.
func Get(r *http.Request, name string) (string, bool) {
	value, ok := Parse(r.Header.Get("Cookie"))[name]
	return value, ok
}

// SetSession sets the session cookie with the standard attributes.
func SetSession(w http.ResponseWriter, value string) {
	w.Header().Add("Set-Cookie", Build(SessionCookie, value, Options{
		MaxAge:   SessionMaxAge,
		Insecure: envutil.IsDev(),
	}))
}

// ClearSession deletes the session cookie.
func ClearSession(w http.ResponseWriter) {
	w.Header().Add("Set-Cookie", Build(SessionCookie, "", Options{MaxAge: -1}))
}

// SetState sets a provider's OAuth state cookie, scoped to that provider's
// callback subtree so concurrent flows in different tabs do not collide.
func SetState(w http.ResponseWriter, name, value, path string) {
	w.Header().Add("Set-Cookie", Build(name, value, Options{
		MaxAge:   StateMaxAge,
		Path:     path,
		Insecure: envutil.IsDev(),
	}))
}

// ClearState overwrites a state cookie after use so it cannot be replayed.
func ClearState(w http.ResponseWriter, name, path string) {
	w.Header().Add("Set-Cookie", Build(name, "", Options{MaxAge: -1, Path: path}))
}

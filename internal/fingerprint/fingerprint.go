// Package fingerprint derives the throttling key for a sender. The key is a
// truncated SHA-256 over the sender address, user agent and a process secret,
// so it cannot be reversed to recover either input.
package fingerprint

import (
	"net"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/sanitize"
)

const (
	// Length of a fingerprint in hex characters.
	Length = 16

	maxForwarded = 200
)

// Compute returns the fingerprint for the given forwarded address header,
// user agent and secret.
func Compute(forwarded, userAgent, secret string) string {
	addr := sanitize.Clamp(strings.TrimSpace(forwarded), maxForwarded)
	if i := strings.IndexByte(addr, ','); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimSpace(addr)
	ua := sanitize.Clamp(strings.TrimSpace(userAgent), event.MaxUserAgent)

	var b strings.Builder
	b.Grow(len(addr) + len(ua) + len(secret) + 2)
	b.WriteString(addr)
	b.WriteByte('|')
	b.WriteString(ua)
	b.WriteByte('|')
	b.WriteString(secret)
	return cryptoutil.SHA256HexPrefix([]byte(b.String()), Length)
}

// Fingerprinter binds the process secret. The secret is set once and has no
// accessor.
type Fingerprinter struct {
	secret string
}

// New returns a Fingerprinter keyed with secret.
func New(secret string) *Fingerprinter {
	return &Fingerprinter{secret: secret}
}

// FromRequest fingerprints r. The address is the client IP resolved by the
// httpmw.ClientIP middleware when present, otherwise the raw X-Forwarded-For
// header, otherwise the RemoteAddr host.
func (f *Fingerprinter) FromRequest(r *http.Request) string {
	return Compute(Address(r), r.UserAgent(), f.secret)
}

// Address returns the sender address used as fingerprint input.
func Address(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

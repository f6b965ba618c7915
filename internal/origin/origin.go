// Package origin implements the CORS allow-list for the ingestion endpoint.
//
// An empty allow-list means the endpoint is only called same-origin: every
// request passes and no CORS headers are written. A non-empty list requires
// an exact Origin match and reflects only that origin back.
package origin

import (
	"net/http"
	"strings"
)

const (
	allowMethods = "POST, OPTIONS"
	allowHeaders = "Content-Type"
)

// Guard enforces the CORS origin allow-list. An empty list allows every origin
// and emits no CORS headers.
type Guard struct {
	allowed map[string]struct{}
}

// New builds a Guard. Blank entries are ignored.
func New(origins []string) *Guard {
	g := &Guard{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			g.allowed[o] = struct{}{}
		}
	}
	return g
}

// Parse splits a comma-separated origin list, dropping blanks.
func Parse(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Enabled reports whether an allow-list is configured.
func (g *Guard) Enabled() bool { return g != nil && len(g.allowed) > 0 }

// Allowed reports whether a request carrying this Origin header may proceed.
func (g *Guard) Allowed(origin string) bool {
	if !g.Enabled() {
		return true
	}
	if origin == "" {
		return false
	}
	_, ok := g.allowed[origin]
	return ok
}

// Apply writes the CORS response headers when the allow-list is enabled and
// origin passes it, and reports whether it did. It never writes a wildcard
// and never allows credentials.
func (g *Guard) Apply(h http.Header, origin string) bool {
	if !g.Enabled() || !g.Allowed(origin) {
		return false
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", allowMethods)
	h.Set("Access-Control-Allow-Headers", allowHeaders)
	return true
}

// Origins returns the configured allow-list, for startup logging.
func (g *Guard) Origins() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.allowed))
	for o := range g.allowed {
		out = append(out, o)
	}
	return out
}

package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/health"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int
	// Routes mounts the application handlers (the ingestion endpoint).
	Routes       func(chi.Router)
	ClientIPOpts httpmw.ClientIPOptions
	// MaxBodyBytes is the server-wide body cap, default 64 KiB. Handlers
	// may apply a tighter one.
	MaxBodyBytes int64
	MetricsMW    func(http.Handler) http.Handler
	OnPanic      func()
	// probe failures are reported without detail on this listener
	Health    health.Probe
	Readiness health.Probe
}

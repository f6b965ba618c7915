// Package httpserver builds and runs the public listener.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/health"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

const DefaultMaxBodyBytes = 64 << 10

const (
	notFoundBody         = `{"ok":false,"error":"Not found"}`
	methodNotAllowedBody = `{"ok":false,"error":"Method not allowed"}`
)

// NewHandler builds the public handler: routes plus the middleware stack
// described in package httpmw. main owns the *http.Server.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()

	// answered before routing; GET/HEAD only
	r.Use(middleware.Heartbeat("/-/ping"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(health.Redacted(opts.Health)))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(health.Redacted(opts.Readiness)))
	}

	if opts.Routes != nil {
		opts.Routes(r)
	}

	r.NotFound(jsonStatus(http.StatusNotFound, notFoundBody))
	r.MethodNotAllowed(jsonStatus(http.StatusMethodNotAllowed, methodNotAllowedBody))

	traced := otelhttp.NewHandler(
		// inner layers, innermost last
		httpmw.Chain(r,
			httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
			opts.MetricsMW,
			httpmw.WithLogger(L),
		),
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames to the route pattern once matched
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	return httpmw.Chain(traced,
		httpmw.SecurityHeaders,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		httpmw.Recover(L, opts.OnPanic),
	)
}

// probes are polled constantly and carry no useful trace
func shouldTrace(p string) bool {
	return !strings.HasPrefix(p, "/-/") && p != "/favicon.ico" && p != "/robots.txt"
}

func jsonStatus(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Type", "application/json; charset=utf-8")
		h.Set("Cache-Control", "no-store, max-age=0")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

// Server timeout defaults. ReadTimeout bounds how long a slow sender can
// hold a connection while trickling a body.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 16 << 10
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the public HTTP server. Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/emit"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/fingerprint"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/health"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/origin"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/prof"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/secret"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/track"
	v "github.com/keithlinneman/linnemanlabs-pulse/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// env vars use the PULSE_ prefix: -rate-limit <- PULSE_RATE_LIMIT
	cfg.FillFromEnv(flag.CommandLine, "PULSE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	// secret material and DSNs stay out of this line
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trusted_hops", conf.TrustedHops,
		"allowed_origins", origin.Parse(conf.AllowedOrigins),
		"max_body_bytes", conf.MaxBodyBytes,
		"rate_window", conf.RateWindow,
		"rate_limit", conf.RateLimit,
		"rate_max_keys", conf.RateMaxKeys,
		"sink", conf.Sink,
		"shutdown_drain", conf.ShutdownDrain,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)
	outcomes := make([]string, 0, len(track.Outcomes))
	for _, o := range track.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	m.InitTrackOutcomes(outcomes...)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		OnActive:      m.SetProfilingActive,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without export")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS config only when the secret source or the sink needs it
	src := secret.Source{
		Literal:       conf.Secret,
		SSMParam:      conf.SecretSSMParam,
		KMSCiphertext: conf.SecretKMSCiphertext,
	}
	var awsCfg aws.Config
	if src.NeedsAWS() || conf.Sink == cfg.SinkS3 {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
	}

	var clients secret.Clients
	if src.SSMParam != "" {
		clients.SSM = ssm.NewFromConfig(awsCfg)
	}
	if src.KMSCiphertext != "" {
		clients.KMS = kms.NewFromConfig(awsCfg)
	}
	fpSecret, secretOrigin, err := secret.Resolve(ctx, src, clients, L)
	if err != nil {
		L.Error(ctx, err, "failed to resolve fingerprint secret")
		os.Exit(1)
	}
	L.Info(ctx, "fingerprint secret loaded", "origin", secretOrigin)

	limiter := ratelimit.New(ctx,
		ratelimit.WithStore(ratelimit.NewMemoryStore(conf.RateMaxKeys)),
		ratelimit.WithWindow(conf.RateWindow),
		ratelimit.WithLimit(conf.RateLimit),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// once per key per window, keys are already hashed
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "fingerprint", key)
		}),
		ratelimit.WithOnCapacity(func(string) { m.IncRateLimitCapacity() }),
		ratelimit.WithOnSweep(func(removed, remaining int) {
			m.AddRateLimitEvicted(removed)
			L.Debug(ctx, "rate limit sweep", "removed", removed, "remaining", remaining)
		}),
	)
	m.TrackRateLimitKeys(limiter.Keys)

	// the log line is the primary; a durable sink rides alongside
	var emitter emit.Emitter = emit.NewLogEmitter(os.Stdout)
	sink, err := openSink(ctx, conf, awsCfg, m, L)
	if err != nil {
		L.Error(ctx, err, "failed to open sink", "sink", conf.Sink)
		os.Exit(1)
	}
	if sink.emitter != nil {
		tee := emit.Tee(emitter, sink.emitter)
		tee.OnSecondaryError = func(error) { m.IncEmitFailure(conf.Sink) }
		emitter = tee
	}

	trackHandler, err := track.New(track.Options{
		Origins:       origin.New(origin.Parse(conf.AllowedOrigins)),
		Limiter:       limiter,
		Fingerprinter: fingerprint.New(fpSecret),
		Emitter:       emitter,
		MaxBodyBytes:  conf.MaxBodyBytes,
		OnOutcome:     func(o track.Outcome) { m.IncTrackOutcome(string(o)) },
	})
	if err != nil {
		L.Error(ctx, err, "failed to create track handler")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// sink outages fail readiness but never requests
	readiness := health.All(gate.Probe())
	if sink.ping != nil {
		readiness = health.All(gate.Probe(), health.WithTimeout(2*time.Second, sink.ping))
	}

	siteHTTPStop, err := httpserver.Start(ctx, publicServerOptions(conf, L, trackHandler.Mount, m, readiness))
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener: security group limits inbound to monitoring, and the
	// handler rejects public peers and forwarded requests on top of that
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "duration", conf.ShutdownDrain)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 15*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	// listeners are closed, nothing else can be enqueued
	if err := sink.close(shutdownCtx); err != nil {
		L.Error(bg, err, "sink shutdown", "sink", conf.Sink)
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	_ = lg.Sync()
	os.Exit(0)
}

// publicServerOptions builds the public listener config. The server-wide body
// cap follows -max-body-bytes so it never undercuts the handler's own cap.
func publicServerOptions(conf cfg.App, L log.Logger, routes func(chi.Router), m *metrics.ServerMetrics, readiness health.Probe) *httpserver.Options {
	return &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Routes:       routes,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		MetricsMW:    m.Middleware,
		OnPanic:      m.IncHttpPanic,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}

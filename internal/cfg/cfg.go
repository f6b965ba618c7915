package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/origin"
)

// Sink names accepted by -sink.
const (
	SinkLog        = "log"
	SinkS3         = "s3"
	SinkClickHouse = "clickhouse"
	SinkPostgres   = "postgres"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	ShutdownDrain     time.Duration

	TrustedHops    int
	AllowedOrigins string
	MaxBodyBytes   int64

	Secret              string
	SecretSSMParam      string
	SecretKMSCiphertext string

	RateWindow  time.Duration
	RateLimit   int
	RateMaxKeys int

	Sink              string
	SinkBatchSize     int
	SinkBufferSize    int
	SinkFlushInterval time.Duration
	S3Bucket          string
	S3Prefix          string
	ClickHouseDSN     string
	PostgresDSN       string
	EnsureSchema      bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 60*time.Second, "time to fail readiness before closing listeners")

	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the server whose X-Forwarded-For entries are trusted (0..10)")
	fs.StringVar(&c.AllowedOrigins, "allowed-origins", "", "comma separated CORS origin allow-list (empty disables cross-origin access)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 8000, "max accepted request body in bytes")

	fs.StringVar(&c.Secret, "secret", "", "fingerprint hashing secret (prefer -secret-ssm-param)")
	fs.StringVar(&c.SecretSSMParam, "secret-ssm-param", "", "SSM SecureString parameter holding the fingerprint secret")
	fs.StringVar(&c.SecretKMSCiphertext, "secret-kms-ciphertext", "", "base64 KMS ciphertext of the fingerprint secret")

	fs.DurationVar(&c.RateWindow, "rate-window", time.Minute, "rate limit window")
	fs.IntVar(&c.RateLimit, "rate-limit", 60, "accepted requests per fingerprint per window")
	fs.IntVar(&c.RateMaxKeys, "rate-max-keys", 100_000, "max fingerprints tracked by the rate limiter")

	fs.StringVar(&c.Sink, "sink", SinkLog, "durable sink in addition to the log line: log|s3|clickhouse|postgres")
	fs.IntVar(&c.SinkBatchSize, "sink-batch-size", 500, "records per sink batch")
	fs.IntVar(&c.SinkBufferSize, "sink-buffer-size", 10_000, "records buffered in front of the sink before dropping")
	fs.DurationVar(&c.SinkFlushInterval, "sink-flush-interval", 5*time.Second, "max time a record waits in the sink buffer")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket for -sink=s3")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "pulse/raw/v1", "s3 key prefix for -sink=s3")
	fs.StringVar(&c.ClickHouseDSN, "clickhouse-dsn", "", "clickhouse DSN for -sink=clickhouse")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", "", "postgres DSN for -sink=postgres")
	fs.BoolVar(&c.EnsureSchema, "ensure-schema", true, "create the sink table at startup if missing")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				// never echo secret material
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative (got %s)", c.ShutdownDrain))
	}

	// Ingestion
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 1 || c.MaxBodyBytes > 1<<20 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be 1..1048576 (got %d)", c.MaxBodyBytes))
	}
	for _, o := range origin.Parse(c.AllowedOrigins) {
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Path != "" || u.RawQuery != "" {
			errs = append(errs, fmt.Errorf("ALLOWED_ORIGINS entry %q must be scheme://host[:port]", o))
		}
	}
	if c.SecretSSMParam != "" && !strings.HasPrefix(c.SecretSSMParam, "/") {
		errs = append(errs, fmt.Errorf("SECRET_SSM_PARAM must be an absolute parameter path (got %q)", c.SecretSSMParam))
	}

	// Rate limiting
	if c.RateWindow < time.Second {
		errs = append(errs, fmt.Errorf("RATE_WINDOW must be at least 1s (got %s)", c.RateWindow))
	}
	if c.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be positive (got %d)", c.RateLimit))
	}
	if c.RateMaxKeys < 1 {
		errs = append(errs, fmt.Errorf("RATE_MAX_KEYS must be positive (got %d)", c.RateMaxKeys))
	}

	// Sinks
	switch c.Sink {
	case SinkLog:
	case SinkS3:
		if c.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("S3_BUCKET required when SINK=s3"))
		}
	case SinkClickHouse:
		if c.ClickHouseDSN == "" {
			errs = append(errs, fmt.Errorf("CLICKHOUSE_DSN required when SINK=clickhouse"))
		}
	case SinkPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("POSTGRES_DSN required when SINK=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SINK %q (must be log|s3|clickhouse|postgres)", c.Sink))
	}
	if c.Sink != SinkLog {
		if c.SinkBatchSize < 1 {
			errs = append(errs, fmt.Errorf("SINK_BATCH_SIZE must be positive (got %d)", c.SinkBatchSize))
		}
		if c.SinkBufferSize < c.SinkBatchSize {
			errs = append(errs, fmt.Errorf("SINK_BUFFER_SIZE %d must be >= SINK_BATCH_SIZE %d", c.SinkBufferSize, c.SinkBatchSize))
		}
		if c.SinkFlushInterval <= 0 {
			errs = append(errs, fmt.Errorf("SINK_FLUSH_INTERVAL must be positive (got %s)", c.SinkFlushInterval))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

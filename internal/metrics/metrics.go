package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	trackOutcomes          *prometheus.CounterVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	ratelimitEvictedTotal  prometheus.Counter
	emitFailuresTotal      *prometheus.CounterVec

	sinkBatches   *prometheus.CounterVec
	sinkRecords   *prometheus.CounterVec
	sinkDropped   *prometheus.CounterVec
	sinkFlushSecs *prometheus.HistogramVec
}

// New returns a fresh registry with the Go/process collectors and every
// server metric registered. Labels are bounded: route patterns, outcome
// names and sink names only.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{16, 64, 256, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		trackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_track_requests_total",
			Help: "Ingestion requests by terminal outcome",
		}, []string{"outcome"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ratelimit_denied_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ratelimit_capacity_total",
			Help: "Total new fingerprints refused because the limiter was full",
		}),
		ratelimitEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ratelimit_evicted_total",
			Help: "Total expired fingerprint windows removed by the background sweep",
		}),
		emitFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_emit_failures_total",
			Help: "Records that could not be emitted, by emitter role",
		}, []string{"emitter"}),
		sinkBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_sink_batches_total",
			Help: "Batches written to durable sinks by result",
		}, []string{"sink", "result"}),
		sinkRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_sink_records_total",
			Help: "Records successfully written to durable sinks",
		}, []string{"sink"}),
		sinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_sink_dropped_total",
			Help: "Records dropped because the sink buffer was full",
		}, []string{"sink"}),
		sinkFlushSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_sink_flush_duration_seconds",
			Help:    "Time to write one batch to a durable sink",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"sink"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.trackOutcomes,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.ratelimitEvictedTotal,
		m.emitFailuresTotal,
		m.sinkBatches,
		m.sinkRecords,
		m.sinkDropped,
		m.sinkFlushSecs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// InitTrackOutcomes pre-creates every outcome series at zero so rate()
// queries work before the first occurrence.
func (m *ServerMetrics) InitTrackOutcomes(outcomes ...string) {
	for _, o := range outcomes {
		m.trackOutcomes.WithLabelValues(o)
	}
}

func (m *ServerMetrics) IncTrackOutcome(outcome string) {
	m.trackOutcomes.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) AddRateLimitEvicted(n int) {
	if n > 0 {
		m.ratelimitEvictedTotal.Add(float64(n))
	}
}

// TrackRateLimitKeys exposes the limiter's live key count, read at scrape time.
func (m *ServerMetrics) TrackRateLimitKeys(keys func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pulse_ratelimit_keys",
		Help: "Fingerprint windows currently held by the rate limiter",
	}, func() float64 { return float64(keys()) }))
}

func (m *ServerMetrics) IncEmitFailure(emitter string) {
	m.emitFailuresTotal.WithLabelValues(emitter).Inc()
}

// ObserveSinkFlush records one WriteBatch attempt.
func (m *ServerMetrics) ObserveSinkFlush(sink string, records int, took time.Duration, err error) {
	m.sinkFlushSecs.WithLabelValues(sink).Observe(took.Seconds())
	if err != nil {
		m.sinkBatches.WithLabelValues(sink, "error").Inc()
		return
	}
	m.sinkBatches.WithLabelValues(sink, "ok").Inc()
	m.sinkRecords.WithLabelValues(sink).Add(float64(records))
}

func (m *ServerMetrics) IncSinkDropped(sink string) {
	m.sinkDropped.WithLabelValues(sink).Inc()
}

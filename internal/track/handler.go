package track

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/emit"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/fingerprint"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/origin"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

const (
	DefaultMaxBodyBytes = 8000

	allowedMethods = "POST, OPTIONS"
	tracerName     = "linnemanlabs-pulse/track"
)

// Paths the handler is mounted on. The companion client posts to /api/track.
var Paths = []string{"/track", "/api/track"}

// Response messages. They are fixed strings and never carry error detail.
const (
	msgMethodNotAllowed = "Method not allowed"
	msgOriginNotAllowed = "Origin not allowed"
	msgRateLimit        = "Rate limit"
	msgBodyTooLarge     = "Body too large"
	msgInvalidBody      = "Invalid body"
	msgInvalidJSON      = "Invalid JSON"
	msgServerError      = "Server error"
)

// Options wires the handler's collaborators. Limiter, Fingerprinter and
// Emitter are required.
type Options struct {
	Origins       *origin.Guard
	Limiter       *ratelimit.Limiter
	Fingerprinter *fingerprint.Fingerprinter
	Emitter       emit.Emitter

	// MaxBodyBytes caps the request body; defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Now is the receipt clock used for records without a client timestamp.
	Now func() time.Time

	// OnOutcome, when set, is called once per request.
	OnOutcome func(Outcome)
}

// Handler serves the ingestion endpoint.
type Handler struct {
	origins   *origin.Guard
	limiter   *ratelimit.Limiter
	fp        *fingerprint.Fingerprinter
	emitter   emit.Emitter
	maxBody   int64
	now       func() time.Time
	onOutcome func(Outcome)
}

// New validates opts and fills defaults.
func New(opts Options) (*Handler, error) {
	var errs []error
	if opts.Limiter == nil {
		errs = append(errs, errors.New("limiter is required"))
	}
	if opts.Fingerprinter == nil {
		errs = append(errs, errors.New("fingerprinter is required"))
	}
	if opts.Emitter == nil {
		errs = append(errs, errors.New("emitter is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, xerrors.Wrap(err, "track handler")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Origins == nil {
		opts.Origins = origin.New(nil)
	}
	return &Handler{
		origins:   opts.Origins,
		limiter:   opts.Limiter,
		fp:        opts.Fingerprinter,
		emitter:   opts.Emitter,
		maxBody:   opts.MaxBodyBytes,
		now:       opts.Now,
		onOutcome: opts.OnOutcome,
	}, nil
}

// Mount registers the handler on every path in Paths for all methods; the
// handler does its own method gating so it can answer 405 with CORS headers.
func (h *Handler) Mount(r chi.Router) {
	for _, p := range Paths {
		r.Handle(p, h)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	raw := w
	rs := &responseState{ResponseWriter: w}
	w = rs

	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v == http.ErrAbortHandler {
			panic(v)
		}
		err := xerrors.Newf("track handler panic: %v", v)
		if rs.wrote {
			// the response is already on the wire
			L.Error(ctx, err, "track handler panicked after responding")
			return
		}
		L.Error(ctx, err, "track request failed")
		h.fail(w, http.StatusInternalServerError, msgServerError, OutcomePanic)
	}()

	hdr := w.Header()
	org := r.Header.Get("Origin")
	h.origins.Apply(hdr, org)

	if r.Method != http.MethodPost && r.Method != http.MethodOptions {
		hdr.Set("Allow", allowedMethods)
		h.fail(w, http.StatusMethodNotAllowed, msgMethodNotAllowed, OutcomeMethodNotAllowed)
		return
	}

	if !h.origins.Allowed(org) {
		h.fail(w, http.StatusForbidden, msgOriginNotAllowed, OutcomeOriginDenied)
		return
	}

	if r.Method == http.MethodOptions {
		h.ok(w, OutcomePreflight)
		return
	}

	fp := h.fp.FromRequest(r)
	d := h.limiter.Allow(fp)
	if !d.Allowed {
		if d.Err != nil && !errors.Is(d.Err, ratelimit.ErrCapacity) {
			L.Warn(ctx, "rate limiter store error", "err", d.Err.Error())
		}
		secs := int(d.RetryAfter(h.limiter.Now()) / time.Second)
		hdr.Set("Retry-After", strconv.Itoa(secs))
		h.fail(w, http.StatusTooManyRequests, msgRateLimit, OutcomeRateLimited)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(raw, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// unread input stays on the wire; do not reuse the connection
			hdr.Set("Connection", "close")
			h.fail(w, http.StatusBadRequest, msgBodyTooLarge, OutcomeBodyTooLarge)
			return
		}
		L.Warn(ctx, "track body read failed", "err", err.Error())
		h.fail(w, http.StatusBadRequest, msgInvalidBody, OutcomeInvalidBody)
		return
	}

	payload, err := decodePayload(body)
	if err != nil {
		L.Debug(ctx, "track body is not valid json", "body.size", len(body))
		h.fail(w, http.StatusBadRequest, msgInvalidJSON, OutcomeInvalidJSON)
		return
	}

	rec := buildRecord(payload, fp, r.UserAgent(), h.now())

	ectx, span := otel.Tracer(tracerName).Start(ctx, "track.emit")
	span.SetAttributes(attribute.String("track.event", rec.Event))
	err = h.emitter.Emit(ectx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
	}
	span.End()

	if err != nil {
		L.Error(ctx, xerrors.EnsureTrace(err), "emit record failed", "event", rec.Event)
		h.fail(w, http.StatusInternalServerError, msgServerError, OutcomeEmitFailed)
		return
	}
	h.ok(w, OutcomeAccepted)
}

// responseState records whether anything was sent, so a late panic does not
// write a second response.
type responseState struct {
	http.ResponseWriter
	wrote bool
}

func (s *responseState) WriteHeader(code int) {
	s.wrote = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *responseState) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

func (s *responseState) Unwrap() http.ResponseWriter { return s.ResponseWriter }

type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) ok(w http.ResponseWriter, o Outcome) {
	h.write(w, http.StatusOK, response{OK: true}, o)
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string, o Outcome) {
	h.write(w, status, response{Error: msg}, o)
}

func (h *Handler) write(w http.ResponseWriter, status int, body response, o Outcome) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/json; charset=utf-8")
	hdr.Set("Cache-Control", "no-store, max-age=0")
	w.WriteHeader(status)
	b, _ := json.Marshal(body)
	_, _ = w.Write(b)
	if h.onOutcome != nil {
		h.onOutcome(o)
	}
}

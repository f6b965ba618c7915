package track

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/emit"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/fingerprint"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/origin"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/ratelimit"
)

const allowedOrigin = "https://learn.example"

var receivedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	recs []event.Record
	err  error
}

func (r *recorder) Emit(_ context.Context, rec event.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) records() []event.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Record(nil), r.recs...)
}

type fixture struct {
	handler  *Handler
	router   http.Handler
	emitted  *recorder
	outcomes []Outcome
	clock    time.Time
}

func newFixture(t *testing.T, origins []string, opts ...func(*Options)) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{emitted: &recorder{}, clock: receivedAt}
	limiter := ratelimit.New(ctx,
		ratelimit.WithStore(ratelimit.NewMemoryStore(1000)),
		ratelimit.WithClock(func() time.Time { return f.clock }),
		ratelimit.WithSweepInterval(0),
	)
	o := Options{
		Origins:       origin.New(origins),
		Limiter:       limiter,
		Fingerprinter: fingerprint.New("test-secret"),
		Emitter:       f.emitted,
		Now:           func() time.Time { return f.clock },
		OnOutcome:     func(o Outcome) { f.outcomes = append(f.outcomes, o) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	h, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.handler = h
	r := chi.NewRouter()
	h.Mount(r)
	f.router = r
	return f
}

type result struct {
	code int
	hdr  http.Header
	body struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdrs map[string]string) result {
	t.Helper()
	var rdr io.Reader = http.NoBody
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "198.51.100.7:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	res := result{code: rec.Code, hdr: rec.Header()}
	if err := json.Unmarshal(rec.Body.Bytes(), &res.body); err != nil {
		t.Fatalf("response body %q is not json: %v", rec.Body.String(), err)
	}
	return res
}

func (f *fixture) post(t *testing.T, body string) result {
	return f.do(t, http.MethodPost, "/track", body, map[string]string{"Origin": allowedOrigin})
}

func assertCommonHeaders(t *testing.T, res result) {
	t.Helper()
	if got := res.hdr.Get("Cache-Control"); got != "no-store, max-age=0" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := res.hdr.Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestPageviewEndToEnd(t *testing.T) {
	f := newFixture(t, []string{allowedOrigin})
	res := f.post(t, `{"event":"pageview","path":"/docs","ts":1700000000000}`)

	if res.code != http.StatusOK || !res.body.OK {
		t.Fatalf("status=%d body=%+v", res.code, res.body)
	}
	assertCommonHeaders(t, res)
	if got := res.hdr.Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Fatalf("Allow-Origin = %q", got)
	}

	recs := f.emitted.records()
	if len(recs) != 1 {
		t.Fatalf("emitted %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Version != 1 || r.Event != "pageview" || r.Path != "/docs" || r.Timestamp != 1700000000000 {
		t.Fatalf("record = %+v", r)
	}
	if len(r.Fingerprint) != fingerprint.Length {
		t.Fatalf("fingerprint = %q", r.Fingerprint)
	}
	if r.UTM != nil || r.Meta != nil || r.Title != "" || r.Referrer != "" {
		t.Fatalf("optional fields should be absent: %+v", r)
	}
	if r.UserAgent != "Mozilla/5.0 (test)" {
		t.Fatalf("userAgent = %q", r.UserAgent)
	}

	b, _ := json.Marshal(r)
	for _, k := range []string{`"utm"`, `"meta"`, `"title"`, `"referrer"`} {
		if strings.Contains(string(b), k) {
			t.Fatalf("serialized record contains %s: %s", k, b)
		}
	}
	if f.outcomes[0] != OutcomeAccepted {
		t.Fatalf("outcome = %v", f.outcomes)
	}
}

func TestMetaPIIStripped(t *testing.T) {
	f := newFixture(t, nil)
	res := f.post(t, `{"meta":{"email":"x@y.com","vw":100}}`)
	if res.code != http.StatusOK {
		t.Fatalf("status = %d", res.code)
	}
	r := f.emitted.records()[0]
	if len(r.Meta) != 1 || r.Meta["vw"] != 100.0 {
		t.Fatalf("meta = %#v, want only vw", r.Meta)
	}
	b, _ := json.Marshal(r.Meta)
	if string(b) != `{"vw":100}` {
		t.Fatalf("meta json = %s", b)
	}
}

func TestBlockedKeysAnyCasing(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, `{"meta":{"Email":"a","PHONE":"1","Address":"x","name":"n","iP":"1.1.1.1","nested":{"email":"x"},"ok":true},"utm":{"source":"s","email":"x"}}`)
	r := f.emitted.records()[0]
	if len(r.Meta) != 1 || r.Meta["ok"] != true {
		t.Fatalf("meta = %#v", r.Meta)
	}
	if len(r.UTM) != 1 || r.UTM["source"] != "s" {
		t.Fatalf("utm = %#v", r.UTM)
	}
}

func TestDefaultsAndClamping(t *testing.T) {
	f := newFixture(t, nil)
	long := strings.Repeat("é", 500)
	body := `{"event":"  ","path":7,"title":"` + long + `","ref":"` + long + `","ts":"1700000000000"}`
	f.post(t, body)
	r := f.emitted.records()[0]
	if r.Event != "event" || r.Path != "/" {
		t.Fatalf("defaults not applied: event=%q path=%q", r.Event, r.Path)
	}
	if n := len([]rune(r.Title)); n != event.MaxTitle {
		t.Fatalf("title runes = %d", n)
	}
	if n := len([]rune(r.Referrer)); n != event.MaxReferrer {
		t.Fatalf("referrer runes = %d", n)
	}
	if r.Timestamp != receivedAt.UnixMilli() {
		t.Fatalf("string ts should fall back to receipt time, got %d", r.Timestamp)
	}
}

func TestTimestampBounds(t *testing.T) {
	tests := []struct {
		ts   string
		want int64
	}{
		{"1700000000000.9", 1700000000000},
		{"-5", -5},
		{"1e300", receivedAt.UnixMilli()},
		{"null", receivedAt.UnixMilli()},
		{"true", receivedAt.UnixMilli()},
	}
	for _, tt := range tests {
		f := newFixture(t, nil)
		f.post(t, `{"ts":`+tt.ts+`}`)
		if got := f.emitted.records()[0].Timestamp; got != tt.want {
			t.Errorf("ts=%s: timestamp = %d, want %d", tt.ts, got, tt.want)
		}
	}
}

func TestNonObjectBodies(t *testing.T) {
	for _, body := range []string{"", "[]", `"pageview"`, "null", "42"} {
		f := newFixture(t, nil)
		res := f.post(t, body)
		if res.code != http.StatusOK {
			t.Fatalf("body %q: status = %d", body, res.code)
		}
		r := f.emitted.records()[0]
		if r.Event != "event" || r.Meta != nil || r.UTM != nil {
			t.Fatalf("body %q: record = %+v", body, r)
		}
	}
}

func TestNonObjectMetaAndUTM(t *testing.T) {
	for _, v := range []string{`[]`, `[{"a":1}]`, `"str"`, `null`, `5`} {
		f := newFixture(t, nil)
		f.post(t, `{"meta":`+v+`,"utm":`+v+`}`)
		r := f.emitted.records()[0]
		if r.Meta != nil || r.UTM != nil {
			t.Fatalf("meta/utm %s should sanitize to empty: %+v", v, r)
		}
	}
}

func TestInvalidJSON(t *testing.T) {
	for _, body := range []string{"{", "{}x", `{"a":1} {"b":2}`, "   ", "nope"} {
		f := newFixture(t, nil)
		res := f.post(t, body)
		if res.code != http.StatusBadRequest || res.body.Error != "Invalid JSON" || res.body.OK {
			t.Fatalf("body %q: %d %+v", body, res.code, res.body)
		}
		assertCommonHeaders(t, res)
		if n := len(f.emitted.records()); n != 0 {
			t.Fatalf("body %q: emitted %d records", body, n)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, []string{allowedOrigin})
	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req := httptest.NewRequest(m, "/track", http.NoBody)
		req.Header.Set("Origin", allowedOrigin)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: status = %d", m, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != "POST, OPTIONS" {
			t.Fatalf("%s: Allow = %q", m, got)
		}
		if m != http.MethodHead && !strings.Contains(rec.Body.String(), "Method not allowed") {
			t.Fatalf("%s: body = %q", m, rec.Body.String())
		}
	}
	if len(f.emitted.records()) != 0 {
		t.Fatal("nothing should be emitted")
	}
}

func TestOriginDenied(t *testing.T) {
	f := newFixture(t, []string{allowedOrigin})
	for _, o := range []string{"", "https://evil.example"} {
		res := f.do(t, http.MethodPost, "/track", `{"event":"x"}`, map[string]string{"Origin": o})
		if res.code != http.StatusForbidden || res.body.Error != "Origin not allowed" {
			t.Fatalf("origin %q: %d %+v", o, res.code, res.body)
		}
		if res.hdr.Get("Access-Control-Allow-Origin") != "" {
			t.Fatalf("origin %q must not be reflected", o)
		}
		assertCommonHeaders(t, res)
	}
	if len(f.emitted.records()) != 0 {
		t.Fatal("nothing should be emitted")
	}
}

func TestNoAllowListNoCORS(t *testing.T) {
	f := newFixture(t, nil)
	res := f.do(t, http.MethodPost, "/track", `{}`, map[string]string{"Origin": "https://anything.example"})
	if res.code != http.StatusOK {
		t.Fatalf("status = %d", res.code)
	}
	for k := range res.hdr {
		if strings.HasPrefix(k, "Access-Control-") {
			t.Fatalf("unexpected CORS header %s", k)
		}
	}
}

func TestPreflightNeverEmits(t *testing.T) {
	f := newFixture(t, []string{allowedOrigin})
	res := f.do(t, http.MethodOptions, "/api/track", `{"event":"should-not-emit"}`, map[string]string{"Origin": allowedOrigin})
	if res.code != http.StatusOK || !res.body.OK {
		t.Fatalf("preflight: %d %+v", res.code, res.body)
	}
	if got := res.hdr.Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Fatalf("Allow-Methods = %q", got)
	}
	if n := len(f.emitted.records()); n != 0 {
		t.Fatalf("preflight emitted %d records", n)
	}
	if f.outcomes[0] != OutcomePreflight {
		t.Fatalf("outcome = %v", f.outcomes)
	}

	// preflight does not consume rate budget
	if d := f.handler.limiter.Allow(fingerprint.Compute("198.51.100.7", "Mozilla/5.0 (test)", "test-secret")); d.Count != 1 {
		t.Fatalf("preflight counted against the limiter: %+v", d)
	}
}

func TestRateLimit61stRequest(t *testing.T) {
	f := newFixture(t, nil)
	for i := 1; i <= 60; i++ {
		if res := f.post(t, `{"event":"click"}`); res.code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, res.code)
		}
	}
	f.clock = f.clock.Add(59 * time.Second)
	res := f.post(t, `{"event":"click"}`)
	if res.code != http.StatusTooManyRequests || res.body.Error != "Rate limit" {
		t.Fatalf("61st: %d %+v", res.code, res.body)
	}
	if got := res.hdr.Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want 1", got)
	}
	assertCommonHeaders(t, res)
	if n := len(f.emitted.records()); n != 60 {
		t.Fatalf("emitted %d records, want 60", n)
	}

	// window elapses, admission resumes
	f.clock = f.clock.Add(2 * time.Second)
	if res := f.post(t, `{"event":"click"}`); res.code != http.StatusOK {
		t.Fatalf("after window: status = %d", res.code)
	}
}

func TestRateLimitDoesNotReadBody(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		o.Limiter = ratelimit.New(ctx, ratelimit.WithLimit(1), ratelimit.WithSweepInterval(0))
	})
	f.post(t, `{}`)

	body := &trackingReader{r: strings.NewReader(`{"event":"x"}`)}
	req := httptest.NewRequest(http.MethodPost, "/track", body)
	req.RemoteAddr = "198.51.100.7:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if body.reads != 0 {
		t.Fatalf("body was read %d times on a throttled request", body.reads)
	}
}

type trackingReader struct {
	r     io.Reader
	reads int
}

func (t *trackingReader) Read(p []byte) (int, error) {
	t.reads++
	return t.r.Read(p)
}

func TestBodyTooLarge_HangingStream(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.MaxBodyBytes = 64 })

	pr, pw := io.Pipe()
	stop := make(chan struct{})
	go func() {
		// more than the cap, then hang without closing
		_, _ = pw.Write([]byte(`{"event":"` + strings.Repeat("a", 200)))
		<-stop
	}()
	t.Cleanup(func() {
		_ = pr.Close()
		close(stop)
	})

	req := httptest.NewRequest(http.MethodPost, "/track", pr)
	req.RemoteAddr = "198.51.100.7:40000"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler kept reading an oversized stream")
	}

	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Body too large") {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Connection") != "close" {
		t.Fatal("connection should be closed after an oversized body")
	}
	if len(f.emitted.records()) != 0 {
		t.Fatal("nothing should be emitted")
	}
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestBodyReadFailure(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/track", brokenBody{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Invalid body") {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestEmitFailureIsOpaque(t *testing.T) {
	f := newFixture(t, nil)
	f.emitted.err = errors.New("sink credentials AKIA-secret rejected")
	res := f.post(t, `{"event":"x"}`)
	if res.code != http.StatusInternalServerError || res.body.Error != "Server error" {
		t.Fatalf("%d %+v", res.code, res.body)
	}
	if f.outcomes[0] != OutcomeEmitFailed {
		t.Fatalf("outcome = %v", f.outcomes)
	}
}

func TestPanicIsOpaque(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		o.Emitter = emit.Func(func(context.Context, event.Record) error { panic("nil map write in sink") })
	})
	res := f.post(t, `{"event":"x"}`)
	if res.code != http.StatusInternalServerError || res.body.Error != "Server error" {
		t.Fatalf("%d %+v", res.code, res.body)
	}
	if f.outcomes[len(f.outcomes)-1] != OutcomePanic {
		t.Fatalf("outcome = %v", f.outcomes)
	}
}

func TestPanicAfterResponseWritesNothingMore(t *testing.T) {
	calls := 0
	f := newFixture(t, nil, func(o *Options) {
		o.OnOutcome = func(Outcome) {
			calls++
			panic("metrics registry gone")
		}
	})
	req := httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(`{"event":"x"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("outcome callback ran %d times", calls)
	}
	if len(f.emitted.records()) != 1 {
		t.Fatal("record should still be emitted")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

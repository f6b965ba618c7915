package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
)

func sampleRecord(name string) event.Record {
	return event.Record{
		Version:     event.SchemaVersion,
		Event:       name,
		Path:        "/docs",
		Timestamp:   1700000000000,
		Fingerprint: "0123456789abcdef",
	}
}

func TestLogEmitter_LineShape(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf)
	if err := e.Emit(context.Background(), sampleRecord("pageview")); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want exactly one line, got %d", len(lines))
	}
	var line struct {
		Level  string       `json:"level"`
		Msg    string       `json:"msg"`
		Record event.Record `json:"record"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatalf("line is not json: %v", err)
	}
	if line.Msg != Marker || line.Level != "INFO" {
		t.Fatalf("msg=%q level=%q", line.Msg, line.Level)
	}
	if line.Record.Event != "pageview" || line.Record.Timestamp != 1700000000000 {
		t.Fatalf("record = %+v", line.Record)
	}
	if strings.Contains(lines[0], `"meta"`) || strings.Contains(lines[0], `"utm"`) {
		t.Fatalf("empty optional fields should be omitted: %s", lines[0])
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("stdout closed") }

func TestLogEmitter_WriteError(t *testing.T) {
	if err := NewLogEmitter(failingWriter{}).Emit(context.Background(), sampleRecord("x")); err == nil {
		t.Fatal("expected write error")
	}
}

func TestTee_PrimaryErrorOnly(t *testing.T) {
	errPrimary := errors.New("primary down")
	var got []string
	rec := func(name string, err error) Emitter {
		return Func(func(_ context.Context, r event.Record) error {
			got = append(got, name+":"+r.Event)
			return err
		})
	}

	var secondaryErrs int
	tee := Tee(rec("primary", nil), rec("a", errors.New("a down")), rec("b", nil))
	tee.OnSecondaryError = func(error) { secondaryErrs++ }

	if err := tee.Emit(context.Background(), sampleRecord("click")); err != nil {
		t.Fatalf("secondary failure must not surface: %v", err)
	}
	if secondaryErrs != 1 {
		t.Fatalf("secondary errors = %d", secondaryErrs)
	}
	if strings.Join(got, ",") != "primary:click,a:click,b:click" {
		t.Fatalf("order = %v", got)
	}

	tee = Tee(rec("primary", errPrimary), rec("a", nil))
	if err := tee.Emit(context.Background(), sampleRecord("click")); !errors.Is(err, errPrimary) {
		t.Fatalf("err = %v, want primary error", err)
	}
}

// memWriter collects batches; block, when set, holds WriteBatch until closed.
type memWriter struct {
	mu      sync.Mutex
	batches [][]event.Record
	started chan struct{}
	block   chan struct{}
	err     error
}

func (w *memWriter) Name() string { return "mem" }

func (w *memWriter) WriteBatch(_ context.Context, recs []event.Record) error {
	if w.started != nil {
		select {
		case w.started <- struct{}{}:
		default:
		}
	}
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]event.Record(nil), recs...))
	return w.err
}

func (w *memWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBatcher_FlushOnSize(t *testing.T) {
	w := &memWriter{}
	b := NewBatcher(w, BatcherOptions{BatchSize: 3, FlushInterval: time.Hour}, nil)
	defer b.Close(context.Background())

	for i := 0; i < 3; i++ {
		if err := b.Emit(context.Background(), sampleRecord("e")); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return w.total() == 3 })
}

func TestBatcher_FlushOnInterval(t *testing.T) {
	w := &memWriter{}
	var flushes []int
	var mu sync.Mutex
	b := NewBatcher(w, BatcherOptions{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		OnFlush: func(sink string, n int, _ time.Duration, err error) {
			mu.Lock()
			flushes = append(flushes, n)
			mu.Unlock()
		},
	}, nil)
	defer b.Close(context.Background())

	_ = b.Emit(context.Background(), sampleRecord("e"))
	waitFor(t, func() bool { return w.total() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 || flushes[0] != 1 {
		t.Fatalf("flushes = %v", flushes)
	}
}

func TestBatcher_DropsWhenFull(t *testing.T) {
	w := &memWriter{started: make(chan struct{}, 1), block: make(chan struct{})}
	var drops int
	var mu sync.Mutex
	b := NewBatcher(w, BatcherOptions{
		BatchSize:     1,
		BufferSize:    1,
		FlushInterval: time.Hour,
		OnDrop: func(string) {
			mu.Lock()
			drops++
			mu.Unlock()
		},
	}, nil)

	ctx := context.Background()
	if err := b.Emit(ctx, sampleRecord("1")); err != nil {
		t.Fatal(err)
	}
	<-w.started // loop is now stuck in WriteBatch
	if err := b.Emit(ctx, sampleRecord("2")); err != nil {
		t.Fatalf("second record should fit in the buffer: %v", err)
	}
	if err := b.Emit(ctx, sampleRecord("3")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}

	close(w.block)
	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if w.total() != 2 {
		t.Fatalf("written = %d, want 2", w.total())
	}
	mu.Lock()
	defer mu.Unlock()
	if drops != 1 {
		t.Fatalf("drops = %d", drops)
	}
}

func TestBatcher_CloseDrains(t *testing.T) {
	w := &memWriter{}
	b := NewBatcher(w, BatcherOptions{BatchSize: 1000, FlushInterval: time.Hour}, nil)
	for i := 0; i < 10; i++ {
		_ = b.Emit(context.Background(), sampleRecord("e"))
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.total() != 10 {
		t.Fatalf("drained %d, want 10", w.total())
	}
	if err := b.Emit(context.Background(), sampleRecord("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Emit after Close = %v", err)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestBatcher_CloseHonoursDeadline(t *testing.T) {
	w := &memWriter{started: make(chan struct{}, 1), block: make(chan struct{})}
	defer close(w.block)
	b := NewBatcher(w, BatcherOptions{BatchSize: 1, FlushInterval: time.Hour}, nil)
	_ = b.Emit(context.Background(), sampleRecord("stuck"))
	<-w.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
}

func TestBatcher_WriteErrorReported(t *testing.T) {
	w := &memWriter{err: errors.New("bucket gone")}
	errs := make(chan error, 1)
	b := NewBatcher(w, BatcherOptions{
		BatchSize: 1,
		OnFlush: func(_ string, _ int, _ time.Duration, err error) {
			errs <- err
		},
	}, nil)
	defer b.Close(context.Background())

	_ = b.Emit(context.Background(), sampleRecord("e"))
	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected flush error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no flush reported")
	}
}

func TestBatcher_AcceptedRecordsSurviveConcurrentClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		w := &memWriter{}
		b := NewBatcher(w, BatcherOptions{BatchSize: 50, BufferSize: 100_000, FlushInterval: time.Hour}, nil)

		var accepted sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for g := 0; g < 8; g++ {
			accepted.Add(1)
			go func() {
				defer accepted.Done()
				for {
					err := b.Emit(context.Background(), sampleRecord("e"))
					if errors.Is(err, ErrClosed) {
						return
					}
					if err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}
			}()
		}
		time.Sleep(time.Millisecond)
		if err := b.Close(context.Background()); err != nil {
			t.Fatal(err)
		}
		accepted.Wait()

		if w.total() != ok {
			t.Fatalf("round %d: accepted %d, written %d", round, ok, w.total())
		}
	}
}

func TestBatcher_LogsSinkOnce(t *testing.T) {
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "test", Level: slog.LevelDebug, JsonFormat: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	w := &memWriter{err: errors.New("bucket gone")}
	b := NewBatcher(w, BatcherOptions{BatchSize: 1, FlushInterval: time.Hour}, L)
	_ = b.Emit(context.Background(), sampleRecord("e"))
	if err := b.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("no log output")
	}
	for _, line := range lines {
		if n := strings.Count(line, `"sink":`); n != 1 {
			t.Fatalf("sink attribute appears %d times: %s", n, line)
		}
	}
}

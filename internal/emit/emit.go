// Package emit hands finished records to sinks.
//
// The log line written by LogEmitter is the system of record. Durable sinks
// (S3, ClickHouse, Postgres) sit behind a Batcher and are fed through Tee as
// secondaries, so a slow or failing sink never blocks or fails a request.
package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

// Marker tags every record line so downstream log filters can select them.
const Marker = "PULSE_TRACK"

// Emitter accepts one finished record. Implementations must not modify rec.
type Emitter interface {
	Emit(ctx context.Context, rec event.Record) error
}

// Func adapts a function to Emitter.
type Func func(ctx context.Context, rec event.Record) error

func (f Func) Emit(ctx context.Context, rec event.Record) error { return f(ctx, rec) }

// LogEmitter writes one JSON line per record:
//
//	{"time":"...","level":"INFO","msg":"PULSE_TRACK","record":{...}}
//
// It uses its own slog handler, separate from the operational logger, so the
// line shape does not change with log level or format settings.
type LogEmitter struct {
	l *slog.Logger
}

// NewLogEmitter writes to w, or stdout when w is nil.
func NewLogEmitter(w io.Writer) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{l: slog.New(slog.NewJSONHandler(w, nil))}
}

func (e *LogEmitter) Emit(ctx context.Context, rec event.Record) error {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, Marker, 0)
	r.AddAttrs(slog.Any("record", rec))
	if err := e.l.Handler().Handle(ctx, r); err != nil {
		return xerrors.Wrap(err, "write record line")
	}
	return nil
}

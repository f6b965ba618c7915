// Package pgsink copies record batches into Postgres.
package pgsink

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

const Table = "pulse_events"

var columns = []string{
	"version", "event", "path", "title", "referrer",
	"utm", "meta", "timestamp_ms", "fingerprint", "user_agent",
}

const createTable = `
CREATE TABLE IF NOT EXISTS ` + Table + ` (
	id           bigserial PRIMARY KEY,
	received_at  timestamptz NOT NULL DEFAULT now(),
	version      smallint NOT NULL,
	event        text NOT NULL,
	path         text NOT NULL,
	title        text NOT NULL DEFAULT '',
	referrer     text NOT NULL DEFAULT '',
	utm          jsonb,
	meta         jsonb,
	timestamp_ms bigint NOT NULL,
	fingerprint  char(16) NOT NULL,
	user_agent   text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ` + Table + `_received_at_idx ON ` + Table + ` (received_at);`

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

type Writer struct {
	db    DB
	close func()
}

// Open connects a pool to dsn and pings it.
func Open(ctx context.Context, dsn string) (*Writer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(err, "ping postgres")
	}
	w := New(pool)
	w.close = pool.Close
	return w, nil
}

func New(db DB) *Writer { return &Writer{db: db} }

func (w *Writer) Name() string { return "postgres" }

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, createTable)
	return xerrors.Wrap(err, "create "+Table)
}

func (w *Writer) Ping(ctx context.Context) error { return w.db.Ping(ctx) }

func (w *Writer) Close() {
	if w.close != nil {
		w.close()
	}
}

func (w *Writer) WriteBatch(ctx context.Context, recs []event.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		utm, err := jsonb(r.UTM, len(r.UTM))
		if err != nil {
			return err
		}
		meta, err := jsonb(r.Meta, len(r.Meta))
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			int16(r.Version), r.Event, r.Path, r.Title, r.Referrer,
			utm, meta, r.Timestamp, r.Fingerprint, r.UserAgent,
		})
	}
	n, err := w.db.CopyFrom(ctx, pgx.Identifier{Table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return xerrors.Wrapf(err, "copy %d rows into %s", len(rows), Table)
	}
	if int(n) != len(rows) {
		return xerrors.Newf("copied %d of %d rows into %s", n, len(rows), Table)
	}
	return nil
}

// jsonb returns nil for empty maps so the column stays NULL.
func jsonb(v any, n int) (any, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode jsonb")
	}
	return string(b), nil
}

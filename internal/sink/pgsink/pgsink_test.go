package pgsink

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
)

type fakeDB struct {
	table   pgx.Identifier
	cols    []string
	rows    [][]any
	execs   []string
	copyErr error
	short   bool
}

func (f *fakeDB) CopyFrom(_ context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.table, f.cols = table, cols
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.rows = append(f.rows, v)
	}
	n := int64(len(f.rows))
	if f.short {
		n--
	}
	return n, src.Err()
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Ping(context.Context) error { return nil }

func TestWriteBatch(t *testing.T) {
	db := &fakeDB{}
	recs := []event.Record{
		{Version: 1, Event: "pageview", Path: "/", Timestamp: 5, Fingerprint: "0123456789abcdef"},
		{Version: 1, Event: "click", Path: "/b", Timestamp: 6, Fingerprint: "0123456789abcdef",
			UTM: map[string]string{"campaign": "spring"}, Meta: map[string]any{"ok": true}},
	}
	if err := New(db).WriteBatch(context.Background(), recs); err != nil {
		t.Fatal(err)
	}
	if db.table[0] != Table || len(db.cols) != len(columns) {
		t.Fatalf("table=%v cols=%v", db.table, db.cols)
	}
	if len(db.rows) != 2 {
		t.Fatalf("rows = %d", len(db.rows))
	}
	first := db.rows[0]
	if first[0] != int16(1) || first[1] != "pageview" || first[7] != int64(5) {
		t.Fatalf("row = %#v", first)
	}
	if first[5] != nil || first[6] != nil {
		t.Fatalf("empty maps should be NULL, got utm=%#v meta=%#v", first[5], first[6])
	}
	if db.rows[1][5] != `{"campaign":"spring"}` || db.rows[1][6] != `{"ok":true}` {
		t.Fatalf("jsonb = %#v %#v", db.rows[1][5], db.rows[1][6])
	}
}

func TestWriteBatch_Errors(t *testing.T) {
	sentinel := errors.New("conn reset")
	err := New(&fakeDB{copyErr: sentinel}).WriteBatch(context.Background(), []event.Record{{}})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}

	err = New(&fakeDB{short: true}).WriteBatch(context.Background(), []event.Record{{}, {}})
	if err == nil || !strings.Contains(err.Error(), "copied 1 of 2") {
		t.Fatalf("short copy err = %v", err)
	}
}

func TestWriteBatch_Empty(t *testing.T) {
	db := &fakeDB{}
	if err := New(db).WriteBatch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if db.table != nil {
		t.Fatal("empty batch should not copy")
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := New(db).EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS pulse_events") {
		t.Fatalf("execs = %v", db.execs)
	}
	New(db).Close()
}

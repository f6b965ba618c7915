package track

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/sanitize"
)

var errTrailingData = errors.New("trailing data after json value")

// maxSafeInteger bounds accepted client timestamps to values a float64 holds
// exactly.
const maxSafeInteger = 1 << 53

// decodePayload parses a request body. An empty body is an empty object, and
// so is any valid JSON value that is not an object. Anything after the first
// value other than whitespace is an error.
func decodePayload(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return obj, nil
}

// buildRecord sanitizes a decoded payload into a record.
func buildRecord(p map[string]any, fingerprint, userAgent string, now time.Time) event.Record {
	rec := event.Record{
		Version:     event.SchemaVersion,
		Event:       orDefault(sanitize.String(p["event"], event.MaxEvent), event.DefaultEvent),
		Path:        orDefault(sanitize.String(p["path"], event.MaxPath), event.DefaultPath),
		Title:       sanitize.String(p["title"], event.MaxTitle),
		Referrer:    sanitize.String(p["ref"], event.MaxReferrer),
		Timestamp:   clientTimestamp(p["ts"], now),
		Fingerprint: fingerprint,
		UserAgent:   sanitize.String(userAgent, event.MaxUserAgent),
	}

	utm := sanitize.UTM(p["utm"])
	sanitize.StripBlockedStringKeys(utm, sanitize.BlockedKeys)
	if len(utm) > 0 {
		rec.UTM = utm
	}

	meta := sanitize.ShallowMap(p["meta"])
	sanitize.StripBlockedKeys(meta, sanitize.BlockedKeys)
	if len(meta) > 0 {
		rec.Meta = meta
	}
	return rec
}

func clientTimestamp(v any, now time.Time) int64 {
	f, ok := sanitize.Number(v)
	if !ok || math.Abs(f) > maxSafeInteger {
		return now.UnixMilli()
	}
	return int64(f)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

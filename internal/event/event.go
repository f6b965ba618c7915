// Package event defines the record emitted for every accepted telemetry ping.
// JSON field names are the sink contract consumed downstream.
package event

// SchemaVersion is stamped on every record.
const SchemaVersion = 1

// Field bounds, counted in code points.
const (
	MaxEvent     = 60
	MaxPath      = 200
	MaxTitle     = 140
	MaxReferrer  = 200
	MaxUserAgent = 400
	MaxUTMValue  = 120
	MaxMetaKey   = 40
	MaxMetaValue = 200
)

const (
	DefaultEvent = "event"
	DefaultPath  = "/"
)

// Record is built once per request and never mutated after emission starts.
type Record struct {
	Version     int               `json:"version"`
	Event       string            `json:"event"`
	Path        string            `json:"path"`
	Title       string            `json:"title,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	UTM         map[string]string `json:"utm,omitempty"`
	Meta        map[string]any    `json:"meta,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Fingerprint string            `json:"fingerprint"`
	UserAgent   string            `json:"userAgent,omitempty"`
}

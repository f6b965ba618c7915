// Package sanitize coerces untrusted JSON values into bounded, typed fields.
//
// Nothing here returns an error: values of the wrong type become their zero
// value and oversize strings are clamped. Callers decode with
// json.Decoder.UseNumber so numbers arrive as json.Number.
package sanitize

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
)

// BlockedKeys are never allowed to survive in meta or utm.
var BlockedKeys = []string{"email", "phone", "address", "name", "ip"}

// UTMKeys is the fixed set of campaign keys kept from a sender's utm object.
var UTMKeys = []string{"source", "medium", "campaign", "content", "term"}

// String returns v trimmed and clamped to max code points, or "" when v is
// not a string.
func String(v any, max int) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return Clamp(strings.TrimSpace(s), max)
}

// Clamp truncates s to at most max code points without splitting a UTF-8
// sequence. Invalid bytes count as one code point each.
func Clamp(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// ShallowMap keeps scalar entries of a JSON object. Keys are clamped to
// event.MaxMetaKey, string values to event.MaxMetaValue; nested objects,
// arrays, null and non-finite numbers are dropped. Keys are visited in sorted
// order so keys that collide after clamping resolve deterministically.
func ShallowMap(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return map[string]any{}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(obj))
	for _, raw := range keys {
		key := String(raw, event.MaxMetaKey)
		if key == "" {
			continue
		}
		switch val := obj[raw].(type) {
		case string:
			out[key] = String(val, event.MaxMetaValue)
		case bool:
			out[key] = val
		case json.Number:
			if f, ok := finite(val); ok {
				out[key] = f
			}
		case float64:
			if !math.IsNaN(val) && !math.IsInf(val, 0) {
				out[key] = val
			}
		}
	}
	return out
}

// Number reports v as a finite float64 when it is a JSON number.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		return finite(n)
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	}
	return 0, false
}

func finite(n json.Number) (float64, bool) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// StripBlockedKeys deletes blocked keys from m in place, ignoring case.
func StripBlockedKeys(m map[string]any, blocked []string) {
	for k := range m {
		if isBlocked(k, blocked) {
			delete(m, k)
		}
	}
}

// StripBlockedStringKeys is StripBlockedKeys for string-valued maps.
func StripBlockedStringKeys(m map[string]string, blocked []string) {
	for k := range m {
		if isBlocked(k, blocked) {
			delete(m, k)
		}
	}
}

func isBlocked(key string, blocked []string) bool {
	for _, b := range blocked {
		if strings.EqualFold(key, b) {
			return true
		}
	}
	return false
}

// UTM keeps only the campaign keys with non-empty string values.
func UTM(v any) map[string]string {
	m := ShallowMap(v)
	out := make(map[string]string, len(UTMKeys))
	for _, k := range UTMKeys {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		if s = Clamp(s, event.MaxUTMValue); s != "" {
			out[k] = s
		}
	}
	return out
}

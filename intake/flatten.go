package intake

import (
	"fmt"
	"strconv"
)

type FlattenOptions struct {
	MaxDepth int
	MaxKeys  int
	// Skip lists top-level keys left out of the result.
	Skip map[string]bool
}

// identityKeys are payload keys that map onto contact columns or control the
// delivery itself. Everything else is attribution data for source_meta.
var identityKeys = map[string]bool{
	"first_name":      true,
	"last_name":       true,
	"name":            true,
	"email":           true,
	"phone":           true,
	"company":         true,
	"job_title":       true,
	"message":         true,
	"notes":           true,
	"idempotency_key": true,
	"submission_id":   true,
	"consent":         true,
}

// AttributionFields returns the non-identity part of a payload, flattened to
// dotted keys. String values are whitespace-collapsed and empty values dropped.
func AttributionFields(raw map[string]any) map[string]any {
	return FlattenJSON(raw, FlattenOptions{Skip: identityKeys})
}

// FlattenJSON turns nested objects and arrays into dotted keys: {"a":{"b":[1]}}
// becomes {"a.b[0]":1}. Object keys are visited in sorted order so MaxKeys
// truncation keeps the same keys for the same payload.
func FlattenJSON(value any, opts FlattenOptions) map[string]any {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 8
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 200
	}
	f := &flattener{opts: opts, out: make(map[string]any)}
	if obj, ok := value.(map[string]any); ok {
		for _, k := range sortedKeys(obj) {
			if opts.Skip[k] {
				continue
			}
			if !f.walk(k, obj[k], 1) {
				break
			}
		}
		return f.out
	}
	f.walk("", value, 0)
	return f.out
}

type flattener struct {
	opts FlattenOptions
	out  map[string]any
}

// walk records value under key and reports whether there is room for more.
func (f *flattener) walk(key string, value any, depth int) bool {
	if len(f.out) >= f.opts.MaxKeys {
		return false
	}
	if depth > f.opts.MaxDepth {
		f.out[key] = fmt.Sprintf("<max_depth:%d>", f.opts.MaxDepth)
		return len(f.out) < f.opts.MaxKeys
	}

	switch v := value.(type) {
	case map[string]any:
		for _, k := range sortedKeys(v) {
			if !f.walk(joinKey(key, k), v[k], depth+1) {
				return false
			}
		}
	case []any:
		for i, child := range v {
			if !f.walk(key+"["+strconv.Itoa(i)+"]", child, depth+1) {
				return false
			}
		}
	case nil:
	case string:
		if s := NormalizeText(v); s != "" {
			f.set(key, s)
		}
	default:
		f.set(key, v)
	}
	return len(f.out) < f.opts.MaxKeys
}

func (f *flattener) set(key string, v any) {
	if key == "" {
		key = "value"
	}
	f.out[key] = v
}

func joinKey(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

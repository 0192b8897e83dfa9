package preprocess

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

func asString(raw any) string {
	switch val := raw.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func asMap(raw any) map[string]any {
	out, _ := raw.(map[string]any)
	return out
}

func asMaps(raw any) []map[string]any {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if mapped, ok := entry.(map[string]any); ok && mapped != nil {
			out = append(out, mapped)
		}
	}
	return out
}

// lookup walks nested objects by key and returns nil as soon as a step is
// missing or not an object.
func lookup(root map[string]any, path ...string) any {
	var current any = root
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok || obj == nil {
			return nil
		}
		current = obj[key]
	}
	return current
}

func lookupString(root map[string]any, path ...string) string {
	return strings.TrimSpace(asString(lookup(root, path...)))
}

// firstString returns the first non-empty string among the given keys.
func firstString(root map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(asString(root[key])); value != "" {
			return value
		}
	}
	return ""
}

// timestampMillis converts provider timestamps to epoch milliseconds. Numbers
// above 1e12 are already milliseconds, smaller ones are seconds. Larger
// magnitudes are treated as micro or nanoseconds.
func timestampMillis(raw any) int64 {
	fromUnix := func(value int64) int64 {
		switch {
		case value <= 0:
			return 0
		case value >= 1_000_000_000_000_000_000:
			return value / 1_000_000
		case value >= 1_000_000_000_000_000:
			return value / 1_000
		case value >= 1_000_000_000_000:
			return value
		default:
			return value * 1_000
		}
	}
	switch value := raw.(type) {
	case float64:
		return fromUnix(int64(value))
	case int64:
		return fromUnix(value)
	case int:
		return fromUnix(int64(value))
	case json.Number:
		if i, err := strconv.ParseInt(value.String(), 10, 64); err == nil {
			return fromUnix(i)
		}
		if f, err := value.Float64(); err == nil {
			return fromUnix(int64(f))
		}
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return 0
		}
		if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return parsed.UnixMilli()
		}
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return fromUnix(i)
		}
	}
	return 0
}

// firstTimestamp returns the first usable timestamp among the candidates.
func firstTimestamp(candidates ...any) int64 {
	for _, candidate := range candidates {
		if ms := timestampMillis(candidate); ms > 0 {
			return ms
		}
	}
	return 0
}

func compactJSON(raw []byte) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return b.String()
}

package gate

import (
	"regexp"
	"unicode/utf8"
)

// Redaction bounds. Together they keep a redacted payload O(1) in size.
const (
	MaxStringRunes = 96
	MaxListItems   = 5
	MaxMapEntries  = 12
	MaxDepth       = 2
)

// Redaction markers.
const (
	RedactedMarker   = "[redacted]"
	DepthLimitMarker = "[depth-limit]"
	Ellipsis         = "…"
)

var sensitiveKey = regexp.MustCompile(`(?i)token|secret|password|authorization|cookie|email|phone`)

// IsSensitiveKey reports whether a map key names data that must never be traced.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// Redact returns a bounded copy of v that is safe to log: sensitive keys are
// replaced wholesale, long strings are truncated, lists and maps are capped,
// and anything nested deeper than MaxDepth becomes DepthLimitMarker.
// Redact is idempotent.
func Redact(v Value) Value {
	return redact(v, 0)
}

func redact(v Value, depth int) Value {
	if depth > MaxDepth {
		return String(DepthLimitMarker)
	}

	switch v.kind {
	case KindString:
		return String(truncate(v.s))
	case KindList:
		n := len(v.list)
		if n > MaxListItems {
			n = MaxListItems
		}
		items := make([]Value, n)
		for i := 0; i < n; i++ {
			items[i] = redact(v.list[i], depth+1)
		}
		return List(items...)
	case KindMap:
		n := len(v.fields)
		if n > MaxMapEntries {
			n = MaxMapEntries
		}
		fields := make([]Field, n)
		for i := 0; i < n; i++ {
			f := v.fields[i]
			if IsSensitiveKey(f.Key) {
				fields[i] = F(f.Key, String(RedactedMarker))
				continue
			}
			fields[i] = F(f.Key, redact(f.Value, depth+1))
		}
		return Map(fields...)
	default:
		return v
	}
}

// truncate keeps the first MaxStringRunes runes and appends Ellipsis. A string
// already truncated this way is returned unchanged.
func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxStringRunes {
		return s
	}
	count := 0
	for i := range s {
		if count == MaxStringRunes {
			return s[:i] + Ellipsis
		}
		count++
	}
	return s
}

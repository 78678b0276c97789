package observability

import (
	"strings"
	"unicode"
)

const maxFieldRunes = 256

// sanitizeString strips control characters and caps the rune count so request
// data cannot inject newlines or oversized values into structured logs.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = maxFieldRunes
	}

	var b strings.Builder
	b.Grow(len(value))
	count := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		if count >= limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// SanitizeRoute bounds a route pattern before it reaches logs or span attributes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod bounds an HTTP method string.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID bounds user identifiers logged for request attribution.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeString(uid, 64)
}

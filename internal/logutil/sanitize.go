package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings so they cannot forge additional log entries.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			result.WriteByte(' ')
		case r < 32 || r == 127:
			// dropped
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate sanitizes s and shortens it to at most max runes, appending "..."
// when anything was cut. Used for command labels in log lines.
func Truncate(s string, max int) string {
	s = SanitizeForLog(s)
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

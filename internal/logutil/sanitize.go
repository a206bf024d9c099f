// Package logutil holds helpers for writing client-supplied values to logs.
package logutil

import "strings"

// maxLogValue bounds how much of a single client-supplied value reaches a log line.
const maxLogValue = 128

// SanitizeForLog strips newlines and control characters from a client-supplied
// string so it cannot forge extra log entries, and truncates it to a bounded length.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

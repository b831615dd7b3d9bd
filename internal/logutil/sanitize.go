package logutil

import "strings"

// SanitizeForLog strips newlines and control characters from
// user-provided strings before they reach the log, so a caller cannot
// forge log entries. Connection names, notes, and similar free-text
// fields all pass through here.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

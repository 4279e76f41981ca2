package logutil

import "strings"

// maxLogValueLen caps user-provided values before they reach the server log.
const maxLogValueLen = 512

// SanitizeForLog flattens a user-provided string before logging it: newlines,
// tabs and other control characters become spaces so a crafted instance name
// or path cannot forge log entries, and very long values are truncated.
func SanitizeForLog(s string) string {
	if len(s) > maxLogValueLen {
		s = s[:maxLogValueLen]
	}
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return ' '
		}
		return r
	}, s)
}

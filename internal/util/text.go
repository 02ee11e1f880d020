package util

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Truncate shortens a string to maxLen with ellipsis.
// Uses three ASCII periods "..." to indicate truncation.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	// When n too small for content + ellipsis, just return first n chars
	if n <= 3 {
		// Find last rune boundary at or before n bytes
		lastValid := 0
		for i := range s {
			if i > n {
				break
			}
			lastValid = i
		}
		if lastValid == 0 && len(s) > 0 {
			return ""
		}
		return s[:lastValid]
	}
	// Find the last rune boundary that allows for "..." suffix within n bytes.
	targetLen := n - 3
	prevI := 0
	for i := range s {
		if i > targetLen {
			return s[:prevI] + "..."
		}
		prevI = i
	}
	// All rune starts are <= targetLen, but string is > n bytes.
	return s[:prevI] + "..."
}

// SanitizeFilename makes a string safe for use as a filename.
func SanitizeFilename(name string) string {
	// Replace unsafe characters
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		"%", "_",
		" ", "_",
		".", "_", // Prevent dotfiles and directory traversal
	)
	safe := replacer.Replace(strings.TrimSpace(name))

	// Limit length while respecting UTF-8 boundaries
	if len(safe) > 50 {
		for i := 50; i >= 0; i-- {
			if utf8.RuneStart(safe[i]) {
				return safe[:i]
			}
		}
		return safe[:50]
	}
	return safe
}

// FormatBytes formats bytes in a human-readable way (e.g., "1.5 KB")
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// SafeSlice truncates a string to maxLen bytes, ensuring the cut is at a rune boundary.
// Unlike Truncate, it does not add an ellipsis.
func SafeSlice(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Find the last rune start that keeps the string within maxLen
	lastValid := 0
	for i := range s {
		if i > maxLen {
			break
		}
		lastValid = i
	}
	return s[:lastValid]
}

// Package stringutil provides common string utility functions.
package stringutil

import (
	"strings"
	"unicode/utf8"
)

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// smartReplacer maps typographic punctuation to plain ASCII equivalents.
// Model output frequently contains smart quotes and dashes that break
// downstream consumers expecting plain text.
var smartReplacer = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"–", "-", // en dash
	"—", "-", // em dash
	"…", "...", // ellipsis
	" ", " ", // non-breaking space
)

// SanitizeText returns s with invalid UTF-8 byte sequences replaced and
// typographic punctuation normalized, so a single bad character never
// breaks an encoded event stream.
func SanitizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return smartReplacer.Replace(s)
}

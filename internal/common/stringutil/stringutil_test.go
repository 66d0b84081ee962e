package stringutil

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
	assert.Equal(t, "hello", TruncateString("hello", 5))
	assert.Equal(t, "hel", TruncateString("hello", 3))
	assert.Equal(t, "", TruncateString("", 5))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "hello", TruncateStringWithEllipsis("hello", 10))
	assert.Equal(t, "hello w...", TruncateStringWithEllipsis("hello world", 10))
	assert.Equal(t, "hel", TruncateStringWithEllipsis("hello", 3), "below ellipsis room falls back to a hard cut")
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, `he said "hi" - 'yes'...`, SanitizeText("he said “hi” — ‘yes’…"))

	out := SanitizeText("bad\xffbyte")
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "bad")
	assert.Contains(t, out, "byte")

	assert.Equal(t, "plain text", SanitizeText("plain text"))
}

package voice

import (
	"strings"
	"unicode"
)

// StripPunctuation removes whitespace, punctuation and symbols. Recognized
// text that is empty after stripping carries no speech.
func StripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HasSpeech reports whether text has any content after stripping.
func HasSpeech(text string) bool {
	return StripPunctuation(text) != ""
}

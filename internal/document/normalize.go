package document

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Normalize folds full-width forms to their half-width equivalents and removes
// whitespace. Two texts that differ only in layout compare equal after Normalize.
func Normalize(s string) string {
	folded := width.Fold.String(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, folded)
}

// Contains reports whether text contains sub after normalizing both.
func Contains(text, sub string) bool {
	return strings.Contains(Normalize(text), Normalize(sub))
}

// trimRunes drops the last n runes of s.
func trimRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if n >= len(runes) {
		return ""
	}
	return string(runes[:len(runes)-n])
}

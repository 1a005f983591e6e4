package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize prepares a transcript for exact/contains/fuzzy matching:
// unicode NFKD fold, lowercase, punctuation stripped, whitespace collapsed.
func Normalize(text string) string {
	return strings.ToLower(NormalizeCase(text))
}

// NormalizeCase is Normalize without the lowercase step, used for
// case-sensitive contains matching.
func NormalizeCase(text string) string {
	text = norm.NFKD.String(text)

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			// Punctuation separates words rather than vanishing, so
			// "engine-3" tokenizes as "engine 3".
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokenize splits a normalized transcript into whitespace-delimited tokens.
func Tokenize(normalized string) []string {
	return strings.Fields(normalized)
}

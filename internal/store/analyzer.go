package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// stopwords are dropped from both the inverted index and query term lists;
// they carry no discriminative weight for recall scoring (§4.7).
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "will": {}, "with": {},
}

// minTokenLen drops single-character noise tokens.
const minTokenLen = 2

// tokenize lowercases, NFC-normalizes, and splits s into word tokens made of
// Unicode letters and digits, dropping stopwords and short tokens (§4.7:
// "content is tokenized the same way at write time and query time").
func tokenize(s string) []string {
	s = norm.NFC.String(strings.ToLower(s))

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if len([]rune(tok)) < minTokenLen {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		tokens = append(tokens, tok)
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// termFrequencies tokenizes s and returns each distinct term's occurrence
// count, the shape the inverted index stores per record (§4.3 #5).
func termFrequencies(s string) map[string]int {
	tf := make(map[string]int)
	for _, tok := range tokenize(s) {
		tf[tok]++
	}
	return tf
}

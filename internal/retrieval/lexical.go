package retrieval

import (
	"regexp"
	"strings"
)

var tokenSplit = regexp.MustCompile(`\W+`)

// Tokenize lower-cases s and splits it on runs of non-word characters,
// dropping empty tokens.
func Tokenize(s string) []string {
	parts := tokenSplit.Split(strings.ToLower(s), -1)
	tokens := parts[:0]
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// Score counts the distinct query tokens that occur as substrings of text,
// case-insensitively. Repeating a token in the query does not inflate the
// score. This is a cheap prefilter for a corpus of at most a few hundred
// records, not a full-text index.
func Score(query, text string) int {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return 0
	}
	hay := strings.ToLower(text)
	seen := make(map[string]bool, len(tokens))
	score := 0
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if strings.Contains(hay, tok) {
			score++
		}
	}
	return score
}

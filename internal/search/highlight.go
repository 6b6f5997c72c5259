package search

import (
	"sort"
	"strings"
)

// Range is a character span where a query term matched, 0-indexed with an
// exclusive end.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// maxMatchesPerTerm bounds highlight work on pathological documents.
const maxMatchesPerTerm = 10

// matchedTerms returns the query tokens present in the content,
// case-insensitive, preserving token order without duplicates.
func matchedTerms(content string, tokens []string) []string {
	if len(tokens) == 0 || content == "" {
		return nil
	}
	lower := strings.ToLower(content)
	seen := make(map[string]struct{}, len(tokens))
	var out []string
	for _, tok := range tokens {
		lt := strings.ToLower(tok)
		if lt == "" {
			continue
		}
		if _, dup := seen[lt]; dup {
			continue
		}
		if strings.Contains(lower, lt) {
			seen[lt] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

// highlightRanges finds the spans of the matched terms in content, sorted
// by start offset.
func highlightRanges(content string, terms []string) []Range {
	if len(terms) == 0 || content == "" {
		return nil
	}
	lower := strings.ToLower(content)
	highlights := make([]Range, 0, len(terms)*3)
	for _, term := range terms {
		lt := strings.ToLower(term)
		if lt == "" {
			continue
		}
		start := 0
		for matches := 0; matches < maxMatchesPerTerm; matches++ {
			idx := strings.Index(lower[start:], lt)
			if idx < 0 {
				break
			}
			abs := start + idx
			highlights = append(highlights, Range{Start: abs, End: abs + len(lt)})
			start = abs + len(lt)
		}
	}
	if len(highlights) > 1 {
		sort.Slice(highlights, func(i, j int) bool { return highlights[i].Start < highlights[j].Start })
	}
	return highlights
}

package query

import (
	"sort"
	"strings"
	"unicode"
)

// WeightedTerm is one expansion output term with its boost weight.
type WeightedTerm struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
}

// Expansion carries the per-side query rewrites.
type Expansion struct {
	// Terms is the full weighted expansion, strongest first.
	Terms []WeightedTerm `json:"terms"`

	// SparseTokens is the amplified token stream for the lexical side:
	// weights at or above 0.8 appear twice, at or above 0.6 once.
	SparseTokens []string `json:"sparse_tokens"`

	// Dense is the natural-language rewrite for the embedding side,
	// "original (related: a, b, c)".
	Dense string `json:"dense"`
}

// Expansion weights by provenance.
const (
	weightOriginal = 1.0
	weightSplit    = 0.9
	weightAbbrev   = 0.7
	weightSynonym  = 0.6
)

// abbreviations maps the short identifier forms common in code to their
// long forms and back.
var abbreviations = map[string][]string{
	"cfg":    {"config", "configuration"},
	"config": {"cfg", "settings"},
	"ctx":    {"context"},
	"err":    {"error"},
	"req":    {"request"},
	"resp":   {"response"},
	"db":     {"database"},
	"auth":   {"authentication", "authorization"},
	"impl":   {"implementation"},
	"init":   {"initialize", "initialization"},
	"util":   {"utility", "helper"},
	"repo":   {"repository"},
	"msg":    {"message"},
	"conn":   {"connection"},
	"buf":    {"buffer"},
	"fn":     {"function"},
	"func":   {"function"},
	"str":    {"string"},
	"ptr":    {"pointer"},
	"addr":   {"address"},
	"dir":    {"directory"},
	"env":    {"environment"},
	"param":  {"parameter", "argument"},
	"args":   {"arguments", "parameters"},
	"sync":   {"synchronize"},
	"async":  {"asynchronous"},
}

// synonyms is the optional precision-costly table, off by default for the
// sparse side.
var synonyms = map[string][]string{
	"function":  {"method", "procedure"},
	"error":     {"exception", "failure"},
	"delete":    {"remove", "drop"},
	"create":    {"add", "insert"},
	"search":    {"find", "query", "lookup"},
	"server":    {"listener", "daemon"},
	"test":      {"spec", "check"},
	"parse":     {"decode", "read"},
	"serialize": {"encode", "marshal"},
	"store":     {"storage", "repository"},
}

// ExpandOptions configures Expand.
type ExpandOptions struct {
	// Synonyms enables the synonym table for the sparse stream.
	Synonyms bool
	// MaxRelated bounds the dense rewrite's related-term list.
	MaxRelated int
}

// Expand rewrites a query for both retrieval sides. It takes the original
// text, not the normalized form: case boundaries drive the compound
// splitting and normalization lowercases them away.
func Expand(original string, opts ExpandOptions) Expansion {
	if opts.MaxRelated <= 0 {
		opts.MaxRelated = 3
	}
	normalized := Normalize(original)

	seen := make(map[string]float64)
	var order []string
	add := func(term string, weight float64) {
		term = strings.ToLower(term)
		if term == "" {
			return
		}
		if prev, ok := seen[term]; ok {
			if weight > prev {
				seen[term] = weight
			}
			return
		}
		seen[term] = weight
		order = append(order, term)
	}

	for _, word := range strings.Fields(original) {
		lower := strings.ToLower(strings.Trim(word, ".,;:!?()\"'"))
		add(lower, weightOriginal)

		parts := splitCompound(word)
		for _, part := range parts {
			add(part, weightSplit)
		}
		bases := append([]string{lower}, parts...)
		for _, base := range bases {
			for _, long := range abbreviations[strings.ToLower(base)] {
				add(long, weightAbbrev)
			}
			if opts.Synonyms {
				for _, syn := range synonyms[strings.ToLower(base)] {
					add(syn, weightSynonym)
				}
			}
		}
	}

	exp := Expansion{}
	for _, term := range order {
		exp.Terms = append(exp.Terms, WeightedTerm{Term: term, Weight: seen[term]})
	}
	sort.SliceStable(exp.Terms, func(i, j int) bool {
		return exp.Terms[i].Weight > exp.Terms[j].Weight
	})

	for _, wt := range exp.Terms {
		switch {
		case wt.Weight >= 0.8:
			exp.SparseTokens = append(exp.SparseTokens, wt.Term, wt.Term)
		case wt.Weight >= 0.6:
			exp.SparseTokens = append(exp.SparseTokens, wt.Term)
		}
	}

	exp.Dense = denseRewrite(normalized, exp.Terms, opts.MaxRelated)
	return exp
}

// denseRewrite produces "original (related: a, b, c)" using the strongest
// expansion terms absent from the original text.
func denseRewrite(normalized string, terms []WeightedTerm, maxRelated int) string {
	inOriginal := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		inOriginal[w] = struct{}{}
	}
	var related []string
	for _, wt := range terms {
		if _, ok := inOriginal[wt.Term]; ok {
			continue
		}
		related = append(related, wt.Term)
		if len(related) == maxRelated {
			break
		}
	}
	if len(related) == 0 {
		return normalized
	}
	return normalized + " (related: " + strings.Join(related, ", ") + ")"
}

// splitCompound breaks camelCase, snake_case, and kebab-case words into
// parts. Single-part words yield nothing.
func splitCompound(word string) []string {
	replaced := strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '.' || r == '/' {
			return ' '
		}
		return r
	}, word)

	var parts []string
	for _, piece := range strings.Fields(replaced) {
		parts = append(parts, splitCamel(piece)...)
	}
	if len(parts) <= 1 && strings.EqualFold(strings.Join(parts, ""), word) {
		return nil
	}
	return parts
}

func splitCamel(word string) []string {
	runes := []rune(word)
	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		boundary := unicode.IsLower(runes[i-1]) && unicode.IsUpper(runes[i])
		// Acronym runs break before their last capital: HTTPHeader is
		// HTTP + Header.
		if i+1 < len(runes) && unicode.IsUpper(runes[i-1]) && unicode.IsUpper(runes[i]) && unicode.IsLower(runes[i+1]) {
			boundary = true
		}
		if boundary {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	parts = append(parts, string(runes[start:]))
	return parts
}

package ml

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// The stub backends run fully in process with deterministic output. They are
// the default backend and the fallback target when a remote capability fails.

// StubDimensions is the dense dimensionality of the stub embedder.
const StubDimensions = 256

// tokenize lowercases and splits on non-alphanumerics, additionally breaking
// camelCase and snake_case identifiers into their parts. "parseHTTPHeader"
// yields [parsehttpheader parse http header].
func tokenize(text string) []string {
	var tokens []string
	var word []rune
	flush := func() {
		if len(word) == 0 {
			return
		}
		w := string(word)
		tokens = append(tokens, strings.ToLower(w))
		for _, part := range splitIdentifier(w) {
			if !strings.EqualFold(part, w) {
				tokens = append(tokens, strings.ToLower(part))
			}
		}
		word = word[:0]
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word = append(word, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// splitIdentifier breaks a camelCase or PascalCase word at case boundaries.
// Runs of capitals stay together until the last one: "HTTPServer" becomes
// [HTTP Server].
func splitIdentifier(word string) []string {
	runes := []rune(word)
	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := false
		if unicode.IsLower(prev) && unicode.IsUpper(cur) {
			boundary = true
		}
		if i+1 < len(runes) && unicode.IsUpper(prev) && unicode.IsUpper(cur) && unicode.IsLower(runes[i+1]) {
			boundary = true
		}
		if unicode.IsLetter(prev) != unicode.IsLetter(cur) {
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

func hashToken(tok string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tok))
	return h.Sum32()
}

// StubEmbedder maps texts onto deterministic dense vectors by hashing token
// bigrams into a fixed number of buckets and L2-normalizing. Texts sharing
// vocabulary land near each other, which is enough for tests and for local
// setups without a model runtime.
type StubEmbedder struct {
	dims int
}

// NewStubEmbedder creates the deterministic in-process embedder.
func NewStubEmbedder() *StubEmbedder {
	return &StubEmbedder{dims: StubDimensions}
}

// Embed implements Embedder.
func (e *StubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *StubEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[hashToken(tok)%uint32(e.dims)] += 1.0
		if i+1 < len(tokens) {
			vec[hashToken(tok+" "+tokens[i+1])%uint32(e.dims)] += 0.5
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec
	}
	inv := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Model implements Embedder.
func (e *StubEmbedder) Model() string { return "stub-256" }

// Dimensions implements Embedder.
func (e *StubEmbedder) Dimensions() int { return e.dims }

// sparseTopK caps the entries kept per encoding.
const sparseTopK = 128

// StubSparseEncoder produces log-scaled term-frequency sparse vectors,
// ordered by weight descending and truncated to sparseTopK entries. The
// index space is the fnv32a hash of the token, so encodings are comparable
// across processes without a shared vocabulary file.
type StubSparseEncoder struct{}

// NewStubSparseEncoder creates the deterministic in-process sparse encoder.
func NewStubSparseEncoder() *StubSparseEncoder {
	return &StubSparseEncoder{}
}

// Encode implements SparseEncoder.
func (s *StubSparseEncoder) Encode(ctx context.Context, texts []string) ([]SparseVector, error) {
	out := make([]SparseVector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = s.encodeOne(text)
	}
	return out, nil
}

func (s *StubSparseEncoder) encodeOne(text string) SparseVector {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	type entry struct {
		tok    string
		weight float32
	}
	entries := make([]entry, 0, len(counts))
	for tok, n := range counts {
		entries = append(entries, entry{tok, float32(1.0 + math.Log(float64(n)))})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].weight != entries[j].weight {
			return entries[i].weight > entries[j].weight
		}
		return entries[i].tok < entries[j].tok
	})
	if len(entries) > sparseTopK {
		entries = entries[:sparseTopK]
	}

	sv := SparseVector{
		Indices: make([]uint32, 0, len(entries)),
		Weights: make([]float32, 0, len(entries)),
		Tokens:  make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		sv.Indices = append(sv.Indices, hashToken(e.tok))
		sv.Weights = append(sv.Weights, e.weight)
		sv.Tokens = append(sv.Tokens, e.tok)
	}
	return sv
}

// Model implements SparseEncoder.
func (s *StubSparseEncoder) Model() string { return "stub-logtf" }

// StubReranker scores documents by weighted token overlap with the query.
// Deterministic and monotone in lexical agreement, so pipeline behavior
// (ordering, early exit) can be tested without a cross-encoder.
type StubReranker struct{}

// NewStubReranker creates the in-process overlap reranker.
func NewStubReranker() *StubReranker {
	return &StubReranker{}
}

// Rerank implements Reranker.
func (r *StubReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	qset := make(map[string]struct{})
	for _, tok := range tokenize(query) {
		qset[tok] = struct{}{}
	}
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen := make(map[string]struct{})
		matched := 0
		total := 0
		for _, tok := range tokenize(doc) {
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			total++
			if _, ok := qset[tok]; ok {
				matched++
			}
		}
		if total == 0 || len(qset) == 0 {
			continue
		}
		// Overlap relative to the query, damped by doc vocabulary size so
		// tiny fragments do not dominate.
		recall := float64(matched) / float64(len(qset))
		precision := float64(matched) / float64(total)
		if recall+precision > 0 {
			scores[i] = 2 * recall * precision / (recall + precision)
		}
	}
	return scores, nil
}

// Model implements Reranker.
func (r *StubReranker) Model() string { return "stub-overlap" }

// StubClassifier labels queries by surface heuristics. The query
// understanding layer refines this with its own rule set; the stub exists so
// the classify capability always has a working backend.
type StubClassifier struct{}

// NewStubClassifier creates the heuristic classifier.
func NewStubClassifier() *StubClassifier {
	return &StubClassifier{}
}

// Classify implements Classifier.
func (c *StubClassifier) Classify(ctx context.Context, query string) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	q := strings.ToLower(query)
	switch {
	case strings.ContainsAny(query, "():.") || strings.Contains(q, "func ") || strings.Contains(q, "def "):
		return Classification{Intent: "navigational", Confidence: 0.7}, nil
	case strings.HasPrefix(q, "how ") || strings.HasPrefix(q, "why ") || strings.Contains(q, "compare"):
		return Classification{Intent: "analytical", Confidence: 0.6}, nil
	case strings.HasPrefix(q, "what ") || strings.HasPrefix(q, "where "):
		return Classification{Intent: "factual", Confidence: 0.6}, nil
	default:
		return Classification{Intent: "exploratory", Confidence: 0.5}, nil
	}
}

// Model implements Classifier.
func (c *StubClassifier) Model() string { return "stub-rules" }

// Package query turns raw query text into a retrieval plan: intent,
// difficulty, strategy, and the expanded token streams the two index sides
// consume.
package query

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ricelabs/rice/internal/validation"
)

// Intent classifies what the user is after.
type Intent string

const (
	IntentNavigational Intent = "navigational"
	IntentFactual      Intent = "factual"
	IntentExploratory  Intent = "exploratory"
	IntentAnalytical   Intent = "analytical"
)

// Difficulty estimates how hard the query is to satisfy.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Strategy selects the retrieval mix.
type Strategy string

const (
	StrategySparseOnly  Strategy = "sparse-only"
	StrategyDenseOnly   Strategy = "dense-only"
	StrategyBalanced    Strategy = "hybrid-balanced"
	StrategySparseHeavy Strategy = "hybrid-sparse-heavy"
	StrategyDenseHeavy  Strategy = "hybrid-dense-heavy"
)

// Weights returns the fusion weights (sparse, dense) for the strategy.
func (s Strategy) Weights() (float64, float64) {
	switch s {
	case StrategySparseOnly:
		return 1.0, 0.0
	case StrategyDenseOnly:
		return 0.0, 1.0
	case StrategySparseHeavy:
		return 0.7, 0.3
	case StrategyDenseHeavy:
		return 0.3, 0.7
	default:
		return 0.5, 0.5
	}
}

// Signals are the surface features the intent rules consume.
type Signals struct {
	WordCount       int     `json:"word_count"`
	HasCamelCase    bool    `json:"has_camel_case"`
	HasSnakeCase    bool    `json:"has_snake_case"`
	HasPathTokens   bool    `json:"has_path_tokens"`
	HasQuestionWord bool    `json:"has_question_word"`
	HasComparison   bool    `json:"has_comparison"`
	Specificity     float64 `json:"specificity"`
}

// Analysis is the full query understanding output.
type Analysis struct {
	Original   string     `json:"original"`
	Normalized string     `json:"normalized"`
	Intent     Intent     `json:"intent"`
	Difficulty Difficulty `json:"difficulty"`
	Strategy   Strategy   `json:"strategy"`
	Signals    Signals    `json:"signals"`
	Confidence float64    `json:"confidence"`
}

// RerankDefault reports whether reranking should be on when the request
// does not say. Confident navigational lookups skip it.
func (a *Analysis) RerankDefault() bool {
	return !(a.Intent == IntentNavigational && a.Confidence >= 0.8)
}

var (
	camelRe     = regexp.MustCompile(`[a-z][A-Z]`)
	snakeRe     = regexp.MustCompile(`[A-Za-z0-9]_[A-Za-z0-9]`)
	extensionRe = regexp.MustCompile(`\.[a-zA-Z]{1,4}(\s|$)`)

	questionWords = map[string]struct{}{
		"what": {}, "where": {}, "when": {}, "which": {}, "who": {},
		"why": {}, "how": {}, "does": {}, "is": {}, "are": {},
	}
	comparisonPhrases = []string{" vs ", " vs. ", "versus", "compare", "difference between", "better than"}
	broadPhrases      = []string{"how does", "how do", "work", "explain", "architecture", "overview", "flow", "design"}

	stopwords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "to": {}, "for": {},
		"and": {}, "or": {}, "with": {}, "on": {}, "at": {}, "by": {}, "is": {},
		"are": {}, "be": {}, "do": {}, "does": {}, "how": {}, "what": {},
		"where": {}, "when": {}, "why": {}, "i": {}, "it": {}, "this": {}, "that": {},
	}
)

// Normalize lowercases, strips control characters, collapses whitespace,
// and bounds the length.
func Normalize(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	lastSpace := true
	for _, r := range q {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		lastSpace = false
	}
	out := strings.TrimSpace(b.String())
	if len(out) > validation.MaxQueryLen {
		out = out[:validation.MaxQueryLen]
	}
	return out
}

// Analyze runs the full rule pipeline on one query.
func Analyze(q string) Analysis {
	a := Analysis{
		Original:   q,
		Normalized: Normalize(q),
	}
	a.Signals = computeSignals(q, a.Normalized)
	a.Intent = classifyIntent(a.Normalized, a.Signals)
	a.Difficulty = classifyDifficulty(a.Intent, a.Signals, a.Normalized)
	a.Strategy = chooseStrategy(a.Intent)
	a.Confidence = confidence(a.Intent, a.Signals)
	return a
}

// computeSignals inspects the original text for case signals (lost by
// normalization) and the normalized text for everything else.
func computeSignals(original, normalized string) Signals {
	words := strings.Fields(normalized)
	s := Signals{
		WordCount:    len(words),
		HasCamelCase: camelRe.MatchString(original),
		HasSnakeCase: snakeRe.MatchString(original),
	}
	if strings.ContainsRune(normalized, '/') || extensionRe.MatchString(normalized) {
		s.HasPathTokens = true
	}
	if len(words) > 0 {
		if _, ok := questionWords[words[0]]; ok {
			s.HasQuestionWord = true
		}
	}
	padded := " " + normalized + " "
	for _, phrase := range comparisonPhrases {
		if strings.Contains(padded, phrase) {
			s.HasComparison = true
			break
		}
	}
	s.Specificity = specificity(original, words)
	return s
}

// specificity scores token rarity and identifier presence in [0, 1].
func specificity(original string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	rare := 0
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if len(w) >= 8 || strings.ContainsAny(w, "_./") || hasDigit(w) {
			rare++
		}
	}
	score := float64(rare) / float64(len(words))
	if camelRe.MatchString(original) {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// classifyIntent applies the ordered rules; first match wins.
func classifyIntent(normalized string, s Signals) Intent {
	if s.HasPathTokens || (s.WordCount == 1 && s.HasCamelCase) {
		return IntentNavigational
	}
	if s.HasComparison {
		return IntentAnalytical
	}
	if s.HasQuestionWord && s.Specificity >= 0.5 {
		return IntentFactual
	}
	for _, phrase := range broadPhrases {
		if strings.Contains(normalized, phrase) {
			return IntentExploratory
		}
	}
	if s.WordCount >= 5 && s.Specificity < 0.5 {
		return IntentExploratory
	}
	if s.WordCount <= 4 {
		return IntentFactual
	}
	return IntentExploratory
}

func classifyDifficulty(intent Intent, s Signals, normalized string) Difficulty {
	switch intent {
	case IntentNavigational:
		return DifficultyEasy
	case IntentAnalytical:
		return DifficultyHard
	case IntentFactual:
		switch {
		case s.Specificity >= 0.7:
			return DifficultyEasy
		case s.Specificity >= 0.4:
			return DifficultyMedium
		default:
			return DifficultyHard
		}
	default:
		// Exploratory: a named broad topic is medium, a long open-ended
		// question is hard.
		for _, phrase := range broadPhrases {
			if strings.Contains(normalized, phrase) && s.WordCount <= 6 {
				return DifficultyMedium
			}
		}
		if s.WordCount > 8 {
			return DifficultyHard
		}
		return DifficultyMedium
	}
}

// StrategyFor maps an intent to its retrieval strategy. Callers that
// refine the intent with a model re-derive the strategy through this.
func StrategyFor(intent Intent) Strategy {
	return chooseStrategy(intent)
}

func chooseStrategy(intent Intent) Strategy {
	switch intent {
	case IntentNavigational:
		return StrategySparseHeavy
	case IntentExploratory:
		return StrategyDenseHeavy
	default:
		return StrategyBalanced
	}
}

// confidence scores how certain the rule pipeline is about its labels.
func confidence(intent Intent, s Signals) float64 {
	c := 0.5
	switch intent {
	case IntentNavigational:
		if s.HasPathTokens {
			c = 0.9
		} else {
			c = 0.8
		}
	case IntentAnalytical:
		c = 0.75
	case IntentFactual:
		c = 0.5 + s.Specificity*0.3
	case IntentExploratory:
		c = 0.6
	}
	if c > 1 {
		c = 1
	}
	return c
}

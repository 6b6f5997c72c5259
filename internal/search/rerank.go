package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/query"
)

// rerankBackend is the cross-encoder surface the reranker needs.
type rerankBackend interface {
	Rerank(ctx context.Context, q string, docs []string) ([]float64, error)
}

// pass2Backend is the optional slow-variant surface used for the second
// pass. Backends without one are scored with the standard call on full
// content.
type pass2Backend interface {
	RerankFull(ctx context.Context, q string, docs []string) ([]float64, error)
}

// Skip reasons recorded in telemetry.
const (
	SkipCountBelowTopK = "count_below_top_k"
	SkipAgreement      = "retriever_agreement"
	SkipNavigational   = "navigational_exact"
)

// RerankConfig tunes the two-pass stage.
type RerankConfig struct {
	// TopK is the requested result count; candidate lists at or below it
	// skip reranking entirely.
	TopK int

	// Pass1TopK bounds the first cross-encoder pass.
	Pass1TopK int

	// Pass2TopM bounds the second pass; clamped to [TopK, Pass1TopK].
	Pass2TopM int

	// HighConfidence is the pass-1 top score that ends the stage early.
	HighConfidence float64

	// SkipMargin is the fused top-gap required by the agreement skip and
	// the pass-1 gap early exit.
	SkipMargin float64

	// Pass1DocBytes truncates candidate text for the cheap first pass;
	// pass 2 always scores full content.
	Pass1DocBytes int
}

func (c *RerankConfig) withDefaults() {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.Pass1TopK <= 0 {
		c.Pass1TopK = 40
	}
	if c.Pass2TopM <= 0 {
		c.Pass2TopM = 10
	}
	if c.Pass2TopM < c.TopK {
		c.Pass2TopM = c.TopK
	}
	if c.Pass2TopM > c.Pass1TopK {
		c.Pass2TopM = c.Pass1TopK
	}
	if c.HighConfidence <= 0 {
		c.HighConfidence = 0.9
	}
	if c.SkipMargin <= 0 {
		c.SkipMargin = 0.15
	}
	if c.Pass1DocBytes <= 0 {
		c.Pass1DocBytes = 1024
	}
}

// RerankDecision reports what the stage did, for telemetry.
type RerankDecision struct {
	Used       bool
	SkipReason string
	EarlyExit  bool
	Pass1Count int
	Pass2Count int
	Err        error
}

// Reranker is the adaptive two-pass cross-encoder stage.
type Reranker struct {
	backend rerankBackend
	log     *slog.Logger
}

func NewReranker(backend rerankBackend, log *slog.Logger) *Reranker {
	if log == nil {
		log = slog.Default()
	}
	return &Reranker{backend: backend, log: log}
}

// shouldSkip applies the skip rules in order.
func shouldSkip(cands []Candidate, analysis *query.Analysis, cfg RerankConfig) string {
	if len(cands) <= cfg.TopK {
		return SkipCountBelowTopK
	}
	if topListsAgree(cands, 3) && topGap(cands) >= cfg.SkipMargin {
		return SkipAgreement
	}
	if analysis != nil && analysis.Intent == query.IntentNavigational && exactTarget(cands, analysis) {
		return SkipNavigational
	}
	return ""
}

// topListsAgree reports whether the sparse and dense retrievers put the
// same chunks, in the same order, at the head of their lists.
func topListsAgree(cands []Candidate, n int) bool {
	bySparse := make([]*Candidate, 0, n)
	byDense := make([]*Candidate, 0, n)
	for i := range cands {
		c := &cands[i]
		if c.SparseRank >= 1 && c.SparseRank <= n {
			bySparse = append(bySparse, c)
		}
		if c.DenseRank >= 1 && c.DenseRank <= n {
			byDense = append(byDense, c)
		}
	}
	if len(bySparse) < n || len(byDense) < n {
		return false
	}
	sort.Slice(bySparse, func(i, j int) bool { return bySparse[i].SparseRank < bySparse[j].SparseRank })
	sort.Slice(byDense, func(i, j int) bool { return byDense[i].DenseRank < byDense[j].DenseRank })
	for i := 0; i < n; i++ {
		if bySparse[i].ID != byDense[i].ID {
			return false
		}
	}
	return true
}

// topGap is the normalized score gap between ranks 1 and 2.
func topGap(cands []Candidate) float64 {
	if len(cands) < 2 {
		return 1
	}
	return cands[0].Score - cands[1].Score
}

// exactTarget reports whether the top candidate directly matches the
// navigational query's path or symbol.
func exactTarget(cands []Candidate, analysis *query.Analysis) bool {
	if len(cands) == 0 {
		return false
	}
	top := &cands[0]
	normalized := analysis.Normalized
	if normalized == "" {
		return false
	}
	if strings.Contains(strings.ToLower(top.Payload.Path), normalized) {
		return true
	}
	for _, sym := range top.Payload.Symbols {
		if strings.EqualFold(sym, normalized) {
			return true
		}
	}
	return false
}

func errScoreCount(want, got int) error {
	return errors.New(errors.KindTransient, "reranker returned %d scores for %d docs", got, want)
}

// Rerank reorders cands in place by cross-encoder score. Errors leave the
// fused ordering intact and surface through the decision only.
func (r *Reranker) Rerank(ctx context.Context, q string, cands []Candidate, analysis *query.Analysis, cfg RerankConfig) ([]Candidate, RerankDecision) {
	cfg.withDefaults()

	if reason := shouldSkip(cands, analysis, cfg); reason != "" {
		return cands, RerankDecision{SkipReason: reason}
	}

	decision := RerankDecision{Used: true}

	// Pass 1: cheap scoring over the fused head.
	p1 := len(cands)
	if p1 > cfg.Pass1TopK {
		p1 = cfg.Pass1TopK
	}
	docs := make([]string, p1)
	for i := 0; i < p1; i++ {
		docs[i] = truncate(cands[i].Payload.Content, cfg.Pass1DocBytes)
	}
	scores, err := r.backend.Rerank(ctx, q, docs)
	if err != nil || len(scores) != p1 {
		if err == nil {
			err = errScoreCount(p1, len(scores))
		}
		decision.Err = err
		r.log.Warn("rerank pass 1 failed, keeping fused order", slog.String("error", err.Error()))
		return cands, decision
	}
	decision.Pass1Count = p1
	for i := 0; i < p1; i++ {
		cands[i].Pass1Score = scores[i]
		cands[i].FinalScore = scores[i]
		cands[i].Score = scores[i]
		cands[i].Reranked = true
	}
	sortByScore(cands[:p1])

	// Early exit when pass 1 is already confident.
	if cands[0].Score >= cfg.HighConfidence ||
		(gapAt(cands[:p1], cfg.TopK) >= cfg.SkipMargin && p1 >= cfg.TopK) {
		decision.EarlyExit = true
		return cands, decision
	}

	// Pass 2: full content over the pass-1 head, with the slow model
	// variant when the backend has one.
	p2 := p1
	if p2 > cfg.Pass2TopM {
		p2 = cfg.Pass2TopM
	}
	docs = make([]string, p2)
	for i := 0; i < p2; i++ {
		docs[i] = cands[i].Payload.Content
	}
	if full, ok := r.backend.(pass2Backend); ok {
		scores, err = full.RerankFull(ctx, q, docs)
	} else {
		scores, err = r.backend.Rerank(ctx, q, docs)
	}
	if err != nil || len(scores) != p2 {
		if err == nil {
			err = errScoreCount(p2, len(scores))
		}
		// Pass-1 order stands.
		decision.Err = err
		r.log.Warn("rerank pass 2 failed, keeping pass-1 order", slog.String("error", err.Error()))
		return cands, decision
	}
	decision.Pass2Count = p2
	for i := 0; i < p2; i++ {
		cands[i].FinalScore = scores[i]
		cands[i].Score = scores[i]
	}
	sortByScore(cands[:p2])
	return cands, decision
}

func sortByScore(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ID < cands[j].ID
	})
}

// gapAt is the score gap between rank 1 and rank k (1-based).
func gapAt(cands []Candidate, k int) float64 {
	if k < 1 || k >= len(cands) {
		return 0
	}
	return cands[0].Score - cands[k-1].Score
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

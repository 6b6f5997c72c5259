// Package search implements the query pipeline: hybrid retrieval, RRF
// fusion, multi-pass reranking, and post-ranking.
package search

import (
	"sort"

	"github.com/ricelabs/rice/internal/engine"
)

// Candidate is one chunk moving through the pipeline. Scores accumulate as
// stages run: fusion sets RRFScore and Score, rerank sets Pass1Score and
// FinalScore.
type Candidate struct {
	ID      string
	Payload engine.Payload
	Dense   []float32

	// Score is the current relevance in [0,1], updated stage by stage.
	Score float64

	RRFScore    float64
	SparseRank  int
	DenseRank   int
	SparseScore float64
	DenseScore  float64
	InBoth      bool

	Pass1Score float64
	FinalScore float64
	Reranked   bool

	// Set by per-file aggregation.
	FileScore      float64
	Representative bool
}

// DefaultRRFConstant is the fusion smoothing constant k.
const DefaultRRFConstant = 60

// Fuse merges the sparse and dense ranked lists with weighted Reciprocal
// Rank Fusion: score = Σ_side w_side/(k+rank_side), ranks starting at 1. A
// chunk missing from a side takes rank max(len_sparse, len_dense)+1 there.
// RRF scores are then min-max normalized into Score.
func Fuse(sparse, dense []engine.Scored, k int, wSparse, wDense float64) []Candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	missingRank := len(sparse)
	if len(dense) > missingRank {
		missingRank = len(dense)
	}
	missingRank++

	byID := make(map[string]*Candidate, len(sparse)+len(dense))
	var order []*Candidate
	lookup := func(s engine.Scored) *Candidate {
		if c, ok := byID[s.ID]; ok {
			if c.Dense == nil && s.Dense != nil {
				c.Dense = s.Dense
			}
			return c
		}
		c := &Candidate{
			ID:         s.ID,
			Payload:    s.Payload,
			Dense:      s.Dense,
			SparseRank: missingRank,
			DenseRank:  missingRank,
		}
		byID[s.ID] = c
		order = append(order, c)
		return c
	}

	for i, s := range sparse {
		c := lookup(s)
		c.SparseRank = i + 1
		c.SparseScore = s.Score
	}
	for i, s := range dense {
		c := lookup(s)
		c.DenseRank = i + 1
		c.DenseScore = s.Score
	}

	for _, c := range order {
		c.InBoth = c.SparseRank < missingRank && c.DenseRank < missingRank
		c.RRFScore = wSparse/float64(k+c.SparseRank) + wDense/float64(k+c.DenseRank)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		if a.InBoth != b.InBoth {
			return a.InBoth
		}
		if a.SparseScore != b.SparseScore {
			return a.SparseScore > b.SparseScore
		}
		return a.ID < b.ID
	})

	out := make([]Candidate, len(order))
	for i, c := range order {
		out[i] = *c
	}
	normalizeScores(out)
	return out
}

// normalizeScores min-max scales RRFScore into Score. A degenerate range
// maps everything to 1.
func normalizeScores(cands []Candidate) {
	if len(cands) == 0 {
		return
	}
	lo, hi := cands[0].RRFScore, cands[0].RRFScore
	for _, c := range cands[1:] {
		if c.RRFScore < lo {
			lo = c.RRFScore
		}
		if c.RRFScore > hi {
			hi = c.RRFScore
		}
	}
	span := hi - lo
	for i := range cands {
		if span == 0 {
			cands[i].Score = 1
		} else {
			cands[i].Score = (cands[i].RRFScore - lo) / span
		}
	}
}

// fromNative adapts an engine-fused list, trusting the engine's ordering
// and normalizing its scores.
func fromNative(scored []engine.Scored) []Candidate {
	out := make([]Candidate, len(scored))
	for i, s := range scored {
		out[i] = Candidate{
			ID:       s.ID,
			Payload:  s.Payload,
			Dense:    s.Dense,
			RRFScore: s.Score,
		}
	}
	normalizeScores(out)
	return out
}

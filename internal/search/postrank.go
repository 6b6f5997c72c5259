package search

import (
	"context"
	"math"
	"sort"
)

// PostRankOptions configure the fixed-order post-ranking stages:
// deduplication, diversity, aggregation.
type PostRankOptions struct {
	EnableDedup    bool
	DedupThreshold float64
	PreserveTop    int
	PreferLonger   bool

	EnableDiversity bool
	DiversityLambda float64

	GroupByFile bool
	MaxPerFile  int
}

func (o *PostRankOptions) withDefaults() {
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = 0.85
	}
	if o.PreserveTop <= 0 {
		o.PreserveTop = 3
	}
	if o.DiversityLambda <= 0 {
		o.DiversityLambda = 0.7
	}
	if o.MaxPerFile <= 0 {
		o.MaxPerFile = 3
	}
}

// PostRankResult is the final candidate list plus stage telemetry.
type PostRankResult struct {
	Candidates   []Candidate
	Deduped      int
	AvgDiversity float64

	// Partial is set when a stage deadline expired; Candidates holds what
	// completed.
	Partial bool
}

// PostRank runs dedup, MMR diversity, and per-file aggregation in order.
// Candidates must arrive sorted by relevance.
func PostRank(ctx context.Context, cands []Candidate, opts PostRankOptions) *PostRankResult {
	opts.withDefaults()
	res := &PostRankResult{Candidates: cands}

	if opts.EnableDedup {
		if err := ctx.Err(); err != nil {
			res.Partial = true
			return res
		}
		kept, dropped := dedup(ctx, res.Candidates, opts)
		res.Candidates = kept
		res.Deduped = dropped
		if ctx.Err() != nil {
			res.Partial = true
			return res
		}
	}

	if opts.EnableDiversity {
		if err := ctx.Err(); err != nil {
			res.Partial = true
			return res
		}
		selected, avg := mmr(ctx, res.Candidates, opts.DiversityLambda)
		res.Candidates = selected
		res.AvgDiversity = avg
		if ctx.Err() != nil {
			res.Partial = true
			return res
		}
	}

	if opts.GroupByFile {
		res.Candidates = aggregate(res.Candidates, opts.MaxPerFile)
	}
	return res
}

// dedup drops candidates whose dense vectors sit within the similarity
// threshold of an already-kept candidate. The top PreserveTop are always
// kept, output order is input order minus drops.
func dedup(ctx context.Context, cands []Candidate, opts PostRankOptions) ([]Candidate, int) {
	if len(cands) <= opts.PreserveTop {
		return cands, 0
	}
	kept := make([]Candidate, 0, len(cands))
	kept = append(kept, cands[:opts.PreserveTop]...)
	dropped := 0

	for i := opts.PreserveTop; i < len(cands); i++ {
		if ctx.Err() != nil {
			return kept, dropped
		}
		cand := cands[i]
		drop := false
		for j := range kept {
			if cosine32(cand.Dense, kept[j].Dense) < opts.DedupThreshold {
				continue
			}
			if opts.PreferLonger && j >= opts.PreserveTop &&
				len(cand.Payload.Content) > len(kept[j].Payload.Content) {
				kept[j] = cand
			}
			drop = true
			break
		}
		if drop {
			dropped++
		} else {
			kept = append(kept, cand)
		}
	}
	return kept, dropped
}

// mmr reorders candidates by Maximal Marginal Relevance. The first pick is
// the highest-relevance candidate; subsequent picks maximize
// λ·rel − (1−λ)·max_sim_to_selected. Returns the average diversity
// (1 − max_sim at selection time) for telemetry.
func mmr(ctx context.Context, cands []Candidate, lambda float64) ([]Candidate, float64) {
	if len(cands) <= 1 {
		return cands, 0
	}

	rel := normalizedRelevance(cands)
	remaining := make([]int, len(cands))
	for i := range remaining {
		remaining[i] = i
	}

	selected := make([]Candidate, 0, len(cands))
	selectedIdx := make([]int, 0, len(cands))
	diversitySum := 0.0

	// First pick: plain top relevance.
	selected = append(selected, cands[0])
	selectedIdx = append(selectedIdx, 0)
	diversitySum += 1.0
	remaining = remaining[1:]

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}
		bestPos, bestVal, bestSim := -1, math.Inf(-1), 0.0
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, sel := range selectedIdx {
				if sim := cosine32(cands[idx].Dense, cands[sel].Dense); sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*rel[idx] - (1-lambda)*maxSim
			if val > bestVal {
				bestPos, bestVal, bestSim = pos, val, maxSim
			}
		}
		idx := remaining[bestPos]
		selected = append(selected, cands[idx])
		selectedIdx = append(selectedIdx, idx)
		diversitySum += 1.0 - bestSim
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected, diversitySum / float64(len(selected))
}

// normalizedRelevance min-max scales Score into [0,1] by input position.
func normalizedRelevance(cands []Candidate) []float64 {
	lo, hi := cands[0].Score, cands[0].Score
	for _, c := range cands[1:] {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}
	rel := make([]float64, len(cands))
	span := hi - lo
	for i, c := range cands {
		if span == 0 {
			rel[i] = 1
		} else {
			rel[i] = (c.Score - lo) / span
		}
	}
	return rel
}

// aggregate groups candidates by path keeping the top maxPerFile per
// group. Each group's representative (its best chunk) carries
// file_score = Σ score_i·2^−i / Σ 2^−i; representatives order first by
// file score, the rest follow by their own score.
func aggregate(cands []Candidate, maxPerFile int) []Candidate {
	type group struct {
		members []Candidate
		score   float64
		first   int
	}
	byPath := make(map[string]*group)
	var paths []string
	for i, c := range cands {
		g, ok := byPath[c.Payload.Path]
		if !ok {
			g = &group{first: i}
			byPath[c.Payload.Path] = g
			paths = append(paths, c.Payload.Path)
		}
		g.members = append(g.members, c)
	}

	for _, path := range paths {
		g := byPath[path]
		sort.SliceStable(g.members, func(i, j int) bool {
			return g.members[i].Score > g.members[j].Score
		})
		if len(g.members) > maxPerFile {
			g.members = g.members[:maxPerFile]
		}
		num, den := 0.0, 0.0
		for i, m := range g.members {
			w := math.Exp2(-float64(i))
			num += m.Score * w
			den += w
		}
		g.score = num / den
	}

	// Stable within equal file scores: groups keep first-appearance order.
	sort.SliceStable(paths, func(i, j int) bool {
		return byPath[paths[i]].score > byPath[paths[j]].score
	})

	out := make([]Candidate, 0, len(cands))
	var rest []Candidate
	for _, path := range paths {
		g := byPath[path]
		rep := g.members[0]
		rep.FileScore = g.score
		rep.Representative = true
		out = append(out, rep)
		for _, m := range g.members[1:] {
			m.FileScore = g.score
			rest = append(rest, m)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Score > rest[j].Score
	})
	return append(out, rest...)
}

// cosine32 is cosine similarity over float32 vectors, 0 on shape mismatch.
func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

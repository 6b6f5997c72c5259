package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/engine"
)

func vecCand(id, path string, score float64, vec []float32, content string) Candidate {
	return Candidate{
		ID:      id,
		Score:   score,
		Dense:   vec,
		Payload: engine.Payload{Path: path, Content: content},
	}
}

func TestDedupDropsNearDuplicate(t *testing.T) {
	cands := []Candidate{
		vecCand("a", "a.go", 1.0, []float32{1, 0}, "aaaa"),
		vecCand("a2", "a2.go", 0.9, []float32{0.999, 0.045}, "aaa"),
		vecCand("c", "c.go", 0.8, []float32{0, 1}, "cccc"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		EnableDedup: true, DedupThreshold: 0.85, PreserveTop: 1,
	})

	assert.Equal(t, 1, res.Deduped)
	assert.Equal(t, []string{"a", "c"}, ids(res.Candidates))
	assert.False(t, res.Partial)
}

func TestDedupPreservesTopK(t *testing.T) {
	// Both near-duplicates sit inside the preserved head.
	cands := []Candidate{
		vecCand("a", "a.go", 1.0, []float32{1, 0}, "x"),
		vecCand("b", "b.go", 0.9, []float32{1, 0}, "x"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		EnableDedup: true, DedupThreshold: 0.85, PreserveTop: 3,
	})
	assert.Zero(t, res.Deduped)
	assert.Len(t, res.Candidates, 2)
}

func TestDedupIdempotent(t *testing.T) {
	cands := []Candidate{
		vecCand("a", "a.go", 1.0, []float32{1, 0}, "x"),
		vecCand("b", "b.go", 0.9, []float32{0.99, 0.14}, "x"),
		vecCand("c", "c.go", 0.8, []float32{0, 1}, "x"),
		vecCand("d", "d.go", 0.7, []float32{0.1, 0.995}, "x"),
	}
	opts := PostRankOptions{EnableDedup: true, DedupThreshold: 0.85, PreserveTop: 1}

	once := PostRank(context.Background(), cands, opts)
	twice := PostRank(context.Background(), once.Candidates, opts)

	assert.Equal(t, ids(once.Candidates), ids(twice.Candidates))
	assert.Zero(t, twice.Deduped)
}

func TestDedupPreferLongerReplaces(t *testing.T) {
	cands := []Candidate{
		vecCand("top", "t.go", 1.0, []float32{0, 1}, "tttt"),
		vecCand("short", "s.go", 0.9, []float32{1, 0}, "ss"),
		vecCand("long", "l.go", 0.8, []float32{0.999, 0.045}, "llllllll"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		EnableDedup: true, DedupThreshold: 0.85, PreserveTop: 1, PreferLonger: true,
	})

	// The longer duplicate takes the kept slot; list length still shrinks.
	assert.Equal(t, []string{"top", "long"}, ids(res.Candidates))
	assert.Equal(t, 1, res.Deduped)
}

func TestMMRFirstPickIsTopScore(t *testing.T) {
	cands := []Candidate{
		vecCand("a", "a.go", 1.0, []float32{1, 0}, "x"),
		vecCand("b", "b.go", 0.9, []float32{0, 1}, "x"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		EnableDiversity: true, DiversityLambda: 0.7,
	})
	assert.Equal(t, "a", res.Candidates[0].ID)
	assert.Greater(t, res.AvgDiversity, 0.0)
}

func TestMMRPrefersDissimilarAtLowLambda(t *testing.T) {
	// b nearly duplicates a; with a low lambda the dissimilar c moves up
	// despite a lower relevance.
	cands := []Candidate{
		vecCand("a", "a.go", 1.0, []float32{1, 0}, "x"),
		vecCand("b", "b.go", 0.999, []float32{1, 0}, "x"),
		vecCand("c", "c.go", 0.95, []float32{0, 1}, "x"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		EnableDiversity: true, DiversityLambda: 0.3,
	})
	assert.Equal(t, []string{"a", "c", "b"}, ids(res.Candidates))
}

func TestAggregateGroupsByFile(t *testing.T) {
	cands := []Candidate{
		vecCand("f1c1", "f1.go", 1.0, nil, "x"),
		vecCand("f2c1", "f2.go", 0.9, nil, "x"),
		vecCand("f1c2", "f1.go", 0.8, nil, "x"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		GroupByFile: true, MaxPerFile: 3,
	})

	require.Len(t, res.Candidates, 3)
	// Representatives first, by file score: f1 = (1.0 + 0.8*0.5)/1.5.
	assert.Equal(t, []string{"f1c1", "f2c1", "f1c2"}, ids(res.Candidates))
	assert.True(t, res.Candidates[0].Representative)
	assert.True(t, res.Candidates[1].Representative)
	assert.False(t, res.Candidates[2].Representative)
	assert.InDelta(t, 1.4/1.5, res.Candidates[0].FileScore, 1e-9)
	assert.InDelta(t, 0.9, res.Candidates[1].FileScore, 1e-9)
}

func TestAggregateCapsPerFile(t *testing.T) {
	cands := []Candidate{
		vecCand("c1", "f.go", 1.0, nil, "x"),
		vecCand("c2", "f.go", 0.9, nil, "x"),
		vecCand("c3", "f.go", 0.8, nil, "x"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		GroupByFile: true, MaxPerFile: 2,
	})
	assert.Equal(t, []string{"c1", "c2"}, ids(res.Candidates))
}

func TestAggregateStableOnEqualScores(t *testing.T) {
	cands := []Candidate{
		vecCand("x1", "x.go", 0.5, nil, "x"),
		vecCand("y1", "y.go", 0.5, nil, "x"),
		vecCand("z1", "z.go", 0.5, nil, "x"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		GroupByFile: true, MaxPerFile: 3,
	})
	assert.Equal(t, []string{"x1", "y1", "z1"}, ids(res.Candidates))
}

func TestPostRankCancelledReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cands := []Candidate{
		vecCand("a", "a.go", 1.0, []float32{1, 0}, "x"),
		vecCand("b", "b.go", 0.9, []float32{0, 1}, "x"),
	}
	res := PostRank(ctx, cands, PostRankOptions{EnableDedup: true})
	assert.True(t, res.Partial)
}

func TestPostRankStagesCompose(t *testing.T) {
	// Dedup removes the near duplicate, then aggregation groups what is
	// left.
	cands := []Candidate{
		vecCand("a1", "a.go", 1.0, []float32{1, 0}, "xxxx"),
		vecCand("a2", "a.go", 0.9, []float32{0.999, 0.045}, "xxx"),
		vecCand("b1", "b.go", 0.8, []float32{0, 1}, "xxxx"),
	}
	res := PostRank(context.Background(), cands, PostRankOptions{
		EnableDedup: true, DedupThreshold: 0.85, PreserveTop: 1,
		GroupByFile: true, MaxPerFile: 3,
	})
	assert.Equal(t, 1, res.Deduped)
	assert.Equal(t, []string{"a1", "b1"}, ids(res.Candidates))
}

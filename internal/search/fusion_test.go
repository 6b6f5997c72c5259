package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/engine"
)

func scoredList(pairs ...any) []engine.Scored {
	out := make([]engine.Scored, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		id := pairs[i].(string)
		out = append(out, engine.Scored{
			ID:      id,
			Score:   pairs[i+1].(float64),
			Payload: engine.Payload{Path: id + ".go"},
		})
	}
	return out
}

func ids(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

func TestFuseOrdering(t *testing.T) {
	sparse := scoredList("a", 3.0, "b", 2.0)
	dense := scoredList("b", 0.9, "c", 0.8)

	cands := Fuse(sparse, dense, 60, 0.5, 0.5)
	require.Len(t, cands, 3)

	// b appears in both lists and wins.
	assert.Equal(t, []string{"b", "a", "c"}, ids(cands))
	assert.True(t, cands[0].InBoth)
	assert.False(t, cands[1].InBoth)

	// Missing side takes rank max(len, len)+1 = 3.
	assert.Equal(t, 3, cands[1].DenseRank)
	assert.Equal(t, 3, cands[2].SparseRank)
}

func TestFuseScoresNormalized(t *testing.T) {
	cands := Fuse(scoredList("a", 3.0, "b", 2.0), scoredList("b", 0.9, "c", 0.8), 60, 0.5, 0.5)
	assert.Equal(t, 1.0, cands[0].Score)
	assert.Equal(t, 0.0, cands[len(cands)-1].Score)
	for _, c := range cands {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
	}
}

func TestFuseRankOrderOnly(t *testing.T) {
	// Scaling a retriever's raw scores by a positive constant must not
	// change the fused ranking.
	sparse := scoredList("a", 3.0, "b", 2.0, "c", 1.0)
	dense := scoredList("c", 0.9, "a", 0.5)

	base := Fuse(sparse, dense, 60, 0.5, 0.5)

	scaled := make([]engine.Scored, len(sparse))
	copy(scaled, sparse)
	for i := range scaled {
		scaled[i].Score *= 1000
	}
	assert.Equal(t, ids(base), ids(Fuse(scaled, dense, 60, 0.5, 0.5)))
}

func TestFuseBalancedCommutative(t *testing.T) {
	sparse := scoredList("a", 3.0, "b", 2.0)
	dense := scoredList("b", 0.9, "c", 0.8)

	ab := Fuse(sparse, dense, 60, 0.5, 0.5)
	ba := Fuse(dense, sparse, 60, 0.5, 0.5)

	scores := func(cands []Candidate) map[string]float64 {
		out := make(map[string]float64)
		for _, c := range cands {
			out[c.ID] = c.RRFScore
		}
		return out
	}
	sab, sba := scores(ab), scores(ba)
	require.Len(t, sba, len(sab))
	for id, s := range sab {
		assert.InDelta(t, s, sba[id], 1e-12, "chunk %s", id)
	}
}

func TestFuseWeightSensitivity(t *testing.T) {
	sparse := scoredList("doc1", 5.0, "doc2", 1.0)
	dense := scoredList("doc3", 0.95, "doc2", 0.4)

	sparseHeavy := Fuse(sparse, dense, 60, 0.9, 0.1)
	assert.Equal(t, "doc1", sparseHeavy[0].ID)

	denseHeavy := Fuse(sparse, dense, 60, 0.1, 0.9)
	assert.Equal(t, "doc3", denseHeavy[0].ID)
}

func TestFuseOneSideEmpty(t *testing.T) {
	cands := Fuse(scoredList("a", 2.0, "b", 1.0), nil, 60, 1, 0)
	assert.Equal(t, []string{"a", "b"}, ids(cands))

	cands = Fuse(nil, scoredList("c", 0.9), 60, 0, 1)
	assert.Equal(t, []string{"c"}, ids(cands))

	assert.Empty(t, Fuse(nil, nil, 60, 0.5, 0.5))
}

func TestFuseTieBreakByID(t *testing.T) {
	// Same single-side rank on opposite sides with equal weights ties on
	// RRF score and InBoth; sparse score then id decide.
	sparse := scoredList("b", 1.0)
	dense := scoredList("a", 1.0)

	cands := Fuse(sparse, dense, 60, 0.5, 0.5)
	require.Len(t, cands, 2)
	// b carries a sparse score, a does not.
	assert.Equal(t, "b", cands[0].ID)
}

func TestFuseKeepsDenseVectors(t *testing.T) {
	dense := []engine.Scored{{ID: "a", Score: 0.9, Dense: []float32{1, 0}}}
	sparse := []engine.Scored{{ID: "a", Score: 2.0}}

	cands := Fuse(sparse, dense, 60, 0.5, 0.5)
	require.Len(t, cands, 1)
	assert.Equal(t, []float32{1, 0}, cands[0].Dense)
}

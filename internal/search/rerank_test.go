package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/query"
)

type fakeCrossEncoder struct {
	calls   int
	scores  [][]float64
	errs    []error
	gotDocs [][]string
}

func (f *fakeCrossEncoder) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	f.gotDocs = append(f.gotDocs, docs)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.scores) {
		return f.scores[i], nil
	}
	return make([]float64, len(docs)), nil
}

// fakeVariantEncoder additionally offers the slow pass-2 variant.
type fakeVariantEncoder struct {
	fakeCrossEncoder
	fullCalls int
	fullDocs  [][]string
}

func (f *fakeVariantEncoder) RerankFull(ctx context.Context, q string, docs []string) ([]float64, error) {
	f.fullCalls++
	f.fullDocs = append(f.fullDocs, docs)
	return f.fakeCrossEncoder.Rerank(ctx, q, docs)
}

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		id := string(rune('a' + i))
		out[i] = Candidate{
			ID:    id,
			Score: 1.0 - float64(i)*0.1,
			Payload: engine.Payload{
				Path:    id + ".go",
				Content: strings.Repeat(id, 10),
			},
			SparseRank: i + 1,
			DenseRank:  i + 1,
		}
	}
	return out
}

func TestRerankSkipsSmallCandidateSet(t *testing.T) {
	enc := &fakeCrossEncoder{}
	r := NewReranker(enc, nil)

	cands := candidates(3)
	out, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{TopK: 5})

	assert.Equal(t, SkipCountBelowTopK, decision.SkipReason)
	assert.False(t, decision.Used)
	assert.Zero(t, enc.calls)
	assert.Equal(t, ids(cands), ids(out))
}

func TestRerankSkipsOnAgreement(t *testing.T) {
	// Sparse and dense agree on the top 3 and the fused gap is wide.
	cands := candidates(6)
	cands[0].Score = 1.0
	cands[1].Score = 0.5

	enc := &fakeCrossEncoder{}
	r := NewReranker(enc, nil)
	_, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{TopK: 2, SkipMargin: 0.2})

	assert.Equal(t, SkipAgreement, decision.SkipReason)
	assert.Zero(t, enc.calls)
}

func TestRerankNoSkipWhenListsDisagree(t *testing.T) {
	cands := candidates(6)
	cands[0].Score = 1.0
	cands[1].Score = 0.5
	// Break top-3 agreement.
	cands[0].DenseRank = 5
	cands[4].DenseRank = 1

	enc := &fakeCrossEncoder{scores: [][]float64{{0.95, 0.1, 0.1, 0.1, 0.1, 0.1}}}
	r := NewReranker(enc, nil)
	_, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{TopK: 2, SkipMargin: 0.2})

	assert.True(t, decision.Used)
	assert.Equal(t, 1, enc.calls)
}

func TestRerankSkipsNavigationalExactTarget(t *testing.T) {
	cands := candidates(6)
	// Leave the fused gap narrow so the agreement rule does not fire
	// first.
	cands[0].Payload.Path = "internal/engine/local.go"

	analysis := query.Analyze("internal/engine/local.go")
	require.Equal(t, query.IntentNavigational, analysis.Intent)

	enc := &fakeCrossEncoder{}
	r := NewReranker(enc, nil)
	_, decision := r.Rerank(context.Background(), "find it", cands, &analysis, RerankConfig{TopK: 2, SkipMargin: 0.5})

	assert.Equal(t, SkipNavigational, decision.SkipReason)
	assert.Zero(t, enc.calls)
}

func TestRerankEarlyExitOnHighConfidence(t *testing.T) {
	cands := candidates(6)
	breakAgreement(cands)

	enc := &fakeCrossEncoder{scores: [][]float64{{0.2, 0.95, 0.3, 0.1, 0.1, 0.1}}}
	r := NewReranker(enc, nil)
	out, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{
		TopK: 2, Pass1TopK: 6, HighConfidence: 0.9, SkipMargin: 0.5,
	})

	assert.True(t, decision.Used)
	assert.True(t, decision.EarlyExit)
	assert.Equal(t, 1, enc.calls)
	assert.Equal(t, "b", out[0].ID)
	assert.InDelta(t, 0.95, out[0].Score, 1e-9)
}

func TestRerankTwoPasses(t *testing.T) {
	cands := candidates(6)
	breakAgreement(cands)

	enc := &fakeCrossEncoder{scores: [][]float64{
		{0.5, 0.6, 0.55, 0.4, 0.3, 0.2}, // pass 1, low confidence
		{0.7, 0.9},                      // pass 2 over top 2 flips them
	}}
	r := NewReranker(enc, nil)
	out, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{
		TopK: 2, Pass1TopK: 6, Pass2TopM: 2, HighConfidence: 0.99, SkipMargin: 0.5,
	})

	require.Equal(t, 2, enc.calls)
	assert.Equal(t, 6, decision.Pass1Count)
	assert.Equal(t, 2, decision.Pass2Count)
	assert.False(t, decision.EarlyExit)

	// Pass 1 order was b, c, a; pass 2 rescored [b, c] as [0.7, 0.9].
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
}

func TestRerankPass2UsesSlowVariant(t *testing.T) {
	cands := candidates(6)
	breakAgreement(cands)

	enc := &fakeVariantEncoder{fakeCrossEncoder: fakeCrossEncoder{scores: [][]float64{
		{0.5, 0.6, 0.55, 0.4, 0.3, 0.2},
		{0.7, 0.9},
	}}}
	r := NewReranker(enc, nil)
	_, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{
		TopK: 2, Pass1TopK: 6, Pass2TopM: 2, HighConfidence: 0.99, SkipMargin: 0.5,
		Pass1DocBytes: 5,
	})

	require.Equal(t, 1, enc.fullCalls)
	assert.Equal(t, 2, decision.Pass2Count)

	// Pass 1 scored truncated docs; the slow variant saw full content.
	assert.Len(t, enc.gotDocs[0][0], 5)
	require.Len(t, enc.fullDocs, 1)
	for _, doc := range enc.fullDocs[0] {
		assert.Len(t, doc, 10)
	}
}

func TestRerankPass1TruncatesDocs(t *testing.T) {
	cands := candidates(6)
	breakAgreement(cands)
	cands[0].Payload.Content = strings.Repeat("x", 5000)

	enc := &fakeCrossEncoder{scores: [][]float64{{0.95, 0.1, 0.1, 0.1, 0.1, 0.1}}}
	r := NewReranker(enc, nil)
	r.Rerank(context.Background(), "q", cands, nil, RerankConfig{TopK: 2, Pass1DocBytes: 100, SkipMargin: 0.5})

	require.NotEmpty(t, enc.gotDocs)
	assert.Len(t, enc.gotDocs[0][0], 100)
}

func TestRerankErrorFallsBackToFusedOrder(t *testing.T) {
	cands := candidates(6)
	breakAgreement(cands)
	want := ids(cands)

	enc := &fakeCrossEncoder{errs: []error{errors.Transient(assert.AnError, "model down")}}
	r := NewReranker(enc, nil)
	out, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{TopK: 2, SkipMargin: 0.5})

	assert.True(t, decision.Used)
	assert.Error(t, decision.Err)
	assert.Equal(t, want, ids(out))
}

func TestRerankPass2ErrorKeepsPass1Order(t *testing.T) {
	cands := candidates(6)
	breakAgreement(cands)

	enc := &fakeCrossEncoder{
		scores: [][]float64{{0.5, 0.6, 0.55, 0.4, 0.3, 0.2}},
		errs:   []error{nil, errors.Transient(assert.AnError, "model down")},
	}
	r := NewReranker(enc, nil)
	out, decision := r.Rerank(context.Background(), "q", cands, nil, RerankConfig{
		TopK: 2, Pass1TopK: 6, Pass2TopM: 2, HighConfidence: 0.99, SkipMargin: 0.5,
	})

	assert.Error(t, decision.Err)
	assert.Equal(t, "b", out[0].ID)
}

// breakAgreement makes the sparse and dense top-3 differ so the agreement
// skip rule cannot fire.
func breakAgreement(cands []Candidate) {
	cands[0].DenseRank = len(cands)
	cands[len(cands)-1].DenseRank = 1
}

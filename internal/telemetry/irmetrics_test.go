package telemetry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var judged = []Judgment{
	{QueryID: "q1", DocID: "d1", Grade: 3},
	{QueryID: "q1", DocID: "d2", Grade: 1},
	{QueryID: "q1", DocID: "d3", Grade: 0},
}

func TestEvaluatePerfectRanking(t *testing.T) {
	runs := []RankedList{{QueryID: "q1", DocIDs: []string{"d1", "d2", "d3"}}}
	res := Evaluate(runs, judged)

	require.Equal(t, 1, res.Queries)
	assert.InDelta(t, 1.0, res.NDCG, 1e-9)
	assert.InDelta(t, 1.0, res.NDCG5, 1e-9)
	assert.InDelta(t, 1.0, res.NDCG10, 1e-9)
	assert.InDelta(t, 1.0, res.MRR, 1e-9)
	assert.InDelta(t, 1.0, res.Recall, 1e-9)
	assert.InDelta(t, 1.0, res.Recall5, 1e-9)
	assert.InDelta(t, 0.4, res.Precision5, 1e-9)
	assert.InDelta(t, 1.0, res.MAP, 1e-9)
	assert.Equal(t, 1, res.PerfectRecall)
	assert.Zero(t, res.NoRelevant)
}

func TestEvaluateUntruncatedMetrics(t *testing.T) {
	// The only relevant doc sits at rank 12, past both cutoffs.
	docs := make([]string, 12)
	for i := range docs {
		docs[i] = fmt.Sprintf("d%d", i+1)
	}
	runs := []RankedList{{QueryID: "q1", DocIDs: docs}}
	deep := []Judgment{{QueryID: "q1", DocID: "d12", Grade: 2}}

	res := Evaluate(runs, deep)
	assert.Zero(t, res.NDCG10)
	assert.Zero(t, res.Recall10)
	assert.Positive(t, res.NDCG)
	assert.InDelta(t, 1.0, res.Recall, 1e-9)
	assert.Equal(t, 1, res.PerfectRecall)
}

func TestEvaluateReversedRanking(t *testing.T) {
	runs := []RankedList{{QueryID: "q1", DocIDs: []string{"d3", "d2", "d1"}}}
	res := Evaluate(runs, judged)

	assert.InDelta(t, 0.5, res.MRR, 1e-9)
	assert.InDelta(t, 0.54133, res.NDCG5, 1e-4)
	assert.InDelta(t, 7.0/12.0, res.MAP, 1e-9)
	assert.InDelta(t, 1.0, res.Recall5, 1e-9)
}

func TestEvaluateMissingRun(t *testing.T) {
	// A judged query with no ranked list scores zero rather than being
	// dropped.
	res := Evaluate(nil, judged)
	require.Equal(t, 1, res.Queries)
	assert.Zero(t, res.NDCG10)
	assert.Zero(t, res.MRR)
}

func TestEvaluateNoRelevantDocs(t *testing.T) {
	zeros := []Judgment{{QueryID: "q1", DocID: "d1", Grade: 0}}
	runs := []RankedList{{QueryID: "q1", DocIDs: []string{"d1"}}}
	res := Evaluate(runs, zeros)
	assert.Zero(t, res.NDCG5)
	assert.Zero(t, res.Recall5)
	assert.Zero(t, res.MAP)
	assert.Equal(t, 1, res.NoRelevant)
	assert.Zero(t, res.PerfectRecall)
}

func TestCompareABWinner(t *testing.T) {
	good := []RankedList{{QueryID: "q1", DocIDs: []string{"d1", "d2", "d3"}}}
	bad := []RankedList{{QueryID: "q1", DocIDs: []string{"d3", "d2", "d1"}}}

	cmp := CompareAB(good, bad, judged)
	assert.Equal(t, "a", cmp.Winner)
	assert.Less(t, cmp.DeltaNDCG, 0.0)
	assert.InDelta(t, 0.01, cmp.Confidence, 1e-9)
}

func TestCompareABTie(t *testing.T) {
	runs := []RankedList{{QueryID: "q1", DocIDs: []string{"d1", "d2"}}}
	cmp := CompareAB(runs, runs, judged)
	assert.Equal(t, "tie", cmp.Winner)
	assert.Zero(t, cmp.DeltaNDCG)
}

func TestCompareABConfidenceSaturates(t *testing.T) {
	var many []Judgment
	var runs []RankedList
	for i := 0; i < 150; i++ {
		qid := fmt.Sprintf("q%d", i)
		many = append(many, Judgment{QueryID: qid, DocID: "d1", Grade: 2})
		runs = append(runs, RankedList{QueryID: qid, DocIDs: []string{"d1"}})
	}
	cmp := CompareAB(runs, runs, many)
	assert.Equal(t, 1.0, cmp.Confidence)
}

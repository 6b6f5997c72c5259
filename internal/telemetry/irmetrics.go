package telemetry

import (
	"math"
	"sort"
)

// Judgment grades one (query, document) pair. Grades run 0 (irrelevant)
// to 3 (perfect).
type Judgment struct {
	QueryID string `json:"query_id"`
	DocID   string `json:"doc_id"`
	Grade   int    `json:"grade"`
}

// RankedList is one system's output for a judged query, best first.
type RankedList struct {
	QueryID string   `json:"query_id"`
	DocIDs  []string `json:"doc_ids"`
}

// EvalResult aggregates offline ranking quality over a judgment set. NDCG
// and Recall are the untruncated variants over the full ranked list;
// NoRelevant and PerfectRecall count queries, not averages.
type EvalResult struct {
	Queries     int     `json:"queries"`
	NDCG        float64 `json:"ndcg"`
	NDCG5       float64 `json:"ndcg_at_5"`
	NDCG10      float64 `json:"ndcg_at_10"`
	Recall      float64 `json:"recall"`
	Recall5     float64 `json:"recall_at_5"`
	Recall10    float64 `json:"recall_at_10"`
	Precision5  float64 `json:"precision_at_5"`
	Precision10 float64 `json:"precision_at_10"`
	MRR         float64 `json:"mrr"`
	MAP         float64 `json:"map"`

	NoRelevant    int `json:"queries_no_relevant"`
	PerfectRecall int `json:"queries_perfect_recall"`
}

// judgmentIndex groups grades by query.
type judgmentIndex map[string]map[string]int

func indexJudgments(judgments []Judgment) judgmentIndex {
	idx := make(judgmentIndex)
	for _, j := range judgments {
		byDoc, ok := idx[j.QueryID]
		if !ok {
			byDoc = make(map[string]int)
			idx[j.QueryID] = byDoc
		}
		byDoc[j.DocID] = j.Grade
	}
	return idx
}

// Evaluate scores ranked lists against judgments. Queries without any
// judgments are skipped; queries with judgments but no ranked list count
// as zeros.
func Evaluate(runs []RankedList, judgments []Judgment) EvalResult {
	idx := indexJudgments(judgments)
	byQuery := make(map[string][]string, len(runs))
	for _, run := range runs {
		byQuery[run.QueryID] = run.DocIDs
	}

	var res EvalResult
	for queryID, grades := range idx {
		docs := byQuery[queryID]
		res.Queries++

		// The plain variants run over the whole ranked list against the
		// whole judgment set.
		full := len(docs)
		if len(grades) > full {
			full = len(grades)
		}
		res.NDCG += ndcgAt(docs, grades, full)
		res.NDCG5 += ndcgAt(docs, grades, 5)
		res.NDCG10 += ndcgAt(docs, grades, 10)

		rec := recallAt(docs, grades, len(docs))
		res.Recall += rec
		res.Recall5 += recallAt(docs, grades, 5)
		res.Recall10 += recallAt(docs, grades, 10)
		res.Precision5 += precisionAt(docs, grades, 5)
		res.Precision10 += precisionAt(docs, grades, 10)
		res.MRR += reciprocalRank(docs, grades)
		res.MAP += averagePrecision(docs, grades)

		if totalRelevant(grades) == 0 {
			res.NoRelevant++
		} else if rec == 1 {
			res.PerfectRecall++
		}
	}
	if res.Queries > 0 {
		n := float64(res.Queries)
		res.NDCG /= n
		res.NDCG5 /= n
		res.NDCG10 /= n
		res.Recall /= n
		res.Recall5 /= n
		res.Recall10 /= n
		res.Precision5 /= n
		res.Precision10 /= n
		res.MRR /= n
		res.MAP /= n
	}
	return res
}

func relevant(grade int) bool { return grade > 0 }

func totalRelevant(grades map[string]int) int {
	n := 0
	for _, g := range grades {
		if relevant(g) {
			n++
		}
	}
	return n
}

// ndcgAt computes NDCG@k with gain 2^grade - 1 and log2(rank+1) discount.
func ndcgAt(docs []string, grades map[string]int, k int) float64 {
	dcg := 0.0
	for i, doc := range docs {
		if i >= k {
			break
		}
		gain := math.Exp2(float64(grades[doc])) - 1
		dcg += gain / math.Log2(float64(i)+2)
	}

	ideal := make([]int, 0, len(grades))
	for _, g := range grades {
		ideal = append(ideal, g)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ideal)))
	idcg := 0.0
	for i, g := range ideal {
		if i >= k {
			break
		}
		idcg += (math.Exp2(float64(g)) - 1) / math.Log2(float64(i)+2)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func recallAt(docs []string, grades map[string]int, k int) float64 {
	total := totalRelevant(grades)
	if total == 0 {
		return 0
	}
	found := 0
	for i, doc := range docs {
		if i >= k {
			break
		}
		if relevant(grades[doc]) {
			found++
		}
	}
	return float64(found) / float64(total)
}

func precisionAt(docs []string, grades map[string]int, k int) float64 {
	if k == 0 {
		return 0
	}
	found := 0
	for i, doc := range docs {
		if i >= k {
			break
		}
		if relevant(grades[doc]) {
			found++
		}
	}
	return float64(found) / float64(k)
}

func reciprocalRank(docs []string, grades map[string]int) float64 {
	for i, doc := range docs {
		if relevant(grades[doc]) {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func averagePrecision(docs []string, grades map[string]int) float64 {
	total := totalRelevant(grades)
	if total == 0 {
		return 0
	}
	sum := 0.0
	found := 0
	for i, doc := range docs {
		if relevant(grades[doc]) {
			found++
			sum += float64(found) / float64(i+1)
		}
	}
	return sum / float64(total)
}

// ABComparison reports which of two systems ranked better on a shared
// judgment set.
type ABComparison struct {
	A          EvalResult `json:"a"`
	B          EvalResult `json:"b"`
	Winner     string     `json:"winner"`
	DeltaNDCG  float64    `json:"delta_ndcg_at_10"`
	Confidence float64    `json:"confidence"`
}

// ndcgTieThreshold is the relative NDCG@10 difference below which the
// comparison is a tie.
const ndcgTieThreshold = 0.01

// CompareAB evaluates both runs and declares a winner when NDCG@10 differs
// by more than one percent relative. Confidence scales with the smaller
// sample size, saturating at 100 judged queries.
func CompareAB(runsA, runsB []RankedList, judgments []Judgment) ABComparison {
	cmp := ABComparison{
		A: Evaluate(runsA, judgments),
		B: Evaluate(runsB, judgments),
	}
	cmp.DeltaNDCG = cmp.B.NDCG10 - cmp.A.NDCG10

	base := math.Max(cmp.A.NDCG10, cmp.B.NDCG10)
	switch {
	case base == 0 || math.Abs(cmp.DeltaNDCG)/base <= ndcgTieThreshold:
		cmp.Winner = "tie"
	case cmp.DeltaNDCG > 0:
		cmp.Winner = "b"
	default:
		cmp.Winner = "a"
	}

	n := cmp.A.Queries
	if cmp.B.Queries < n {
		n = cmp.B.Queries
	}
	cmp.Confidence = math.Min(1, float64(n)/100)
	return cmp
}

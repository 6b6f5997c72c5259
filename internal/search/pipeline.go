package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/query"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/telemetry"
)

// Gateway is the slice of the ML gateway the pipeline consumes.
type Gateway interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	SparseEncode(ctx context.Context, texts []string) ([]ml.SparseVector, error)
	Rerank(ctx context.Context, q string, docs []string) ([]float64, error)
	Classify(ctx context.Context, q string) (ml.Classification, error)
}

// Mode selects which retrievers run.
type Mode string

const (
	ModeHybrid Mode = "hybrid"
	ModeDense  Mode = "dense"
	ModeSparse Mode = "sparse"
)

// Request is one search call after surface-level validation.
type Request struct {
	Store   string
	Version string
	Query   string
	Mode    Mode

	TopK   int
	Filter engine.Filter

	// EnableReranking overrides the intent-based default when non-nil.
	EnableReranking *bool
	RerankTopK      int

	// SparseWeight and DenseWeight override the strategy weights when
	// both are non-nil.
	SparseWeight *float64
	DenseWeight  *float64

	IncludeContent bool
	GroupByFile    *bool
	MaxPerFile     int

	// Explain attaches fusion parameters to the first result.
	Explain bool
}

// Result is one search hit.
type Result struct {
	ChunkID   string   `json:"chunk_id"`
	Path      string   `json:"path"`
	Language  string   `json:"language,omitempty"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Symbols   []string `json:"symbols,omitempty"`
	Content   string   `json:"content,omitempty"`
	Score     float64  `json:"score"`

	FileScore      float64 `json:"file_score,omitempty"`
	Representative bool    `json:"representative,omitempty"`

	// Rank provenance from fusion. Ranks are 1-indexed, 0 when the result
	// was absent from that side.
	SparseRank int  `json:"sparse_rank,omitempty"`
	DenseRank  int  `json:"dense_rank,omitempty"`
	InBoth     bool `json:"in_both,omitempty"`

	MatchedTerms []string `json:"matched_terms,omitempty"`
	Highlights   []Range  `json:"highlights,omitempty"`

	// Explain is set on the first result only, when requested.
	Explain *Explain `json:"explain,omitempty"`
}

// Explain carries the fusion and ranking parameters behind a response.
type Explain struct {
	SparseWeight float64 `json:"sparse_weight"`
	DenseWeight  float64 `json:"dense_weight"`
	RRFConstant  int     `json:"rrf_constant"`
	NativeFusion bool    `json:"native_fusion"`
	Intent       string  `json:"intent"`
	Strategy     string  `json:"strategy"`
	RerankUsed   bool    `json:"rerank_used"`
	RerankSkip   string  `json:"rerank_skip,omitempty"`
}

// Response is the search output with per-stage timings.
type Response struct {
	Results []Result           `json:"results"`
	Total   int                `json:"total"`
	Timings map[string]float64 `json:"timings_ms"`

	Intent     string `json:"intent"`
	Strategy   string `json:"strategy"`
	Version    string `json:"version"`
	RerankUsed bool   `json:"rerank_used"`
	RerankSkip string `json:"rerank_skip,omitempty"`
	Native     bool   `json:"native_fusion,omitempty"`
	Partial    bool   `json:"partial,omitempty"`
}

// Pipeline is the full query path: analyze, expand, encode, retrieve,
// rerank, post-rank.
type Pipeline struct {
	registry  *registry.Registry
	retriever *Retriever
	reranker  *Reranker
	gateway   Gateway
	collector *telemetry.Collector
	queryLog  *telemetry.QueryLog

	searchCfg config.SearchConfig
	postCfg   config.PostRankConfig
	log       *slog.Logger
}

// NewPipeline wires the query path. collector and queryLog may be nil.
func NewPipeline(
	reg *registry.Registry,
	eng engine.Engine,
	gw Gateway,
	collector *telemetry.Collector,
	queryLog *telemetry.QueryLog,
	searchCfg config.SearchConfig,
	postCfg config.PostRankConfig,
	log *slog.Logger,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry:  reg,
		retriever: NewRetriever(eng, searchCfg.RRFConstant, log),
		reranker:  NewReranker(gw, log),
		gateway:   gw,
		collector: collector,
		queryLog:  queryLog,
		searchCfg: searchCfg,
		postCfg:   postCfg,
		log:       log,
	}
}

// Search runs one request end to end.
func (p *Pipeline) Search(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if p.searchCfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.searchCfg.Timeout)
		defer cancel()
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	res, err := p.registry.Resolve(req.Store, req.Version)
	if err != nil {
		return nil, err
	}

	timings := make(map[string]float64, 6)
	stage := stageTimer(timings)

	analysis := p.analyze(ctx, req.Query)
	stage("analyze")

	expansion := query.Expand(req.Query, query.ExpandOptions{})
	stage("expand")

	dense, sv, err := p.encode(ctx, req.Mode, expansion)
	if err != nil {
		return nil, err
	}
	stage("encode")

	rerankOn := analysis.RerankDefault()
	if req.EnableReranking != nil {
		rerankOn = *req.EnableReranking
	}
	if req.Mode != ModeHybrid {
		rerankOn = false
	}

	rcfg := RerankConfig{
		TopK:           req.TopK,
		Pass1TopK:      p.searchCfg.RerankPass1TopK,
		Pass2TopM:      p.searchCfg.RerankPass2TopM,
		HighConfidence: p.searchCfg.HighConfidence,
		SkipMargin:     p.searchCfg.SkipMargin,
	}
	if req.RerankTopK > 0 {
		rcfg.Pass2TopM = req.RerankTopK
	}
	rcfg.withDefaults()

	wSparse, wDense := analysis.Strategy.Weights()
	if req.SparseWeight != nil && req.DenseWeight != nil {
		wSparse, wDense = *req.SparseWeight, *req.DenseWeight
	}

	cands, native, err := p.retrieve(ctx, res, req, dense, sv, wSparse, wDense, rcfg)
	if err != nil {
		return nil, err
	}
	stage("retrieve")

	var decision RerankDecision
	if rerankOn {
		cands, decision = p.reranker.Rerank(ctx, req.Query, cands, &analysis, rcfg)
	}
	stage("rerank")

	post := p.postRank(ctx, req, cands)
	stage("postrank")

	final := post.Candidates
	if len(final) > req.TopK {
		final = final[:req.TopK]
	}

	resp := &Response{
		Results:    toResults(final, req.IncludeContent, strings.Fields(analysis.Normalized)),
		Total:      len(final),
		Timings:    timings,
		Intent:     string(analysis.Intent),
		Strategy:   string(analysis.Strategy),
		Version:    res.VersionID,
		RerankUsed: decision.Used,
		RerankSkip: decision.SkipReason,
		Native:     native,
		Partial:    post.Partial,
	}
	if req.Explain && len(resp.Results) > 0 {
		resp.Results[0].Explain = &Explain{
			SparseWeight: wSparse,
			DenseWeight:  wDense,
			RRFConstant:  p.retriever.rrfConstant,
			NativeFusion: native,
			Intent:       string(analysis.Intent),
			Strategy:     string(analysis.Strategy),
			RerankUsed:   decision.Used,
			RerankSkip:   decision.SkipReason,
		}
	}
	p.record(req, analysis, resp, decision, time.Since(start))
	return resp, nil
}

// analyze runs the rule classifier and lets the model classifier override
// it when more confident.
func (p *Pipeline) analyze(ctx context.Context, q string) query.Analysis {
	analysis := query.Analyze(q)
	cls, err := p.gateway.Classify(ctx, q)
	if err == nil && cls.Confidence > analysis.Confidence {
		intent := query.Intent(cls.Intent)
		switch intent {
		case query.IntentNavigational, query.IntentFactual, query.IntentExploratory, query.IntentAnalytical:
			analysis.Intent = intent
			analysis.Strategy = query.StrategyFor(intent)
			analysis.Confidence = cls.Confidence
		}
	}
	return analysis
}

// encode produces the dense query vector and the sparse query vector for
// the requested mode.
func (p *Pipeline) encode(ctx context.Context, mode Mode, exp query.Expansion) ([]float32, ml.SparseVector, error) {
	var dense []float32
	var sv ml.SparseVector

	if mode != ModeSparse {
		vecs, err := p.gateway.Embed(ctx, []string{exp.Dense})
		if err != nil {
			return nil, sv, err
		}
		dense = vecs[0]
	}
	if mode != ModeDense {
		svs, err := p.gateway.SparseEncode(ctx, []string{strings.Join(exp.SparseTokens, " ")})
		if err != nil {
			return nil, sv, err
		}
		sv = svs[0]
	}
	return dense, sv, nil
}

func (p *Pipeline) retrieve(ctx context.Context, res *registry.Resolution, req *Request, dense []float32, sv ml.SparseVector, wSparse, wDense float64, rcfg RerankConfig) ([]Candidate, bool, error) {
	switch req.Mode {
	case ModeSparse:
		cands, err := p.retriever.SearchSparse(ctx, res, sv, req.Filter, p.prefetch())
		return cands, false, err
	case ModeDense:
		cands, err := p.retriever.SearchDense(ctx, res, dense, req.Filter, p.prefetch())
		return cands, false, err
	default:
		out, err := p.retriever.Retrieve(ctx, res, dense, sv, RetrieveOptions{
			Filter:        req.Filter,
			Prefetch:      p.prefetch(),
			Limit:         req.TopK,
			SparseWeight:  wSparse,
			DenseWeight:   wDense,
			NeedForRerank: rcfg.Pass1TopK,
		})
		if err != nil {
			return nil, false, err
		}
		return out.Candidates, out.Native, nil
	}
}

func (p *Pipeline) postRank(ctx context.Context, req *Request, cands []Candidate) *PostRankResult {
	opts := PostRankOptions{
		EnableDedup:     p.postCfg.EnableDedup,
		DedupThreshold:  p.postCfg.DedupThreshold,
		PreserveTop:     p.postCfg.PreserveTop,
		PreferLonger:    p.postCfg.PreferLonger,
		EnableDiversity: p.postCfg.EnableDiversity,
		DiversityLambda: p.postCfg.DiversityLambda,
		GroupByFile:     p.postCfg.GroupByFile,
		MaxPerFile:      p.postCfg.MaxPerFile,
	}
	if req.GroupByFile != nil {
		opts.GroupByFile = *req.GroupByFile
	}
	if req.MaxPerFile > 0 {
		opts.MaxPerFile = req.MaxPerFile
	}
	return PostRank(ctx, cands, opts)
}

func (p *Pipeline) prefetch() int {
	if p.searchCfg.PrefetchLimit > 0 {
		return p.searchCfg.PrefetchLimit
	}
	return DefaultPrefetch
}

func (p *Pipeline) record(req *Request, analysis query.Analysis, resp *Response, decision RerankDecision, elapsed time.Duration) {
	rec := telemetry.QueryRecord{
		Time:         time.Now(),
		Store:        req.Store,
		Query:        req.Query,
		Intent:       string(analysis.Intent),
		Strategy:     string(analysis.Strategy),
		Difficulty:   string(analysis.Difficulty),
		LatencyMS:    float64(elapsed.Microseconds()) / 1000.0,
		Stages:       resp.Timings,
		ResultCount:  resp.Total,
		RerankUsed:   decision.Used,
		RerankSkip:   decision.SkipReason,
		NativeFusion: resp.Native,
		Partial:      resp.Partial,
	}
	if decision.Err != nil {
		rec.RerankError = decision.Err.Error()
	}
	if p.collector != nil {
		p.collector.Record(rec)
	}
	if p.queryLog != nil {
		if err := p.queryLog.Append(rec); err != nil {
			p.log.Warn("query log append failed", slog.String("error", err.Error()))
		}
	}
}

func toResults(cands []Candidate, includeContent bool, terms []string) []Result {
	out := make([]Result, len(cands))
	for i, c := range cands {
		matched := matchedTerms(c.Payload.Content, terms)
		out[i] = Result{
			ChunkID:        c.ID,
			Path:           c.Payload.Path,
			Language:       c.Payload.Language,
			StartLine:      c.Payload.StartLine,
			EndLine:        c.Payload.EndLine,
			Symbols:        c.Payload.Symbols,
			Score:          c.Score,
			FileScore:      c.FileScore,
			Representative: c.Representative,
			SparseRank:     c.SparseRank,
			DenseRank:      c.DenseRank,
			InBoth:         c.InBoth,
			MatchedTerms:   matched,
			Highlights:     highlightRanges(c.Payload.Content, matched),
		}
		if includeContent {
			out[i].Content = c.Payload.Content
		}
	}
	return out
}

// stageTimer returns a closure recording elapsed milliseconds per stage.
func stageTimer(timings map[string]float64) func(string) {
	last := time.Now()
	return func(name string) {
		now := time.Now()
		timings[name] = float64(now.Sub(last).Microseconds()) / 1000.0
		last = now
	}
}

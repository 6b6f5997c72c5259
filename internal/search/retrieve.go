package search

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"
	"time"

	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
)

// nativeEpsilon bounds how far the weights may sit from balanced before
// native engine fusion is off the table.
const nativeEpsilon = 0.05

// DefaultPrefetch is the per-retriever candidate count before fusion.
const DefaultPrefetch = 100

// RetrieveOptions shape one hybrid retrieval.
type RetrieveOptions struct {
	Filter       engine.Filter
	Prefetch     int
	Limit        int
	SparseWeight float64
	DenseWeight  float64

	// NeedForRerank is how many candidates the rerank stage wants; the
	// laggard side is cancelled once the other satisfies both this and
	// Limit.
	NeedForRerank int

	// LaggardGrace is how long the slower side may keep running after the
	// faster one has returned enough candidates.
	LaggardGrace time.Duration
}

func (o *RetrieveOptions) withDefaults() {
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.SparseWeight == 0 && o.DenseWeight == 0 {
		o.SparseWeight, o.DenseWeight = 0.5, 0.5
	}
	if o.LaggardGrace <= 0 {
		o.LaggardGrace = 500 * time.Millisecond
	}
}

// RetrieveResult is the fused candidate list plus degradation detail.
type RetrieveResult struct {
	Candidates []Candidate
	Native     bool
	SparseErr  error
	DenseErr   error
}

// Retriever issues sparse and dense queries concurrently and fuses them.
type Retriever struct {
	engine      engine.Engine
	rrfConstant int
	log         *slog.Logger
}

// NewRetriever wraps an engine. k <= 0 uses DefaultRRFConstant.
func NewRetriever(eng engine.Engine, rrfConstant int, log *slog.Logger) *Retriever {
	if rrfConstant <= 0 {
		rrfConstant = DefaultRRFConstant
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{engine: eng, rrfConstant: rrfConstant, log: log}
}

// balanced reports whether the weights allow delegating fusion to the
// engine.
func balanced(wSparse, wDense float64) bool {
	return math.Abs(wSparse-0.5) < nativeEpsilon && math.Abs(wDense-0.5) < nativeEpsilon
}

type sideResult struct {
	scored []engine.Scored
	err    error
}

// Retrieve runs both retrievers and fuses. One failed side degrades to the
// other with the error recorded; both failing is an error.
func (r *Retriever) Retrieve(ctx context.Context, res *registry.Resolution, dense []float32, sv ml.SparseVector, opts RetrieveOptions) (*RetrieveResult, error) {
	opts.withDefaults()

	if fuser, ok := r.engine.(engine.NativeFuser); ok && balanced(opts.SparseWeight, opts.DenseWeight) {
		scored, err := fuser.FuseNative(ctx, res, dense, sv, opts.Filter, opts.Prefetch, opts.Limit)
		if err == nil {
			return &RetrieveResult{Candidates: fromNative(scored), Native: true}, nil
		}
		r.log.Warn("native fusion failed, falling back to in-process",
			slog.String("collection", res.DenseCollection),
			slog.String("error", err.Error()))
	}

	sparseCtx, cancelSparse := context.WithCancel(ctx)
	denseCtx, cancelDense := context.WithCancel(ctx)
	defer cancelSparse()
	defer cancelDense()

	sparseCh := make(chan sideResult, 1)
	denseCh := make(chan sideResult, 1)
	go func() {
		scored, err := r.engine.SearchSparse(sparseCtx, res, sv, opts.Filter, opts.Prefetch)
		sparseCh <- sideResult{scored, err}
	}()
	go func() {
		scored, err := r.engine.SearchDense(denseCtx, res, dense, opts.Filter, opts.Prefetch)
		denseCh <- sideResult{scored, err}
	}()

	need := opts.Limit
	if opts.NeedForRerank > need {
		need = opts.NeedForRerank
	}

	var sparseRes, denseRes sideResult
	var haveSparse, haveDense bool
	var laggard <-chan time.Time
	for !haveSparse || !haveDense {
		select {
		case sparseRes = <-sparseCh:
			haveSparse = true
			if !haveDense && sparseRes.err == nil && len(sparseRes.scored) >= need {
				laggard = time.After(opts.LaggardGrace)
			}
		case denseRes = <-denseCh:
			haveDense = true
			if !haveSparse && denseRes.err == nil && len(denseRes.scored) >= need {
				laggard = time.After(opts.LaggardGrace)
			}
		case <-laggard:
			// The finished side already satisfies the request; the slow
			// side contributes no signal.
			cancelSparse()
			cancelDense()
			laggard = nil
		case <-ctx.Done():
			cancelSparse()
			cancelDense()
			// Drain so the goroutines can exit.
			if !haveSparse {
				sparseRes = <-sparseCh
				haveSparse = true
			}
			if !haveDense {
				denseRes = <-denseCh
				haveDense = true
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &RetrieveResult{}
	if sparseRes.err != nil && !stderrors.Is(sparseRes.err, context.Canceled) {
		out.SparseErr = sparseRes.err
		r.log.Warn("sparse retrieval failed, degrading to dense only",
			slog.String("collection", res.DenseCollection),
			slog.String("error", sparseRes.err.Error()))
	}
	if denseRes.err != nil && !stderrors.Is(denseRes.err, context.Canceled) {
		out.DenseErr = denseRes.err
		r.log.Warn("dense retrieval failed, degrading to sparse only",
			slog.String("collection", res.DenseCollection),
			slog.String("error", denseRes.err.Error()))
	}
	if out.SparseErr != nil && out.DenseErr != nil {
		return nil, errors.Transient(out.SparseErr, "both retrievers failed")
	}

	var sparseScored, denseScored []engine.Scored
	if sparseRes.err == nil {
		sparseScored = sparseRes.scored
	}
	if denseRes.err == nil {
		denseScored = denseRes.scored
	}
	out.Candidates = Fuse(sparseScored, denseScored, r.rrfConstant, opts.SparseWeight, opts.DenseWeight)
	if len(out.Candidates) > opts.Prefetch {
		out.Candidates = out.Candidates[:opts.Prefetch]
	}
	return out, nil
}

// SearchSparse exposes the single-retriever sparse path.
func (r *Retriever) SearchSparse(ctx context.Context, res *registry.Resolution, sv ml.SparseVector, f engine.Filter, limit int) ([]Candidate, error) {
	scored, err := r.engine.SearchSparse(ctx, res, sv, f, limit)
	if err != nil {
		return nil, err
	}
	return Fuse(scored, nil, r.rrfConstant, 1, 0), nil
}

// SearchDense exposes the single-retriever dense path.
func (r *Retriever) SearchDense(ctx context.Context, res *registry.Resolution, vector []float32, f engine.Filter, limit int) ([]Candidate, error) {
	scored, err := r.engine.SearchDense(ctx, res, vector, f, limit)
	if err != nil {
		return nil, err
	}
	return Fuse(nil, scored, r.rrfConstant, 0, 1), nil
}

package index

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ricelabs/rice/internal/bus"
	"github.com/ricelabs/rice/internal/chunk"
	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/validation"
)

// Encoder is the slice of the ML gateway the indexer consumes.
type Encoder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	SparseEncode(ctx context.Context, texts []string) ([]ml.SparseVector, error)
	Dimensions() int
}

// File is one document submitted for indexing.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Options modify one indexing call.
type Options struct {
	// Force reindexes documents whose content hash has not changed.
	Force bool

	// Version targets a specific store version; empty uses the active one.
	Version string

	// ConnectionID scopes the written chunks to one ingest connection.
	ConnectionID string
}

// FileError is one per-document failure inside an otherwise successful
// call.
type FileError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Report summarizes one indexing call.
type Report struct {
	Indexed     int         `json:"indexed"`
	Skipped     int         `json:"skipped"`
	Failed      int         `json:"failed"`
	ChunksTotal int         `json:"chunks_total"`
	Errors      []FileError `json:"errors,omitempty"`
}

// Progress is the payload published on index.progress.
type Progress struct {
	Store      string  `json:"store"`
	Path       string  `json:"path"`
	Chunks     int     `json:"chunks"`
	Done       int     `json:"files_processed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Completed  bool    `json:"completed"`
}

// Indexer runs the ingest pipeline. Documents process independently under
// a bounded worker pool; each document is all-or-nothing.
type Indexer struct {
	registry *registry.Registry
	engine   engine.Engine
	encoder  Encoder
	tracker  *Tracker
	bus      bus.Bus
	cfg      config.IndexConfig
	retry    errors.RetryConfig
	log      *slog.Logger

	// queue bounds pending documents across calls; full means throttle.
	queue *semaphore.Weighted
	locks *pathLocks
}

// NewIndexer wires the pipeline. eventBus may be nil.
func NewIndexer(reg *registry.Registry, eng engine.Engine, enc Encoder, tracker *Tracker, eventBus bus.Bus, cfg config.IndexConfig, log *slog.Logger) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EncodeBatchSize <= 0 {
		cfg.EncodeBatchSize = 32
	}
	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = 128
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{
		registry: reg,
		engine:   eng,
		encoder:  enc,
		tracker:  tracker,
		bus:      eventBus,
		cfg:      cfg,
		retry:    errors.DefaultRetryConfig(),
		log:      log,
		queue:    semaphore.NewWeighted(int64(cfg.QueueDepth)),
		locks:    newPathLocks(),
	}
}

// IndexFiles ingests a batch. Per-document failures land in the report;
// the call errors only for store-level problems or a saturated queue.
func (ix *Indexer) IndexFiles(ctx context.Context, store string, files []File, opts Options) (*Report, error) {
	res, err := ix.registry.Resolve(store, opts.Version)
	if err != nil {
		return nil, err
	}
	if err := ix.engine.EnsureCollection(ctx, res, ix.encoder.Dimensions()); err != nil {
		return nil, err
	}
	if ix.cfg.MaxFilesPerStore > 0 {
		tracked, err := ix.tracker.Count(store)
		if err != nil {
			return nil, err
		}
		if tracked+len(files) > ix.cfg.MaxFilesPerStore {
			return nil, errors.New(errors.KindCapacity,
				"store %s would exceed %d tracked files", store, ix.cfg.MaxFilesPerStore)
		}
	}
	if !ix.queue.TryAcquire(int64(len(files))) {
		return nil, errors.Throttled("index queue is full, retry later")
	}
	defer ix.queue.Release(int64(len(files)))

	report := &Report{}
	var mu sync.Mutex
	var upserts []TrackedFile
	done := 0

	fail := func(path string, ferr error) {
		mu.Lock()
		report.Failed++
		report.Errors = append(report.Errors, FileError{Path: path, Message: ferr.Error()})
		mu.Unlock()
	}
	progress := func(path string, chunks int) {
		mu.Lock()
		done++
		d := done
		mu.Unlock()
		if ix.bus != nil {
			ix.bus.Publish(bus.TopicIndexProgress, Progress{
				Store: store, Path: path, Chunks: chunks,
				Done: d, Total: len(files),
				Percentage: 100 * float64(d) / float64(len(files)),
				Completed:  d == len(files),
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for _, file := range files {
		file := file
		g.Go(func() error {
			if err := validation.Path(file.Path); err != nil {
				fail(file.Path, err)
				progress(file.Path, 0)
				return nil
			}
			if err := validation.Content(file.Content); err != nil {
				fail(file.Path, err)
				progress(file.Path, 0)
				return nil
			}

			outcome, err := ix.indexOne(gctx, res, store, file, opts)
			if err != nil {
				fail(file.Path, err)
				progress(file.Path, 0)
				return nil
			}
			mu.Lock()
			if outcome.skipped {
				report.Skipped++
			} else {
				report.Indexed++
				report.ChunksTotal += outcome.chunks
				upserts = append(upserts, outcome.tracked)
			}
			mu.Unlock()
			progress(file.Path, outcome.chunks)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(upserts) > 0 {
		if err := ix.tracker.Update(store, upserts, nil); err != nil {
			return nil, err
		}
	}
	return report, nil
}

type docOutcome struct {
	skipped bool
	chunks  int
	tracked TrackedFile
}

// indexOne processes a single document: chunk, encode, replace the old
// chunks in the engine. Per-path locking serializes concurrent writes to
// the same document.
func (ix *Indexer) indexOne(ctx context.Context, res *registry.Resolution, store string, file File, opts Options) (docOutcome, error) {
	unlock := ix.locks.lock(store + "\x00" + file.Path)
	defer unlock()

	content := []byte(file.Content)
	docHash := chunk.HashContent(content)
	if !opts.Force {
		prev, ok, err := ix.tracker.Get(store, file.Path)
		if err != nil {
			return docOutcome{}, err
		}
		if ok && prev.DocHash == docHash {
			return docOutcome{skipped: true}, nil
		}
	}

	language := chunk.DetectLanguage(file.Language, file.Path)
	chunker := chunk.New(chunk.Options{
		Strategy:     chunk.Strategy(res.Config.ChunkingStrategy),
		MaxLines:     res.Config.MaxChunkLines,
		OverlapLines: res.Config.OverlapLines,
	})
	chunks, err := chunker.Split(ctx, file.Path, content, language)
	if err != nil {
		return docOutcome{}, err
	}

	points, err := ix.encodeChunks(ctx, store, chunks, opts.ConnectionID)
	if err != nil {
		return docOutcome{}, err
	}

	// Replace the document's previous chunks before writing the new set;
	// chunk ids change whenever content does.
	if _, err := ix.engine.Delete(ctx, res, engine.Filter{Paths: []string{file.Path}}); err != nil {
		return docOutcome{}, err
	}
	for start := 0; start < len(points); start += ix.cfg.UpsertBatchSize {
		end := start + ix.cfg.UpsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]
		if err := errors.Retry(ctx, ix.retry, func() error {
			return ix.engine.Upsert(ctx, res, batch)
		}); err != nil {
			return docOutcome{}, err
		}
	}

	return docOutcome{
		chunks: len(points),
		tracked: TrackedFile{
			Path:       file.Path,
			DocHash:    docHash,
			ChunkCount: len(points),
			Language:   language,
			IndexedAt:  time.Now().UTC(),
		},
	}, nil
}

// encodeChunks runs the gateway in bounded batches and assembles points.
func (ix *Indexer) encodeChunks(ctx context.Context, store string, chunks []chunk.Chunk, connectionID string) ([]engine.Point, error) {
	points := make([]engine.Point, 0, len(chunks))
	for start := 0; start < len(chunks); start += ix.cfg.EncodeBatchSize {
		end := start + ix.cfg.EncodeBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		dense, err := ix.encoder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		sparse, err := ix.encoder.SparseEncode(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(dense) != len(batch) || len(sparse) != len(batch) {
			return nil, errors.New(errors.KindTransient,
				"encoder returned %d dense / %d sparse vectors for %d chunks",
				len(dense), len(sparse), len(batch))
		}

		now := time.Now().UTC()
		for i, c := range batch {
			points = append(points, engine.Point{
				ID:     c.ID,
				Dense:  dense[i],
				Sparse: sparse[i],
				Payload: engine.Payload{
					Store:        store,
					Path:         c.Path,
					Language:     c.Language,
					Content:      c.Content,
					Symbols:      c.Symbols,
					StartLine:    c.StartLine,
					EndLine:      c.EndLine,
					DocHash:      c.DocHash,
					ChunkHash:    c.ChunkHash,
					IndexedAt:    now,
					ConnectionID: connectionID,
				},
			})
		}
	}
	return points, nil
}

// Delete removes documents by exact paths or by prefix and returns the
// number of chunks removed from the engine.
func (ix *Indexer) Delete(ctx context.Context, store string, paths []string, prefix string, version string) (int, error) {
	if len(paths) == 0 && prefix == "" {
		return 0, errors.Validation("either paths or path_prefix is required")
	}
	res, err := ix.registry.Resolve(store, version)
	if err != nil {
		return 0, err
	}

	var f engine.Filter
	var trackerRemovals []string
	if prefix != "" {
		f.PathPrefix = prefix
		tracked, err := ix.tracker.List(store)
		if err != nil {
			return 0, err
		}
		for _, t := range tracked {
			if strings.HasPrefix(t.Path, prefix) {
				trackerRemovals = append(trackerRemovals, t.Path)
			}
		}
	} else {
		f.Paths = paths
		trackerRemovals = paths
	}

	removed, err := ix.engine.Delete(ctx, res, f)
	if err != nil {
		return 0, err
	}
	if len(trackerRemovals) > 0 {
		if err := ix.tracker.Update(store, nil, trackerRemovals); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Sync shrinks the tracked set to its intersection with currentPaths and
// deletes the chunks of everything dropped. Returns how many documents
// went away.
func (ix *Indexer) Sync(ctx context.Context, store string, currentPaths []string, version string) (int, error) {
	res, err := ix.registry.Resolve(store, version)
	if err != nil {
		return 0, err
	}
	removed, err := ix.tracker.Retain(store, currentPaths)
	if err != nil {
		return 0, err
	}
	if len(removed) == 0 {
		return 0, nil
	}
	paths := make([]string, len(removed))
	for i, t := range removed {
		paths[i] = t.Path
	}
	if _, err := ix.engine.Delete(ctx, res, engine.Filter{Paths: paths}); err != nil {
		return len(removed), err
	}
	return len(removed), nil
}

// Reindex re-encodes every document in the store from the content the
// engine already holds, bypassing the hash skip.
func (ix *Indexer) Reindex(ctx context.Context, store string, version string) (*Report, error) {
	res, err := ix.registry.Resolve(store, version)
	if err != nil {
		return nil, err
	}

	// Reassemble one File per document from its first-seen chunk payload.
	seen := make(map[string]struct{})
	var files []File
	offset := ""
	for {
		page, next, err := ix.engine.Scroll(ctx, res, engine.Filter{}, 256, offset)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			if _, ok := seen[p.Payload.Path]; ok {
				continue
			}
			seen[p.Payload.Path] = struct{}{}
			files = append(files, File{Path: p.Payload.Path, Language: p.Payload.Language})
		}
		if next == "" {
			break
		}
		offset = next
	}

	// Chunk contents only cover their spans; rebuild whole documents by
	// concatenating the chunks of each path in line order.
	for i := range files {
		content, err := ix.documentContent(ctx, res, files[i].Path)
		if err != nil {
			return nil, err
		}
		files[i].Content = content
	}
	return ix.IndexFiles(ctx, store, files, Options{Force: true, Version: version})
}

// documentContent stitches a document back together from its stored
// chunks. Overlapping or windowed chunks resolve by line coverage.
func (ix *Indexer) documentContent(ctx context.Context, res *registry.Resolution, path string) (string, error) {
	var parts []engine.Scored
	offset := ""
	for {
		page, next, err := ix.engine.Scroll(ctx, res, engine.Filter{Paths: []string{path}}, 256, offset)
		if err != nil {
			return "", err
		}
		parts = append(parts, page...)
		if next == "" {
			break
		}
		offset = next
	}
	sortByStartLine(parts)

	var b strings.Builder
	covered := 0
	for _, p := range parts {
		if p.Payload.EndLine <= covered {
			continue
		}
		lines := strings.SplitAfter(p.Payload.Content, "\n")
		skip := 0
		if p.Payload.StartLine <= covered {
			skip = covered - p.Payload.StartLine + 1
		}
		for _, line := range lines[skip:] {
			b.WriteString(line)
		}
		covered = p.Payload.EndLine
	}
	return b.String(), nil
}

// Document returns the reassembled content and language of one indexed
// document.
func (ix *Indexer) Document(ctx context.Context, store, path string) (string, string, error) {
	res, err := ix.registry.Resolve(store, "")
	if err != nil {
		return "", "", err
	}
	tracked, ok, err := ix.tracker.Get(store, path)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", errors.NotFound("document %q is not indexed in store %q", path, store)
	}
	content, err := ix.documentContent(ctx, res, path)
	if err != nil {
		return "", "", err
	}
	return content, tracked.Language, nil
}

func sortByStartLine(points []engine.Scored) {
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Payload.StartLine < points[j-1].Payload.StartLine; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}

// Stats aggregates tracker and engine state for one store.
type Stats struct {
	Store         string    `json:"store"`
	Version       string    `json:"version"`
	Files         int       `json:"files"`
	Chunks        int       `json:"chunks"`
	LastIndexedAt time.Time `json:"last_indexed_at,omitempty"`
}

// StoreStats reports tracked file and chunk counts.
func (ix *Indexer) StoreStats(ctx context.Context, store string) (*Stats, error) {
	res, err := ix.registry.Resolve(store, "")
	if err != nil {
		return nil, err
	}
	tracked, err := ix.tracker.List(store)
	if err != nil {
		return nil, err
	}
	chunks, err := ix.engine.Count(ctx, res, engine.Filter{})
	if err != nil {
		return nil, err
	}
	stats := &Stats{Store: store, Version: res.VersionID, Files: len(tracked), Chunks: chunks}
	for _, t := range tracked {
		if t.IndexedAt.After(stats.LastIndexedAt) {
			stats.LastIndexedAt = t.IndexedAt
		}
	}
	return stats, nil
}

// FilePage is one page of tracked files.
type FilePage struct {
	Files    []TrackedFile `json:"files"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// Files lists tracked files with 1-based paging.
func (ix *Indexer) Files(store string, page, pageSize int) (*FilePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 100
	}
	all, err := ix.tracker.List(store)
	if err != nil {
		return nil, err
	}
	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return &FilePage{Files: all[start:end], Total: len(all), Page: page, PageSize: pageSize}, nil
}

// DropStore clears the tracker state for a deleted store.
func (ix *Indexer) DropStore(store string) error {
	return ix.tracker.Drop(store)
}

// pathLocks serializes indexing per (store, path).
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// lock acquires the keyed mutex and returns its release func. Entries are
// reference counted so the map does not grow without bound.
func (p *pathLocks) lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pathLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

package engine

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/coder/hnsw"

	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
)

// Local is the in-process engine: bleve carries the sparse side, an HNSW
// graph the dense side, and a payload map the rest. With a data dir the
// bleve index lives on disk and the dense side snapshots on Close; with an
// empty dir everything is memory only.
type Local struct {
	dataDir string

	mu    sync.RWMutex
	colls map[string]*localCollection
}

// NewLocal creates the local engine rooted at dataDir ("" = memory only).
func NewLocal(dataDir string) (*Local, error) {
	if dataDir != "" {
		if err := os.MkdirAll(filepath.Join(dataDir, "collections"), 0o755); err != nil {
			return nil, fmt.Errorf("create collections dir: %w", err)
		}
	}
	return &Local{dataDir: dataDir, colls: make(map[string]*localCollection)}, nil
}

type storedPoint struct {
	Dense   []float32
	Tokens  []string
	Payload Payload
}

type localCollection struct {
	mu      sync.RWMutex
	name    string
	dir     string
	dims    int
	sparse  bleve.Index
	graph   *hnsw.Graph[uint64]
	idToKey map[string]uint64
	keyToID map[uint64]string
	nextKey uint64
	points  map[string]*storedPoint
}

// sparseDoc is the bleve document shape. Filter fields use the keyword
// analyzer so term queries match exactly.
type sparseDoc struct {
	Tokens       string `json:"tokens"`
	Path         string `json:"path"`
	Language     string `json:"language"`
	ConnectionID string `json:"connection_id"`
}

func sparseMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	tokens := bleve.NewTextFieldMapping()
	tokens.Store = false
	tokens.IncludeInAll = false
	doc.AddFieldMappingsAt("tokens", tokens)

	for _, field := range []string{"path", "language", "connection_id"} {
		kw := bleve.NewKeywordFieldMapping()
		kw.Store = false
		kw.IncludeInAll = false
		doc.AddFieldMappingsAt(field, kw)
	}

	im.DefaultMapping = doc
	return im
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 40
	g.Ml = 0.25
	return g
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1.0 / math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * inv
	}
	return out
}

// collection returns or opens the collection. Creation happens only through
// EnsureCollection; missing collections surface as nil.
func (l *Local) collection(name string) *localCollection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.colls[name]
}

// EnsureCollection implements Engine.
func (l *Local) EnsureCollection(_ context.Context, res *registry.Resolution, dims int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.colls[res.DenseCollection]; ok {
		return nil
	}

	col := &localCollection{
		name:    res.DenseCollection,
		dims:    dims,
		graph:   newGraph(),
		idToKey: make(map[string]uint64),
		keyToID: make(map[uint64]string),
		points:  make(map[string]*storedPoint),
	}

	if l.dataDir == "" {
		idx, err := bleve.NewMemOnly(sparseMapping())
		if err != nil {
			return fmt.Errorf("create sparse index: %w", err)
		}
		col.sparse = idx
	} else {
		col.dir = filepath.Join(l.dataDir, "collections", res.DenseCollection)
		blevePath := filepath.Join(col.dir, "sparse.bleve")
		idx, err := bleve.Open(blevePath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(blevePath, sparseMapping())
		}
		if err != nil {
			return fmt.Errorf("open sparse index: %w", err)
		}
		col.sparse = idx
		if err := col.loadSnapshot(); err != nil {
			return err
		}
	}

	l.colls[res.DenseCollection] = col
	return nil
}

// DropCollection implements Engine.
func (l *Local) DropCollection(_ context.Context, res *registry.Resolution) error {
	l.mu.Lock()
	col := l.colls[res.DenseCollection]
	delete(l.colls, res.DenseCollection)
	l.mu.Unlock()

	if col == nil {
		if l.dataDir != "" {
			return os.RemoveAll(filepath.Join(l.dataDir, "collections", res.DenseCollection))
		}
		return nil
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	_ = col.sparse.Close()
	if col.dir != "" {
		return os.RemoveAll(col.dir)
	}
	return nil
}

func (l *Local) need(res *registry.Resolution) (*localCollection, error) {
	col := l.collection(res.DenseCollection)
	if col == nil {
		return nil, fmt.Errorf("collection %s does not exist", res.DenseCollection)
	}
	return col, nil
}

// Upsert implements Engine.
func (l *Local) Upsert(_ context.Context, res *registry.Resolution, points []Point) error {
	col, err := l.need(res)
	if err != nil {
		return err
	}
	col.mu.Lock()
	defer col.mu.Unlock()

	batch := col.sparse.NewBatch()
	for i := range points {
		p := &points[i]
		if len(p.Dense) != col.dims {
			return fmt.Errorf("point %s: dense dimensions %d, collection wants %d", p.ID, len(p.Dense), col.dims)
		}

		// Replace by id: lazy delete on the graph, overwrite in bleve.
		if oldKey, ok := col.idToKey[p.ID]; ok {
			delete(col.keyToID, oldKey)
			delete(col.idToKey, p.ID)
		}

		key := col.nextKey
		col.nextKey++
		col.graph.Add(hnsw.MakeNode(key, normalize(p.Dense)))
		col.idToKey[p.ID] = key
		col.keyToID[key] = p.ID

		col.points[p.ID] = &storedPoint{
			Dense:   p.Dense,
			Tokens:  p.Sparse.Tokens,
			Payload: p.Payload,
		}
		if err := batch.Index(p.ID, sparseDoc{
			Tokens:       joinTokens(p.Sparse.Tokens),
			Path:         p.Payload.Path,
			Language:     p.Payload.Language,
			ConnectionID: p.Payload.ConnectionID,
		}); err != nil {
			return fmt.Errorf("index point %s: %w", p.ID, err)
		}
	}
	if err := col.sparse.Batch(batch); err != nil {
		return fmt.Errorf("sparse batch: %w", err)
	}
	return nil
}

func joinTokens(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	n := 0
	for _, t := range tokens {
		n += len(t) + 1
	}
	buf := make([]byte, 0, n)
	for i, t := range tokens {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, t...)
	}
	return string(buf)
}

// Delete implements Engine.
func (l *Local) Delete(_ context.Context, res *registry.Resolution, f Filter) (int, error) {
	col, err := l.need(res)
	if err != nil {
		return 0, err
	}
	col.mu.Lock()
	defer col.mu.Unlock()

	var victims []string
	for id, sp := range col.points {
		if f.Matches(&sp.Payload) {
			victims = append(victims, id)
		}
	}

	batch := col.sparse.NewBatch()
	for _, id := range victims {
		if key, ok := col.idToKey[id]; ok {
			delete(col.keyToID, key)
			delete(col.idToKey, id)
		}
		delete(col.points, id)
		batch.Delete(id)
	}
	if err := col.sparse.Batch(batch); err != nil {
		return 0, fmt.Errorf("sparse delete batch: %w", err)
	}
	return len(victims), nil
}

// Count implements Engine.
func (l *Local) Count(_ context.Context, res *registry.Resolution, f Filter) (int, error) {
	col, err := l.need(res)
	if err != nil {
		return 0, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()

	if f.IsZero() {
		return len(col.points), nil
	}
	n := 0
	for _, sp := range col.points {
		if f.Matches(&sp.Payload) {
			n++
		}
	}
	return n, nil
}

// Scroll implements Engine. The offset token is the last chunk id of the
// previous page.
func (l *Local) Scroll(_ context.Context, res *registry.Resolution, f Filter, limit int, offset string) ([]Scored, string, error) {
	col, err := l.need(res)
	if err != nil {
		return nil, "", err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()

	if limit <= 0 {
		limit = 256
	}
	ids := make([]string, 0, len(col.points))
	for id, sp := range col.points {
		if id > offset && f.Matches(&sp.Payload) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]Scored, 0, limit)
	for _, id := range ids {
		sp := col.points[id]
		out = append(out, Scored{ID: id, Payload: sp.Payload, Dense: sp.Dense})
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(ids) > limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// SearchDense implements Engine. The graph has no filter support, so
// filtered searches over-fetch and post-filter.
func (l *Local) SearchDense(_ context.Context, res *registry.Resolution, vector []float32, f Filter, limit int) ([]Scored, error) {
	col, err := l.need(res)
	if err != nil {
		return nil, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()

	if len(vector) != col.dims {
		return nil, fmt.Errorf("query dimensions %d, collection wants %d", len(vector), col.dims)
	}
	if col.graph.Len() == 0 || limit <= 0 {
		return nil, nil
	}

	fetch := limit
	if !f.IsZero() {
		fetch = limit * 4
	}
	if fetch > len(col.points) {
		fetch = len(col.points)
	}

	q := normalize(vector)
	nodes := col.graph.Search(q, fetch)

	out := make([]Scored, 0, limit)
	for _, node := range nodes {
		id, ok := col.keyToID[node.Key]
		if !ok {
			continue // lazily deleted
		}
		sp := col.points[id]
		if sp == nil || !f.Matches(&sp.Payload) {
			continue
		}
		score := 1.0 - float64(col.graph.Distance(q, node.Value))
		out = append(out, Scored{ID: id, Score: score, Payload: sp.Payload, Dense: sp.Dense})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SearchSparse implements Engine. The query sparse vector becomes a boosted
// term disjunction over the token field; bleve's scoring supplies the
// BM25-style ranking.
func (l *Local) SearchSparse(ctx context.Context, res *registry.Resolution, sv ml.SparseVector, f Filter, limit int) ([]Scored, error) {
	col, err := l.need(res)
	if err != nil {
		return nil, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()

	if len(sv.Tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	terms := make([]query.Query, 0, len(sv.Tokens))
	for i, tok := range sv.Tokens {
		tq := bleve.NewTermQuery(tok)
		tq.SetField("tokens")
		if i < len(sv.Weights) {
			tq.SetBoost(float64(sv.Weights[i]))
		}
		terms = append(terms, tq)
	}
	var q query.Query = bleve.NewDisjunctionQuery(terms...)

	if cond := filterQuery(f); cond != nil {
		q = bleve.NewConjunctionQuery(q, cond)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	result, err := col.sparse.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}

	out := make([]Scored, 0, len(result.Hits))
	for _, hit := range result.Hits {
		sp := col.points[hit.ID]
		if sp == nil {
			continue
		}
		out = append(out, Scored{ID: hit.ID, Score: hit.Score, Payload: sp.Payload, Dense: sp.Dense})
	}
	return out, nil
}

// filterQuery translates a Filter into bleve conditions, nil when empty.
func filterQuery(f Filter) query.Query {
	var conds []query.Query
	if f.PathPrefix != "" {
		pq := bleve.NewPrefixQuery(f.PathPrefix)
		pq.SetField("path")
		conds = append(conds, pq)
	}
	if len(f.Paths) > 0 {
		paths := make([]query.Query, 0, len(f.Paths))
		for _, p := range f.Paths {
			tq := bleve.NewTermQuery(p)
			tq.SetField("path")
			paths = append(paths, tq)
		}
		conds = append(conds, bleve.NewDisjunctionQuery(paths...))
	}
	if len(f.Languages) > 0 {
		langs := make([]query.Query, 0, len(f.Languages))
		for _, lang := range f.Languages {
			tq := bleve.NewTermQuery(lang)
			tq.SetField("language")
			langs = append(langs, tq)
		}
		conds = append(conds, bleve.NewDisjunctionQuery(langs...))
	}
	if f.ConnectionID != "" {
		tq := bleve.NewTermQuery(f.ConnectionID)
		tq.SetField("connection_id")
		conds = append(conds, tq)
	}
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	default:
		return bleve.NewConjunctionQuery(conds...)
	}
}

// Close implements Engine, snapshotting durable collections.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, col := range l.colls {
		col.mu.Lock()
		if col.dir != "" {
			if err := col.saveSnapshot(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := col.sparse.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		col.mu.Unlock()
	}
	l.colls = make(map[string]*localCollection)
	return firstErr
}

func (c *localCollection) snapshotPath() string {
	return filepath.Join(c.dir, "points.gob")
}

// saveSnapshot persists the payload map atomically; the graph rebuilds from
// the stored dense vectors at load time.
func (c *localCollection) saveSnapshot() error {
	tmp := c.snapshotPath() + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(c.points); err != nil {
		file.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.snapshotPath())
}

func (c *localCollection) loadSnapshot() error {
	file, err := os.Open(c.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(&c.points); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for id, sp := range c.points {
		key := c.nextKey
		c.nextKey++
		c.graph.Add(hnsw.MakeNode(key, normalize(sp.Dense)))
		c.idToKey[id] = key
		c.keyToID[key] = id
	}
	return nil
}

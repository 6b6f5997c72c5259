package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
)

// Qdrant is the external-engine backend. Each collection carries a named
// dense vector and a named sparse vector, so hybrid queries and native
// fusion run server side.
type Qdrant struct {
	client *qdrant.Client
}

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// NewQdrant connects to the configured qdrant instance.
func NewQdrant(cfg config.EngineConfig) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.QdrantUseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Qdrant{client: client}, nil
}

// pointUUID derives the deterministic qdrant point id for a chunk id, so
// re-upserting the same chunk replaces it.
func pointUUID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// EnsureCollection implements Engine.
func (q *Qdrant) EnsureCollection(ctx context.Context, res *registry.Resolution, dims int) error {
	exists, err := q.client.CollectionExists(ctx, res.DenseCollection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: res.DenseCollection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// DropCollection implements Engine.
func (q *Qdrant) DropCollection(ctx context.Context, res *registry.Resolution) error {
	if err := q.client.DeleteCollection(ctx, res.DenseCollection); err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "doesn't exist") {
			return nil
		}
		return fmt.Errorf("drop collection: %w", err)
	}
	return nil
}

func payloadToMap(id string, p *Payload) map[string]any {
	symbols := make([]any, len(p.Symbols))
	for i, s := range p.Symbols {
		symbols[i] = s
	}
	return map[string]any{
		"chunk_id":      id,
		"store":         p.Store,
		"path":          p.Path,
		"language":      p.Language,
		"content":       p.Content,
		"symbols":       symbols,
		"start_line":    int64(p.StartLine),
		"end_line":      int64(p.EndLine),
		"doc_hash":      p.DocHash,
		"chunk_hash":    p.ChunkHash,
		"indexed_at":    p.IndexedAt.UTC().Format(time.RFC3339Nano),
		"connection_id": p.ConnectionID,
	}
}

func payloadFromMap(values map[string]*qdrant.Value) (string, Payload) {
	str := func(key string) string {
		if v, ok := values[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	num := func(key string) int {
		if v, ok := values[key]; ok {
			return int(v.GetIntegerValue())
		}
		return 0
	}
	p := Payload{
		Store:        str("store"),
		Path:         str("path"),
		Language:     str("language"),
		Content:      str("content"),
		StartLine:    num("start_line"),
		EndLine:      num("end_line"),
		DocHash:      str("doc_hash"),
		ChunkHash:    str("chunk_hash"),
		ConnectionID: str("connection_id"),
	}
	if v, ok := values["symbols"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			if s := item.GetStringValue(); s != "" {
				p.Symbols = append(p.Symbols, s)
			}
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("indexed_at")); err == nil {
		p.IndexedAt = ts
	}
	return str("chunk_id"), p
}

// Upsert implements Engine.
func (q *Qdrant) Upsert(ctx context.Context, res *registry.Resolution, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for i := range points {
		p := &points[i]
		structs = append(structs, &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(pointUUID(p.ID)),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				denseVectorName:  qdrant.NewVector(p.Dense...),
				sparseVectorName: qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Weights),
			}),
			Payload: qdrant.NewValueMap(payloadToMap(p.ID, &p.Payload)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: res.DenseCollection,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

// filterConditions translates the exact-match filter fields. PathPrefix has
// no server-side operator and is handled by the callers.
func filterConditions(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if len(f.Paths) == 1 {
		must = append(must, qdrant.NewMatchKeyword("path", f.Paths[0]))
	} else if len(f.Paths) > 1 {
		must = append(must, qdrant.NewMatchKeywords("path", f.Paths...))
	}
	if len(f.Languages) == 1 {
		must = append(must, qdrant.NewMatchKeyword("language", f.Languages[0]))
	} else if len(f.Languages) > 1 {
		must = append(must, qdrant.NewMatchKeywords("language", f.Languages...))
	}
	if f.ConnectionID != "" {
		must = append(must, qdrant.NewMatchKeyword("connection_id", f.ConnectionID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// matchingIDs scrolls the collection and returns point ids whose payload
// matches the full filter, including PathPrefix.
func (q *Qdrant) matchingIDs(ctx context.Context, collection string, f Filter) ([]*qdrant.PointId, error) {
	var ids []*qdrant.PointId
	var offset *qdrant.PointId
	for {
		resp, err := q.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filterConditions(f),
			Limit:          qdrant.PtrOf(uint32(512)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll points: %w", err)
		}
		for _, point := range resp.GetResult() {
			_, payload := payloadFromMap(point.GetPayload())
			if f.Matches(&payload) {
				ids = append(ids, point.GetId())
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return ids, nil
		}
	}
}

// Scroll implements Engine. The offset token carries qdrant's next-page
// point id.
func (q *Qdrant) Scroll(ctx context.Context, res *registry.Resolution, f Filter, limit int, offset string) ([]Scored, string, error) {
	if limit <= 0 {
		limit = 256
	}
	var pageOffset *qdrant.PointId
	if offset != "" {
		pageOffset = qdrant.NewID(offset)
	}
	resp, err := q.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: res.DenseCollection,
		Filter:         filterConditions(f),
		Limit:          qdrant.PtrOf(uint32(limit)),
		Offset:         pageOffset,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, "", fmt.Errorf("scroll points: %w", err)
	}

	out := make([]Scored, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		id, payload := payloadFromMap(point.GetPayload())
		if !f.Matches(&payload) {
			continue
		}
		out = append(out, Scored{
			ID:      id,
			Payload: payload,
			Dense:   denseFromOutput(point.GetVectors()),
		})
	}
	next := ""
	if np := resp.GetNextPageOffset(); np != nil {
		next = np.GetUuid()
	}
	return out, next, nil
}

// Delete implements Engine.
func (q *Qdrant) Delete(ctx context.Context, res *registry.Resolution, f Filter) (int, error) {
	ids, err := q.matchingIDs(ctx, res.DenseCollection, f)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: res.DenseCollection,
		Points:         qdrant.NewPointsSelector(ids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("delete points: %w", err)
	}
	return len(ids), nil
}

// Count implements Engine.
func (q *Qdrant) Count(ctx context.Context, res *registry.Resolution, f Filter) (int, error) {
	if f.PathPrefix != "" {
		ids, err := q.matchingIDs(ctx, res.DenseCollection, f)
		if err != nil {
			return 0, err
		}
		return len(ids), nil
	}
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: res.DenseCollection,
		Filter:         filterConditions(f),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return int(n), nil
}

func (q *Qdrant) query(ctx context.Context, collection string, req *qdrant.QueryPoints, f Filter, limit int) ([]Scored, error) {
	points, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	out := make([]Scored, 0, limit)
	for _, point := range points {
		id, payload := payloadFromMap(point.GetPayload())
		// PathPrefix cannot be pushed down; drop non-matches here.
		if f.PathPrefix != "" && !strings.HasPrefix(payload.Path, f.PathPrefix) {
			continue
		}
		out = append(out, Scored{
			ID:      id,
			Score:   float64(point.GetScore()),
			Payload: payload,
			Dense:   denseFromOutput(point.GetVectors()),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// denseFromOutput pulls the named dense vector out of a query result.
func denseFromOutput(v *qdrant.VectorsOutput) []float32 {
	named := v.GetVectors()
	if named == nil {
		return nil
	}
	out := named.GetVectors()[denseVectorName]
	if out == nil {
		return nil
	}
	if d := out.GetDense(); d != nil {
		return d.GetData()
	}
	return out.GetData()
}

func queryLimit(f Filter, limit int) uint64 {
	if f.PathPrefix != "" {
		return uint64(limit * 4)
	}
	return uint64(limit)
}

// SearchDense implements Engine.
func (q *Qdrant) SearchDense(ctx context.Context, res *registry.Resolution, vector []float32, f Filter, limit int) ([]Scored, error) {
	return q.query(ctx, res.DenseCollection, &qdrant.QueryPoints{
		CollectionName: res.DenseCollection,
		Query:          qdrant.NewQueryDense(vector),
		Using:          qdrant.PtrOf(denseVectorName),
		Filter:         filterConditions(f),
		Limit:          qdrant.PtrOf(queryLimit(f, limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}, f, limit)
}

// SearchSparse implements Engine.
func (q *Qdrant) SearchSparse(ctx context.Context, res *registry.Resolution, sv ml.SparseVector, f Filter, limit int) ([]Scored, error) {
	return q.query(ctx, res.DenseCollection, &qdrant.QueryPoints{
		CollectionName: res.DenseCollection,
		Query:          qdrant.NewQuerySparse(sv.Indices, sv.Weights),
		Using:          qdrant.PtrOf(sparseVectorName),
		Filter:         filterConditions(f),
		Limit:          qdrant.PtrOf(queryLimit(f, limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}, f, limit)
}

// FuseNative implements NativeFuser with qdrant's server-side RRF.
func (q *Qdrant) FuseNative(ctx context.Context, res *registry.Resolution, dense []float32, sv ml.SparseVector, f Filter, prefetch, limit int) ([]Scored, error) {
	cond := filterConditions(f)
	return q.query(ctx, res.DenseCollection, &qdrant.QueryPoints{
		CollectionName: res.DenseCollection,
		Prefetch: []*qdrant.PrefetchQuery{
			{
				Query:  qdrant.NewQueryDense(dense),
				Using:  qdrant.PtrOf(denseVectorName),
				Filter: cond,
				Limit:  qdrant.PtrOf(uint64(prefetch)),
			},
			{
				Query:  qdrant.NewQuerySparse(sv.Indices, sv.Weights),
				Using:  qdrant.PtrOf(sparseVectorName),
				Filter: cond,
				Limit:  qdrant.PtrOf(uint64(prefetch)),
			},
		},
		Query:       qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:       qdrant.PtrOf(queryLimit(f, limit)),
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(true),
	}, f, limit)
}

// Close implements Engine.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

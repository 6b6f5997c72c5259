// Package grpcapi exposes the core operations over gRPC. The service uses
// a JSON codec so the wire types stay in lockstep with the HTTP surface
// without a separate schema toolchain.
package grpcapi

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/search"
	"github.com/ricelabs/rice/internal/validation"
)

// maxMessageSize bounds both directions.
const maxMessageSize = 100 << 20

// codecName registers the JSON codec under its own name so it never
// shadows proto for other services in the same process.
const codecName = "rice-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Service implements the rice.v1.Rice service.
type Service struct {
	registry *registry.Registry
	indexer  *index.Indexer
	pipeline *search.Pipeline
	log      *slog.Logger
}

// NewService wires the gRPC service.
func NewService(reg *registry.Registry, indexer *index.Indexer, pipeline *search.Pipeline, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{registry: reg, indexer: indexer, pipeline: pipeline, log: log}
}

// NewServer returns a grpc.Server with the service registered and the
// message-size bounds applied.
func NewServer(svc *Service) *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	srv.RegisterService(&serviceDesc, svc)
	return srv
}

// SearchRequest mirrors the HTTP search body plus the store name.
type SearchRequest struct {
	Store           string   `json:"store"`
	Version         string   `json:"version,omitempty"`
	Query           string   `json:"query"`
	Mode            string   `json:"mode,omitempty"`
	TopK            int      `json:"top_k,omitempty"`
	Filter          *Filter  `json:"filter,omitempty"`
	EnableReranking *bool    `json:"enable_reranking,omitempty"`
	RerankTopK      int      `json:"rerank_top_k,omitempty"`
	SparseWeight    *float64 `json:"sparse_weight,omitempty"`
	DenseWeight     *float64 `json:"dense_weight,omitempty"`
	IncludeContent  bool     `json:"include_content,omitempty"`
	GroupByFile     *bool    `json:"group_by_file,omitempty"`
	MaxPerFile      int      `json:"max_per_file,omitempty"`
	Explain         bool     `json:"explain,omitempty"`
}

// Filter narrows a search. Languages is a keyword-in-set match.
type Filter struct {
	PathPrefix   string   `json:"path_prefix,omitempty"`
	Paths        []string `json:"paths,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	ConnectionID string   `json:"connection_id,omitempty"`
}

// IndexRequest is one ingest call.
type IndexRequest struct {
	Store   string       `json:"store"`
	Files   []index.File `json:"files"`
	Force   bool         `json:"force"`
	Version string       `json:"version"`
}

// DeleteRequest removes documents by paths or prefix.
type DeleteRequest struct {
	Store      string   `json:"store"`
	Paths      []string `json:"paths,omitempty"`
	PathPrefix string   `json:"path_prefix,omitempty"`
	Version    string   `json:"version,omitempty"`
}

// DeleteResponse reports removed chunk count.
type DeleteResponse struct {
	Removed int `json:"removed"`
}

// SyncRequest shrinks the tracked set to current paths.
type SyncRequest struct {
	Store        string   `json:"store"`
	CurrentPaths []string `json:"current_paths"`
	Version      string   `json:"version,omitempty"`
}

// ListStoresRequest has no fields.
type ListStoresRequest struct{}

// ListStoresResponse lists registry stores.
type ListStoresResponse struct {
	Stores []*registry.Store `json:"stores"`
}

// StatsRequest names one store.
type StatsRequest struct {
	Store string `json:"store"`
}

func (s *Service) Search(ctx context.Context, req *SearchRequest) (*search.Response, error) {
	if err := validation.StoreName(req.Store); err != nil {
		return nil, toStatus(err)
	}
	if err := validation.Query(req.Query); err != nil {
		return nil, toStatus(err)
	}
	if err := validation.TopK(req.TopK); err != nil {
		return nil, toStatus(err)
	}
	mode := search.Mode(req.Mode)
	if mode == "" {
		mode = search.ModeHybrid
	}
	r := search.Request{
		Store:           req.Store,
		Version:         req.Version,
		Query:           req.Query,
		Mode:            mode,
		TopK:            req.TopK,
		EnableReranking: req.EnableReranking,
		RerankTopK:      req.RerankTopK,
		SparseWeight:    req.SparseWeight,
		DenseWeight:     req.DenseWeight,
		IncludeContent:  req.IncludeContent,
		GroupByFile:     req.GroupByFile,
		MaxPerFile:      req.MaxPerFile,
		Explain:         req.Explain,
	}
	if req.Filter != nil {
		r.Filter = engine.Filter{
			PathPrefix:   req.Filter.PathPrefix,
			Paths:        req.Filter.Paths,
			Languages:    req.Filter.Languages,
			ConnectionID: req.Filter.ConnectionID,
		}
	}
	resp, err := s.pipeline.Search(ctx, &r)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) IndexFiles(ctx context.Context, req *IndexRequest) (*index.Report, error) {
	report, err := s.indexer.IndexFiles(ctx, req.Store, req.Files, index.Options{
		Force:   req.Force,
		Version: req.Version,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *Service) DeleteFiles(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	removed, err := s.indexer.Delete(ctx, req.Store, req.Paths, req.PathPrefix, req.Version)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeleteResponse{Removed: removed}, nil
}

func (s *Service) SyncFiles(ctx context.Context, req *SyncRequest) (*DeleteResponse, error) {
	removed, err := s.indexer.Sync(ctx, req.Store, req.CurrentPaths, req.Version)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeleteResponse{Removed: removed}, nil
}

func (s *Service) ListStores(_ context.Context, _ *ListStoresRequest) (*ListStoresResponse, error) {
	return &ListStoresResponse{Stores: s.registry.ListStores()}, nil
}

func (s *Service) GetStoreStats(ctx context.Context, req *StatsRequest) (*index.Stats, error) {
	stats, err := s.indexer.StoreStats(ctx, req.Store)
	if err != nil {
		return nil, toStatus(err)
	}
	return stats, nil
}

// toStatus maps the error taxonomy onto gRPC codes, scrubbing internals.
func toStatus(err error) error {
	var code codes.Code
	switch errors.KindOf(err) {
	case errors.KindValidation:
		code = codes.InvalidArgument
	case errors.KindNotFound:
		code = codes.NotFound
	case errors.KindConflict:
		code = codes.FailedPrecondition
	case errors.KindCapacity:
		code = codes.ResourceExhausted
	case errors.KindThrottled:
		code = codes.ResourceExhausted
	case errors.KindTransient:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, errors.ClientMessage(err))
}

func unary[Req any, Resp any](method func(context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(ctx, in)
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(ctx, req.(*Req))
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: "/rice.v1.Rice"}, handler)
	}
}

func handlerFor[Req any, Resp any](name string, pick func(*Service) func(context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			return unary(pick(srv.(*Service)))(srv, ctx, dec, interceptor)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "rice.v1.Rice",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		handlerFor("Search", func(s *Service) func(context.Context, *SearchRequest) (*search.Response, error) { return s.Search }),
		handlerFor("IndexFiles", func(s *Service) func(context.Context, *IndexRequest) (*index.Report, error) { return s.IndexFiles }),
		handlerFor("DeleteFiles", func(s *Service) func(context.Context, *DeleteRequest) (*DeleteResponse, error) { return s.DeleteFiles }),
		handlerFor("SyncFiles", func(s *Service) func(context.Context, *SyncRequest) (*DeleteResponse, error) { return s.SyncFiles }),
		handlerFor("ListStores", func(s *Service) func(context.Context, *ListStoresRequest) (*ListStoresResponse, error) { return s.ListStores }),
		handlerFor("GetStoreStats", func(s *Service) func(context.Context, *StatsRequest) (*index.Stats, error) { return s.GetStoreStats }),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rice/v1/rice.json",
}

// Package mcp exposes Rice to MCP clients: search and ingest tools,
// store-scoped resources, and helper prompts, served over stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/search"
	"github.com/ricelabs/rice/pkg/version"
)

// Server bridges MCP clients with the search and index pipelines.
type Server struct {
	mcp      *mcp.Server
	registry *registry.Registry
	indexer  *index.Indexer
	pipeline *search.Pipeline
	log      *slog.Logger
}

// NewServer builds the MCP server and registers tools, resources, and
// prompts.
func NewServer(reg *registry.Registry, indexer *index.Indexer, pipeline *search.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		registry: reg,
		indexer:  indexer,
		pipeline: pipeline,
		log:      log,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "rice",
		Version: version.Version,
	}, nil)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Run serves MCP over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server starting", slog.String("transport", "stdio"))
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// SearchInput is the code_search tool input.
type SearchInput struct {
	Query          string   `json:"query" jsonschema:"the search query"`
	Store          string   `json:"store,omitempty" jsonschema:"store to search, default \"default\""`
	Limit          int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Languages      []string `json:"languages,omitempty" jsonschema:"filter by language names, e.g. go"`
	PathPrefix     string   `json:"path_prefix,omitempty" jsonschema:"filter by path prefix"`
	IncludeContent bool     `json:"include_content,omitempty" jsonschema:"include chunk content in results"`
	Paths          []string `json:"paths,omitempty" jsonschema:"filter to exact paths"`
}

// SearchOutput is the code_search tool output.
type SearchOutput struct {
	Results []search.Result `json:"results" jsonschema:"ranked search results"`
	Intent  string          `json:"intent" jsonschema:"classified query intent"`
	Total   int             `json:"total" jsonschema:"number of results returned"`
}

// IndexInput is the index_files tool input.
type IndexInput struct {
	Store string       `json:"store,omitempty" jsonschema:"target store, default \"default\""`
	Files []index.File `json:"files" jsonschema:"documents to index"`
	Force bool         `json:"force,omitempty" jsonschema:"reindex even when content is unchanged"`
}

// DeleteInput is the delete_files tool input.
type DeleteInput struct {
	Store      string   `json:"store,omitempty" jsonschema:"target store, default \"default\""`
	Paths      []string `json:"paths,omitempty" jsonschema:"exact paths to remove"`
	PathPrefix string   `json:"path_prefix,omitempty" jsonschema:"remove everything under this prefix"`
}

// DeleteOutput reports removed chunks.
type DeleteOutput struct {
	Removed int `json:"removed" jsonschema:"number of chunks removed"`
}

// ListStoresInput has no fields.
type ListStoresInput struct{}

// ListStoresOutput lists store names with their active versions.
type ListStoresOutput struct {
	Stores []StoreSummary `json:"stores" jsonschema:"registered stores"`
}

// StoreSummary is one store row.
type StoreSummary struct {
	Name          string `json:"name"`
	ActiveVersion string `json:"active_version,omitempty"`
	Versions      int    `json:"versions"`
}

// StatsInput names one store.
type StatsInput struct {
	Store string `json:"store,omitempty" jsonschema:"store name, default \"default\""`
}

func defaultStore(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "code_search",
		Description: "Hybrid code search over an indexed store. Combines keyword and semantic retrieval with reranking; use it instead of grep when you need results by meaning.",
	}, s.handleCodeSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_files",
		Description: "Index documents into a store. Unchanged content is skipped unless force is set.",
	}, s.handleIndexFiles)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_files",
		Description: "Remove indexed documents by exact paths or by path prefix.",
	}, s.handleDeleteFiles)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_stores",
		Description: "List the registered stores and their active versions.",
	}, s.handleListStores)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_store_stats",
		Description: "Report file and chunk counts plus last-indexed time for a store.",
	}, s.handleStoreStats)
}

func (s *Server) handleCodeSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, SearchOutput{}, invalidParams("query is required")
	}
	req := &search.Request{
		Store:          defaultStore(in.Store),
		Query:          in.Query,
		TopK:           in.Limit,
		IncludeContent: in.IncludeContent,
	}
	req.Filter.Languages = in.Languages
	req.Filter.PathPrefix = in.PathPrefix
	req.Filter.Paths = in.Paths

	resp, err := s.pipeline.Search(ctx, req)
	if err != nil {
		return nil, SearchOutput{}, mapError(err)
	}
	return nil, SearchOutput{Results: resp.Results, Intent: resp.Intent, Total: resp.Total}, nil
}

func (s *Server) handleIndexFiles(ctx context.Context, _ *mcp.CallToolRequest, in IndexInput) (*mcp.CallToolResult, *index.Report, error) {
	if len(in.Files) == 0 {
		return nil, nil, invalidParams("files must not be empty")
	}
	report, err := s.indexer.IndexFiles(ctx, defaultStore(in.Store), in.Files, index.Options{Force: in.Force})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return nil, report, nil
}

func (s *Server) handleDeleteFiles(ctx context.Context, _ *mcp.CallToolRequest, in DeleteInput) (*mcp.CallToolResult, DeleteOutput, error) {
	removed, err := s.indexer.Delete(ctx, defaultStore(in.Store), in.Paths, in.PathPrefix, "")
	if err != nil {
		return nil, DeleteOutput{}, mapError(err)
	}
	return nil, DeleteOutput{Removed: removed}, nil
}

func (s *Server) handleListStores(_ context.Context, _ *mcp.CallToolRequest, _ ListStoresInput) (*mcp.CallToolResult, ListStoresOutput, error) {
	stores := s.registry.ListStores()
	out := ListStoresOutput{Stores: make([]StoreSummary, 0, len(stores))}
	for _, st := range stores {
		out.Stores = append(out.Stores, StoreSummary{
			Name:          st.Name,
			ActiveVersion: st.ActiveVersion,
			Versions:      len(st.Versions),
		})
	}
	return nil, out, nil
}

func (s *Server) handleStoreStats(ctx context.Context, _ *mcp.CallToolRequest, in StatsInput) (*mcp.CallToolResult, *index.Stats, error) {
	stats, err := s.indexer.StoreStats(ctx, defaultStore(in.Store))
	if err != nil {
		return nil, nil, mapError(err)
	}
	return nil, stats, nil
}

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "search_codebase",
		Description: "Guide for phrasing effective code-search queries.",
		Arguments: []*mcp.PromptArgument{
			{Name: "topic", Description: "what you are looking for", Required: true},
		},
	}, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		topic := req.Params.Arguments["topic"]
		return &mcp.GetPromptResult{
			Description: "Search the indexed codebase",
			Messages: []*mcp.PromptMessage{{
				Role: "user",
				Content: &mcp.TextContent{Text: fmt.Sprintf(
					"Use the code_search tool to find code related to %q. "+
						"Prefer specific identifiers over prose; add a language or "+
						"path_prefix filter when you know where to look. Inspect the "+
						"matched_terms on each result to judge relevance.", topic)},
			}},
		}, nil
	})

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "index_project",
		Description: "Steps for getting a project indexed and searchable.",
	}, func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "Index a project into Rice",
			Messages: []*mcp.PromptMessage{{
				Role: "user",
				Content: &mcp.TextContent{Text: "Collect the project's source files and post them " +
					"with the index_files tool in batches. Check progress with " +
					"get_store_stats, then verify with a code_search for a known symbol. " +
					"Re-post changed files any time; unchanged content is skipped."},
			}},
		}, nil
	})
}

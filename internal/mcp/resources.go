package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ricelabs/rice/internal/errors"
)

// Resource URIs are store-scoped:
//
//	store://{name}/files        tracked files as JSON
//	store://{name}/stats        file and chunk counts as JSON
//	store://{name}/file/{path}  reassembled document content
const (
	filesTemplate = "store://{name}/files"
	statsTemplate = "store://{name}/stats"
	fileTemplate  = "store://{name}/file/{+path}"
)

func (s *Server) registerResources() {
	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "store_files",
		URITemplate: filesTemplate,
		Description: "Indexed files of a store with hashes and chunk counts.",
		MIMEType:    "application/json",
	}, s.readResource)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "store_stats",
		URITemplate: statsTemplate,
		Description: "File and chunk counts plus last-indexed time for a store.",
		MIMEType:    "application/json",
	}, s.readResource)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "store_file",
		URITemplate: fileTemplate,
		Description: "Content of one indexed document, reassembled from its chunks.",
	}, s.readResource)
}

func (s *Server) readResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	store, rest, err := splitStoreURI(uri)
	if err != nil {
		return nil, err
	}

	switch {
	case rest == "files":
		page, err := s.indexer.Files(store, 1, 1000)
		if err != nil {
			return nil, mapError(err)
		}
		return jsonResource(uri, page)
	case rest == "stats":
		stats, err := s.indexer.StoreStats(ctx, store)
		if err != nil {
			return nil, mapError(err)
		}
		return jsonResource(uri, stats)
	case strings.HasPrefix(rest, "file/"):
		path := strings.TrimPrefix(rest, "file/")
		content, language, err := s.indexer.Document(ctx, store, path)
		if err != nil {
			return nil, mapError(err)
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: mimeTypeForLanguage(language),
				Text:     content,
			}},
		}, nil
	default:
		return nil, invalidParams("unknown resource %q", uri)
	}
}

// splitStoreURI breaks store://{name}/{rest} into its parts.
func splitStoreURI(uri string) (store, rest string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "store://")
	if !ok {
		return "", "", invalidParams("resource URI must use the store:// scheme, got %q", uri)
	}
	store, rest, ok = strings.Cut(trimmed, "/")
	if !ok || store == "" || rest == "" {
		return "", "", invalidParams("resource URI %q is missing a store or a view", uri)
	}
	return store, rest, nil
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

func mimeTypeForLanguage(language string) string {
	switch language {
	case "go":
		return "text/x-go"
	case "python":
		return "text/x-python"
	case "javascript", "typescript":
		return "text/javascript"
	case "rust":
		return "text/x-rust"
	case "java":
		return "text/x-java"
	case "markdown":
		return "text/markdown"
	case "json":
		return "application/json"
	case "yaml":
		return "application/yaml"
	default:
		return "text/plain"
	}
}

// invalidParams surfaces a client mistake without touching the error
// taxonomy; the SDK reports handler errors to the caller as-is.
func invalidParams(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// mapError scrubs internal detail the same way the HTTP layer does.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", errors.ClientMessage(err))
}

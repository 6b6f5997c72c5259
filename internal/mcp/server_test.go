package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/search"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()

	reg, err := registry.New(t.TempDir(), "rice_", nil)
	require.NoError(t, err)
	_, err = reg.EnsureDefault(registry.DefaultVersionConfig())
	require.NoError(t, err)

	eng, err := engine.NewLocal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	gw, err := ml.NewGateway(cfg.ML, nil)
	require.NoError(t, err)

	tracker, err := index.NewTracker(t.TempDir())
	require.NoError(t, err)
	indexer := index.NewIndexer(reg, eng, gw, tracker, nil, cfg.Index, nil)
	pipeline := search.NewPipeline(reg, eng, gw, nil, nil, cfg.Search, cfg.PostRank, nil)

	return NewServer(reg, indexer, pipeline, nil)
}

const sampleGo = `package main

import "fmt"

func main() {
	fmt.Println("hello mcp")
}
`

func indexSample(t *testing.T, s *Server, path string) {
	t.Helper()
	_, report, err := s.handleIndexFiles(context.Background(), nil, IndexInput{
		Files: []index.File{{Path: path, Content: strings.Replace(sampleGo, "hello", path, 1)}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Indexed)
}

func TestCodeSearchTool(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")

	_, out, err := s.handleCodeSearch(context.Background(), nil, SearchInput{
		Query:          "main.go println",
		IncludeContent: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "main.go", out.Results[0].Path)
	assert.Equal(t, len(out.Results), out.Total)
}

func TestCodeSearchRequiresQuery(t *testing.T) {
	s := newTestServer(t)

	_, _, err := s.handleCodeSearch(context.Background(), nil, SearchInput{Query: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query is required")
}

func TestIndexAndDeleteTools(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "a.go")
	indexSample(t, s, "b.go")

	_, out, err := s.handleDeleteFiles(context.Background(), nil, DeleteInput{Paths: []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Removed)

	_, stats, err := s.handleStoreStats(context.Background(), nil, StatsInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
}

func TestIndexToolRejectsEmptyBatch(t *testing.T) {
	s := newTestServer(t)

	_, _, err := s.handleIndexFiles(context.Background(), nil, IndexInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "files must not be empty")
}

func TestListStoresTool(t *testing.T) {
	s := newTestServer(t)

	_, out, err := s.handleListStores(context.Background(), nil, ListStoresInput{})
	require.NoError(t, err)
	require.Len(t, out.Stores, 1)
	assert.Equal(t, "default", out.Stores[0].Name)
	assert.Equal(t, "v1", out.Stores[0].ActiveVersion)
}

func readURI(t *testing.T, s *Server, uri string) (*mcp.ReadResourceResult, error) {
	t.Helper()
	return s.readResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	})
}

func TestStoreResources(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")

	res, err := readURI(t, s, "store://default/files")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "application/json", res.Contents[0].MIMEType)
	assert.Contains(t, res.Contents[0].Text, "main.go")

	res, err = readURI(t, s, "store://default/stats")
	require.NoError(t, err)
	assert.Contains(t, res.Contents[0].Text, `"files": 1`)

	res, err = readURI(t, s, "store://default/file/main.go")
	require.NoError(t, err)
	assert.Equal(t, "text/x-go", res.Contents[0].MIMEType)
	assert.Contains(t, res.Contents[0].Text, "package main")
}

func TestResourceURIValidation(t *testing.T) {
	s := newTestServer(t)

	_, err := readURI(t, s, "file:///etc/passwd")
	require.Error(t, err)

	_, err = readURI(t, s, "store://default")
	require.Error(t, err)

	_, err = readURI(t, s, "store://default/bogus")
	require.Error(t, err)

	_, err = readURI(t, s, "store://default/file/absent.go")
	require.Error(t, err)
}

func TestMimeTypeForLanguage(t *testing.T) {
	assert.Equal(t, "text/x-go", mimeTypeForLanguage("go"))
	assert.Equal(t, "text/javascript", mimeTypeForLanguage("typescript"))
	assert.Equal(t, "text/plain", mimeTypeForLanguage(""))
	assert.Equal(t, "text/plain", mimeTypeForLanguage("cobol"))
}

package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ricelabs/rice/internal/errors"
)

// RemoteBackend calls a model service over HTTP/JSON. One instance serves
// all four capabilities against the same base endpoint; the gateway wires
// each capability to whichever backend its config names.
//
// The wire shape matches the common text-inference servers: POST
// {endpoint}/{capability} with a JSON body carrying the model name and
// inputs.
type RemoteBackend struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
}

// RemoteOption configures a RemoteBackend.
type RemoteOption func(*RemoteBackend)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(b *RemoteBackend) { b.client = c }
}

// WithDimensions declares the embedding dimensionality of the remote model.
func WithDimensions(d int) RemoteOption {
	return func(b *RemoteBackend) { b.dims = d }
}

// NewRemoteBackend creates a backend for the model service at endpoint.
func NewRemoteBackend(endpoint, model string, timeout time.Duration, opts ...RemoteOption) *RemoteBackend {
	b := &RemoteBackend{
		endpoint: endpoint,
		model:    model,
		dims:     StubDimensions,
		client:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RemoteBackend) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Transient(err, "model service %s unreachable", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("model service returned %d: %s", resp.StatusCode, body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errors.Transient(err, "model service %s failed", path)
		}
		return errors.Wrap(errors.KindInternal, err, "model service %s rejected request", path)
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return errors.Transient(err, "decode model service response")
	}
	return nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Embed implements Embedder.
func (b *RemoteBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embedResponse
	if err := b.post(ctx, "/embed", embedRequest{Model: b.model, Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, errors.New(errors.KindTransient,
			"model service returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

type sparseResponse struct {
	Vectors []SparseVector `json:"vectors"`
}

// Encode implements SparseEncoder.
func (b *RemoteBackend) Encode(ctx context.Context, texts []string) ([]SparseVector, error) {
	var resp sparseResponse
	if err := b.post(ctx, "/sparse_encode", embedRequest{Model: b.model, Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, errors.New(errors.KindTransient,
			"model service returned %d sparse vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Variant   string   `json:"variant,omitempty"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank implements Reranker with the default model variant.
func (b *RemoteBackend) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return b.RerankVariant(ctx, query, docs, "")
}

// RerankVariant implements VariantReranker, passing the variant hint to the
// model service.
func (b *RemoteBackend) RerankVariant(ctx context.Context, query string, docs []string, variant string) ([]float64, error) {
	var resp rerankResponse
	req := rerankRequest{Model: b.model, Query: query, Documents: docs, Variant: variant}
	if err := b.post(ctx, "/rerank", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Scores) != len(docs) {
		return nil, errors.New(errors.KindTransient,
			"model service returned %d scores for %d documents", len(resp.Scores), len(docs))
	}
	return resp.Scores, nil
}

type classifyRequest struct {
	Model string `json:"model"`
	Query string `json:"query"`
}

// Classify implements Classifier.
func (b *RemoteBackend) Classify(ctx context.Context, query string) (Classification, error) {
	var resp Classification
	if err := b.post(ctx, "/classify_query", classifyRequest{Model: b.model, Query: query}, &resp); err != nil {
		return Classification{}, err
	}
	return resp, nil
}

// Model returns the remote model name.
func (b *RemoteBackend) Model() string { return b.model }

// Dimensions implements Embedder.
func (b *RemoteBackend) Dimensions() int { return b.dims }

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

// Embedder maps text to a fixed-dimension vector. Graph embedding writes
// depend on this interface so tests substitute a deterministic stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
}

// OllamaEmbedder calls a local Ollama server's native embed endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	httpc   *http.Client
}

func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
		model:   model,
		dims:    dims,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) Name() string { return "embeddings" }

func (e *OllamaEmbedder) Dimensions() int { return e.dims }

// Reachable probes the Ollama version endpoint.
func (e *OllamaEmbedder) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/version", nil)
	if err != nil {
		return errs.E("embed.Reachable", errs.KindBadRequest, err)
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return errs.E("embed.Reachable", errs.KindProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Ef("embed.Reachable", errs.KindProviderUnavailable, "version returned %d", resp.StatusCode)
	}
	return nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, errs.E("embed.Embed", errs.KindBadRequest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.E("embed.Embed", errs.KindBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E("embed.Embed", errs.KindCancelled, err)
		}
		return nil, errs.E("embed.Embed", errs.KindProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, statusErr("embed.Embed", resp, body)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errs.E("embed.Embed", errs.KindProviderUnavailable, err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, errs.Ef("embed.Embed", errs.KindProviderUnavailable, "ollama returned no embedding for model %s", e.model)
	}
	vec := result.Embeddings[0]
	if e.dims > 0 && len(vec) != e.dims {
		return nil, errs.E("embed.Embed", errs.KindBadRequest,
			fmt.Errorf("embedding dimension mismatch: got %d, index expects %d", len(vec), e.dims))
	}
	return vec, nil
}

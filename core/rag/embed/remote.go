package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEmbedder calls an OpenAI-compatible /v1/embeddings endpoint over
// plain HTTP: a local Ollama server, an OpenAI-compatible gateway, or any
// self-hosted embedding service that speaks the same request/response
// shape all work through this one implementation.
type RemoteEmbedder struct {
	name      string
	endpoint  string
	model     string
	apiKey    string
	dimension int
	client    *http.Client
}

// RemoteEmbedderConfig configures a RemoteEmbedder.
type RemoteEmbedderConfig struct {
	Name      string
	Endpoint  string
	Model     string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// NewRemoteEmbedder builds a RemoteEmbedder from config, defaulting the
// dimension to the package's fixed Dimension and the timeout to 60s.
func NewRemoteEmbedder(cfg RemoteEmbedderConfig) *RemoteEmbedder {
	dim := cfg.Dimension
	if dim == 0 {
		dim = Dimension
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &RemoteEmbedder{
		name:      cfg.Name,
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: dim,
		client:    &http.Client{Timeout: timeout},
	}
}

func (r *RemoteEmbedder) Name() string   { return r.name }
func (r *RemoteEmbedder) Dimension() int { return r.dimension }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates one embedding via EmbedBatch of length one.
func (r *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch sends every text in a single request, matching the
// OpenAI-compatible batch embeddings contract.
func (r *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: r.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request to %s: %w", r.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed: %s returned status %d: %s", r.name, resp.StatusCode, string(payload))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

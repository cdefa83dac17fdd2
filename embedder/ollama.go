package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Default Ollama configuration.
const (
	DefaultBaseURL   = "http://localhost:11434"
	DefaultModel     = "nomic-embed-text"
	DefaultTimeout   = 30 * time.Second
	DefaultDimension = 768 // nomic-embed-text default
)

// OllamaConfig configures an Ollama-backed embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default http://localhost:11434).
	BaseURL string

	// Model is the embedding model (default nomic-embed-text).
	Model string

	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration

	// Dimension is the expected vector size (model-dependent).
	Dimension int

	// MaxTokens is advisory; callers chunk text before embedding.
	MaxTokens int

	// RequestsPerSecond throttles calls to the provider. Zero means
	// unthrottled.
	RequestsPerSecond float64

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Ollama generates embeddings through the Ollama HTTP API.
type Ollama struct {
	client  *http.Client
	baseURL string
	info    Info
	limiter *rate.Limiter
}

var _ Embedder = (*Ollama)(nil)

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllama creates an Ollama embedder from cfg, filling defaults.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = DefaultDimension
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Ollama{
		client:  client,
		baseURL: cfg.BaseURL,
		limiter: limiter,
		info: Info{
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			MaxTokens: cfg.MaxTokens,
		},
	}
}

// Info reports the configured model and dimension.
func (o *Ollama) Info() Info { return o.info }

// estimateTokens is a rough upper bound: BPE vocabularies average about
// four bytes per token on English text.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

// Embed returns the embedding for a single text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.info.MaxTokens > 0 {
		if est := estimateTokens(text); est > o.info.MaxTokens {
			return nil, &InputTooLongError{
				Model:     o.info.Model,
				MaxTokens: o.info.MaxTokens,
				Estimated: est,
			}
		}
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, &Error{Model: o.info.Model, Op: "rate wait", Err: err}
		}
	}

	body, err := json.Marshal(ollamaRequest{Model: o.info.Model, Prompt: text})
	if err != nil {
		return nil, &Error{Model: o.info.Model, Op: "marshal request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Model: o.info.Model, Op: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &Error{Model: o.info.Model, Op: "send request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Model: o.info.Model,
			Op:    "request",
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Model: o.info.Model, Op: "decode response", Err: err}
	}
	if len(decoded.Embedding) != o.info.Dimension {
		return nil, &DimensionMismatchError{
			Model:    o.info.Model,
			Expected: o.info.Dimension,
			Actual:   len(decoded.Embedding),
		}
	}

	vec := make([]float32, len(decoded.Embedding))
	for i, v := range decoded.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// EmbedBatch embeds texts one at a time; the API has no batch endpoint.
// The rate limiter still applies per request.
func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

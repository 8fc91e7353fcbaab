package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ErrDimensionMismatch is returned when two vectors cannot be compared
var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// Embedder maps text to a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config configures an OpenAI-compatible embedding endpoint
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAIEmbedder generates embeddings through any OpenAI-compatible API,
// including ollama's /v1 endpoint
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder for the configured endpoint
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

// Model returns the embedding model name
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// Cached memoizes embeddings by text. Only successful results are cached and
// callers always receive their own copy.
type Cached struct {
	next  Embedder
	cache sync.Map // text -> []float32
}

// NewCached wraps next with an in-process cache
func NewCached(next Embedder) *Cached {
	return &Cached{next: next}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := c.cache.Load(text); ok {
		if embedding, valid := cached.([]float32); valid {
			return slices.Clone(embedding), nil
		}
	}

	embedding, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Store(text, slices.Clone(embedding))
	return embedding, nil
}

// Cosine returns the cosine similarity of a and b. A zero vector has
// similarity 0 with everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

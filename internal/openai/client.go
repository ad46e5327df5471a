// Package openai provides a thin wrapper around the official OpenAI Go SDK for embeddings and chat
// completions. Any OpenAI-compatible endpoint (e.g. Groq) works through WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

var (
	// ErrEmptyInput is returned when CreateEmbedding is called with empty input.
	ErrEmptyInput = errors.New("openai: input text is empty")
	// ErrInvalidDims is returned when dimensions is not positive.
	ErrInvalidDims = errors.New("openai: embedding dimensions must be positive")
	// ErrNoEmbeddingInResponse is returned when the API response contains no embedding data.
	ErrNoEmbeddingInResponse = errors.New("openai: no embedding in response")
	// ErrDimensionMismatch is returned when the response embedding length does not match configured dimensions.
	ErrDimensionMismatch = errors.New("openai: embedding dimension mismatch")
)

const (
	defaultDimension      = 768
	defaultEmbeddingModel = openaisdk.EmbeddingModelTextEmbedding3Small
)

// Client calls the OpenAI embeddings API via the official SDK.
type Client struct {
	sdk        openaisdk.Client
	model      string
	dimensions int
}

// ClientOption configures the Client.
type ClientOption func(*clientSettings)

type clientSettings struct {
	model      string
	dimensions int
	baseURL    string
}

// WithDimensions sets the requested embedding dimension (must match the vector index).
func WithDimensions(dim int) ClientOption {
	return func(s *clientSettings) {
		s.dimensions = dim
	}
}

// WithModel sets the model name. Empty keeps the default.
func WithModel(model string) ClientOption {
	return func(s *clientSettings) {
		if model != "" {
			s.model = model
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) ClientOption {
	return func(s *clientSettings) {
		s.baseURL = url
	}
}

func newSDK(apiKey string, s clientSettings) openaisdk.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}

	return openaisdk.NewClient(opts...)
}

// NewClient creates an OpenAI embeddings client using the official SDK.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	settings := clientSettings{model: defaultEmbeddingModel, dimensions: defaultDimension}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Client{
		sdk:        newSDK(apiKey, settings),
		model:      settings.model,
		dimensions: settings.dimensions,
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.model
}

// CreateEmbedding returns the embedding vector for the given text.
// The returned slice length equals the configured dimensions.
func (c *Client) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	if c.dimensions <= 0 {
		return nil, ErrInvalidDims
	}

	resp, err := c.sdk.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(input),
		},
		Model:      openaisdk.EmbeddingModel(c.model),
		Dimensions: param.NewOpt(int64(c.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	emb := resp.Data[0].Embedding
	if len(emb) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), c.dimensions)
	}

	out := make([]float32, len(emb))
	for i := range emb {
		out[i] = float32(emb[i])
	}

	return out, nil
}

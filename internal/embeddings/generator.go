// Package embeddings turns text into normalized embedding vectors through a pluggable backend.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/internal/observability"
)

const (
	queryEmbeddingCacheName = "query_embedding"

	// DefaultCacheLoadTimeout bounds a shared cache load, which outlives any single caller's context.
	DefaultCacheLoadTimeout = 10 * time.Second
)

// ErrEmptyVector is returned (wrapped in EmbeddingUnavailable) when a backend answers with no values.
var ErrEmptyVector = errors.New("embeddings: backend returned an empty vector")

// Backend is a remote or local embedding model.
type Backend interface {
	CreateEmbedding(ctx context.Context, input string) ([]float32, error)
}

// Generator converts text to vectors. It never retries; retry policy belongs to the caller.
type Generator struct {
	backend      Backend
	model        string
	cache        *lru.Cache[string, []float32]
	loadGroup    singleflight.Group
	loadTimeout  time.Duration
	cacheMetrics observability.CacheMetrics
	logger       *slog.Logger
}

// GeneratorParams configures a Generator. CacheSize 0 disables caching; CacheMetrics and Logger may be nil.
// CacheLoadTimeout defaults to DefaultCacheLoadTimeout.
type GeneratorParams struct {
	Backend          Backend
	Model            string
	CacheSize        int
	CacheLoadTimeout time.Duration
	CacheMetrics     observability.CacheMetrics
	Logger           *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(p GeneratorParams) (*Generator, error) {
	if p.Backend == nil {
		return nil, errors.New("embeddings: backend is required")
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loadTimeout := p.CacheLoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = DefaultCacheLoadTimeout
	}

	g := &Generator{
		backend:      p.Backend,
		model:        p.Model,
		loadTimeout:  loadTimeout,
		cacheMetrics: p.CacheMetrics,
		logger:       logger,
	}

	if p.CacheSize > 0 {
		cache, err := lru.New[string, []float32](p.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create query embedding cache: %w", err)
		}

		g.cache = cache
	}

	return g, nil
}

// Model returns the identifier attached to every vector this generator produces.
func (g *Generator) Model() string {
	return g.model
}

// Embed returns the normalized embedding of text. Backend failures are reported as EmbeddingUnavailable.
func (g *Generator) Embed(ctx context.Context, text string) (models.EmbeddingVector, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.EmbeddingVector{}, aiderrors.NewInvalidQueryError("text", "text to embed is empty")
	}

	var (
		values []float32
		err    error
	)

	if g.cache != nil {
		values, err = g.embedCached(ctx, text)
	} else {
		values, err = g.embed(ctx, text)
	}

	if err != nil {
		g.logger.WarnContext(ctx, "embedding: backend call failed", "model", g.model, "error", err)

		return models.EmbeddingVector{}, aiderrors.NewEmbeddingUnavailableError(err)
	}

	return models.EmbeddingVector{Values: values, Model: g.model}, nil
}

// EmbedBatch embeds each text in order. It stops at the first failure.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([]models.EmbeddingVector, error) {
	out := make([]models.EmbeddingVector, 0, len(texts))

	for i, text := range texts {
		vec, err := g.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}

		out = append(out, vec)
	}

	return out, nil
}

func (g *Generator) embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := g.backend.CreateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}

	if len(raw) == 0 {
		return nil, ErrEmptyVector
	}

	values := make([]float32, len(raw))
	copy(values, raw)
	NormalizeL2(values)

	return values, nil
}

// embedCached serves repeated texts from the LRU and coalesces concurrent misses.
// The shared load runs detached from any one caller: a caller that gives up returns its own
// context error while the others keep waiting for the result.
// Callers always receive their own copy of the cached slice.
func (g *Generator) embedCached(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := g.cache.Get(text); ok {
		if g.cacheMetrics != nil {
			g.cacheMetrics.RecordHit(ctx, queryEmbeddingCacheName)
		}

		return cloneVector(vec), nil
	}

	results := g.loadGroup.DoChan(text, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.loadTimeout)
		defer cancel()

		vec, loadErr := g.embed(loadCtx, text)
		if loadErr != nil {
			return nil, loadErr
		}

		g.cache.Add(text, vec)

		return vec, nil
	})

	var res singleflight.Result

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-results:
	}

	if res.Err != nil {
		return nil, res.Err
	}

	if g.cacheMetrics != nil {
		g.cacheMetrics.RecordMiss(ctx, queryEmbeddingCacheName)
	}

	vec, _ := res.Val.([]float32)

	return cloneVector(vec), nil
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	return out
}

// Package backends builds the embedding, generation and vector index backends selected by configuration.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/firstaid/assistant/internal/config"
	"github.com/firstaid/assistant/internal/embeddings"
	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/googleai"
	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/internal/openai"
	"github.com/firstaid/assistant/internal/repository"
	"github.com/firstaid/assistant/pkg/database"
)

var (
	errUnsupportedEmbeddingProvider  = errors.New("unsupported embedding provider")
	errUnsupportedGenerationProvider = errors.New("unsupported generation provider")
	errUnsupportedVectorIndex        = errors.New("unsupported vector index")
	errDatabaseRequired              = errors.New("pgvector index requires a database pool")
)

// generationRateBurst lets a short burst of answers through before the limiter paces requests.
const generationRateBurst = 2

// Index is a vector index the corpus can be written to and searched.
type Index interface {
	Search(ctx context.Context, vec models.EmbeddingVector, topK int, minScore float64) ([]models.RetrievedChunk, error)
	Upsert(ctx context.Context, chunk models.CorpusChunk) error
}

// EmbeddingBackend is an embedding backend together with the model name stamped on its vectors.
type EmbeddingBackend struct {
	embeddings.Backend

	Model string
}

// NewEmbeddingBackend returns the backend for cfg.EmbeddingProvider.
func NewEmbeddingBackend(ctx context.Context, cfg *config.Config) (EmbeddingBackend, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderOpenAI:
		client := openai.NewClient(cfg.EmbeddingAPIKey,
			openai.WithModel(cfg.EmbeddingModel),
			openai.WithDimensions(cfg.EmbeddingDimensions),
		)

		return EmbeddingBackend{Backend: client, Model: client.Model()}, nil
	case config.ProviderGoogle:
		client, err := googleai.NewClient(ctx, cfg.EmbeddingAPIKey,
			googleai.WithModel(cfg.EmbeddingModel),
			googleai.WithDimensions(cfg.EmbeddingDimensions),
		)
		if err != nil {
			return EmbeddingBackend{}, fmt.Errorf("create google embedding client: %w", err)
		}

		return EmbeddingBackend{Backend: client, Model: client.Model()}, nil
	case config.ProviderHash:
		return EmbeddingBackend{Backend: embeddings.NewHashBackend(cfg.EmbeddingDimensions), Model: embeddings.HashModel}, nil
	default:
		return EmbeddingBackend{}, fmt.Errorf("%w: %s", errUnsupportedEmbeddingProvider, cfg.EmbeddingProvider)
	}
}

// NewGenerationBackend returns the backend for cfg.GenerationProvider, rate limited when
// GENERATION_RATE_LIMIT is set.
func NewGenerationBackend(ctx context.Context, cfg *config.Config) (generation.Backend, error) {
	var backend generation.Backend

	switch cfg.GenerationProvider {
	case config.ProviderOpenAI:
		opts := []openai.ClientOption{openai.WithModel(cfg.GenerationModel)}
		if cfg.GenerationBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.GenerationBaseURL))
		}

		backend = openai.NewChatClient(cfg.GenerationAPIKey, opts...)
	case config.ProviderGoogle:
		client, err := googleai.NewClient(ctx, cfg.GenerationAPIKey, googleai.WithGenerateModel(cfg.GenerationModel))
		if err != nil {
			return nil, fmt.Errorf("create google generation client: %w", err)
		}

		backend = client
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedGenerationProvider, cfg.GenerationProvider)
	}

	return generation.NewRateLimitedBackend(backend, cfg.GenerationRateLimit, generationRateBurst), nil
}

// OpenDatabase applies the schema and opens a pool whose connections know the pgvector types.
// The schema runs first because type registration needs the vector extension to exist.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := database.ApplySchema(ctx, cfg.DatabaseURL, repository.SchemaSQL); err != nil {
		return nil, err
	}

	return database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithAfterConnect(pgxvec.RegisterTypes),
		database.WithMaxConns(int32(cfg.DatabaseMaxConns)), //nolint:gosec // bounded by config validation
	)
}

// NewIndex returns the vector index selected by cfg.VectorIndex. db is required for pgvector and
// ignored otherwise.
func NewIndex(cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) (Index, error) {
	switch cfg.VectorIndex {
	case config.IndexPgvector:
		if db == nil {
			return nil, errDatabaseRequired
		}

		return repository.NewChunksRepository(db), nil
	case config.IndexChromem:
		index, err := repository.NewChromemIndex(cfg.ChromemPath, cfg.ChromemCollection, logger)
		if err != nil {
			return nil, fmt.Errorf("open chromem index: %w", err)
		}

		return index, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedVectorIndex, cfg.VectorIndex)
	}
}

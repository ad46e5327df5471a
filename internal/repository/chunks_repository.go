package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/firstaid/assistant/internal/models"
)

// ErrMissingModel is returned when a vector carries no model name; rows are partitioned by model.
var ErrMissingModel = errors.New("embedding vector has no model")

// ChunksRepository is the pgvector-backed corpus index.
type ChunksRepository struct {
	db *pgxpool.Pool
}

// NewChunksRepository creates a new chunks repository.
func NewChunksRepository(db *pgxpool.Pool) *ChunksRepository {
	return &ChunksRepository{db: db}
}

// Upsert inserts or replaces a corpus chunk and its embedding.
func (r *ChunksRepository) Upsert(ctx context.Context, chunk models.CorpusChunk) error {
	if chunk.Embedding.Model == "" {
		return ErrMissingModel
	}

	vec := pgvector.NewVector(chunk.Embedding.Values)
	now := time.Now()

	_, err := r.db.Exec(ctx, `
		INSERT INTO chunks (id, text, citation, title, category, model, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id)
		DO UPDATE SET text = EXCLUDED.text, citation = EXCLUDED.citation, title = EXCLUDED.title,
			category = EXCLUDED.category, model = EXCLUDED.model, embedding = EXCLUDED.embedding, updated_at = $8`,
		chunk.ID, chunk.Text, chunk.Citation, chunk.Title, chunk.Category, chunk.Embedding.Model, vec, now,
	)
	if err != nil {
		return fmt.Errorf("chunks upsert: %w", err)
	}

	return nil
}

// Count returns the number of chunks embedded with model.
func (r *ChunksRepository) Count(ctx context.Context, model string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE model = $1`, model).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}

	return n, nil
}

// Search returns up to topK chunks embedded with vec.Model whose cosine similarity to vec is at least
// minScore. Uses cosine distance (<=>); score = 1 - distance. Ties are ordered by chunk ID.
func (r *ChunksRepository) Search(
	ctx context.Context, vec models.EmbeddingVector, topK int, minScore float64,
) ([]models.RetrievedChunk, error) {
	if vec.Model == "" {
		return nil, ErrMissingModel
	}

	queryVec := pgvector.NewVector(vec.Values)

	rows, err := r.db.Query(ctx, `
		SELECT id, text, citation, title, category, (1 - (embedding <=> $1)) AS score
		FROM chunks
		WHERE model = $2 AND (1 - (embedding <=> $1)) >= $3
		ORDER BY embedding <=> $1, id
		LIMIT $4`, queryVec, vec.Model, minScore, topK)
	if err != nil {
		return nil, fmt.Errorf("nearest chunks: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RetrievedChunk, error) {
		var c models.RetrievedChunk
		err := row.Scan(&c.ID, &c.Text, &c.Citation, &c.Title, &c.Category, &c.Score)

		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan nearest chunks: %w", err)
	}

	return results, nil
}

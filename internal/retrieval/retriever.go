// Package retrieval ranks corpus passages against a query embedding.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
)

// Index is a vector index backend. Implementations may return unsorted or out-of-range
// scores; the Retriever enforces ordering, bounds and deduplication.
type Index interface {
	Search(ctx context.Context, vec models.EmbeddingVector, topK int, minScore float64) ([]models.RetrievedChunk, error)
}

// Retriever queries an Index and normalizes its output.
type Retriever struct {
	index  Index
	logger *slog.Logger
}

// NewRetriever creates a Retriever over index. A nil logger uses slog.Default().
func NewRetriever(index Index, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{index: index, logger: logger}
}

// Retrieve returns at most topK chunks with score >= minScore, sorted by score descending and
// chunk ID ascending. An empty result is not an error. Index failures are RetrievalUnavailable;
// context cancellation is returned unchanged.
func (r *Retriever) Retrieve(
	ctx context.Context, vec models.EmbeddingVector, topK int, minScore float64,
) ([]models.RetrievedChunk, error) {
	return r.RetrieveAll(ctx, []models.EmbeddingVector{vec}, topK, minScore)
}

// RetrieveAll searches once per vector and merges the results, keeping the highest score for a chunk
// that several vectors matched. The merged result obeys the same rules as Retrieve.
func (r *Retriever) RetrieveAll(
	ctx context.Context, vecs []models.EmbeddingVector, topK int, minScore float64,
) ([]models.RetrievedChunk, error) {
	if topK <= 0 || len(vecs) == 0 {
		return []models.RetrievedChunk{}, nil
	}

	best := make(map[string]models.RetrievedChunk)

	for _, vec := range vecs {
		chunks, err := r.index.Search(ctx, vec, topK, minScore)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, aiderrors.NewRetrievalUnavailableError(err)
		}

		for _, chunk := range chunks {
			if math.IsNaN(chunk.Score) {
				r.logger.Debug("retrieval: dropping chunk with NaN score", "chunk_id", chunk.ID)

				continue
			}

			chunk.Score = clampScore(chunk.Score)
			if chunk.Score < minScore {
				continue
			}

			if prev, ok := best[chunk.ID]; ok && prev.Score >= chunk.Score {
				continue
			}

			best[chunk.ID] = chunk
		}
	}

	merged := make([]models.RetrievedChunk, 0, len(best))
	for _, chunk := range best {
		merged = append(merged, chunk)
	}

	SortChunks(merged)

	if len(merged) > topK {
		merged = merged[:topK]
	}

	return merged, nil
}

// SortChunks orders chunks by score descending, then ID ascending.
func SortChunks(chunks []models.RetrievedChunk) {
	slices.SortFunc(chunks, func(a, b models.RetrievedChunk) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

func clampScore(score float64) float64 {
	return math.Min(1, math.Max(0, score))
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/philippgille/chromem-go"

	"github.com/firstaid/assistant/internal/models"
)

// Chunk metadata keys stored alongside each chromem document.
const (
	metaCitation = "citation"
	metaTitle    = "title"
	metaCategory = "category"
	metaModel    = "model"
)

// errNoEmbeddingFunc is returned if chromem is ever asked to embed text itself.
// Every document and query arrives with its vector already computed.
var errNoEmbeddingFunc = errors.New("chromem index: documents and queries must carry embeddings")

// ChromemIndex is an embedded, file-persisted corpus index.
type ChromemIndex struct {
	collection *chromem.Collection
	logger     *slog.Logger
}

// NewChromemIndex opens (or creates) the collection name in a persistent DB at path.
// An empty path keeps the index in memory.
func NewChromemIndex(path, name string, logger *slog.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		db  *chromem.DB
		err error
	)

	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create chromem directory %s: %w", path, err)
		}

		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem DB: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", name, err)
	}

	logger.Info("chromem index opened", "path", path, "collection", name, "documents", collection.Count())

	return &ChromemIndex{collection: collection, logger: logger}, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// Upsert adds chunk, replacing any document with the same ID.
func (i *ChromemIndex) Upsert(ctx context.Context, chunk models.CorpusChunk) error {
	if len(chunk.Embedding.Values) == 0 {
		return errNoEmbeddingFunc
	}

	doc := chromem.Document{
		ID:        chunk.ID,
		Content:   chunk.Text,
		Embedding: append([]float32(nil), chunk.Embedding.Values...),
		Metadata: map[string]string{
			metaCitation: chunk.Citation,
			metaTitle:    chunk.Title,
			metaCategory: chunk.Category,
			metaModel:    chunk.Embedding.Model,
		},
	}

	if err := i.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add chunk %s: %w", chunk.ID, err)
	}

	return nil
}

// Count returns the number of stored chunks.
func (i *ChromemIndex) Count() int {
	return i.collection.Count()
}

// Search returns up to topK chunks with similarity >= minScore, most similar first.
// An empty collection yields an empty result.
func (i *ChromemIndex) Search(
	ctx context.Context, vec models.EmbeddingVector, topK int, minScore float64,
) ([]models.RetrievedChunk, error) {
	// chromem requires nResults <= document count.
	docCount := i.collection.Count()
	if docCount == 0 || topK <= 0 {
		return []models.RetrievedChunk{}, nil
	}

	n := min(topK, docCount)

	var where map[string]string
	if vec.Model != "" {
		where = map[string]string{metaModel: vec.Model}
	}

	results, err := i.collection.QueryEmbedding(ctx, append([]float32(nil), vec.Values...), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query chromem collection: %w", err)
	}

	chunks := make([]models.RetrievedChunk, 0, len(results))

	for _, r := range results {
		score := float64(r.Similarity)
		if score < minScore {
			continue
		}

		chunks = append(chunks, models.RetrievedChunk{
			ID:       r.ID,
			Text:     r.Content,
			Citation: r.Metadata[metaCitation],
			Title:    r.Metadata[metaTitle],
			Category: r.Metadata[metaCategory],
			Score:    score,
		})
	}

	i.logger.DebugContext(ctx, "chromem search", "k", n, "results", len(results), "kept", len(chunks))

	return chunks, nil
}

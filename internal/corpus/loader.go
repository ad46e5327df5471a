// Package corpus loads first-aid passages into a vector index.
package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/firstaid/assistant/internal/models"
)

const (
	// DefaultMaxChunkRunes bounds the text embedded as one chunk. Longer records are split.
	DefaultMaxChunkRunes = 1500
	maxLineBytes         = 1 << 20
)

// Record is one line of a JSON Lines corpus file.
type Record struct {
	ID       string `json:"id" validate:"required,max=200"`
	Text     string `json:"text" validate:"required"`
	Source   string `json:"source" validate:"required"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
}

// Embedder embeds one passage.
type Embedder interface {
	Embed(ctx context.Context, text string) (models.EmbeddingVector, error)
}

// Upserter stores one embedded passage, replacing any chunk with the same ID.
type Upserter interface {
	Upsert(ctx context.Context, chunk models.CorpusChunk) error
}

// Stats counts what a Load call did.
type Stats struct {
	Records int
	Chunks  int
	Skipped int
}

// Loader reads corpus records, embeds them and upserts them into an index.
type Loader struct {
	embedder      Embedder
	index         Upserter
	maxChunkRunes int
	validate      *validator.Validate
	logger        *slog.Logger
}

// LoaderParams configures a Loader. MaxChunkRunes 0 means DefaultMaxChunkRunes; Logger may be nil.
type LoaderParams struct {
	Embedder      Embedder
	Index         Upserter
	MaxChunkRunes int
	Logger        *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(p LoaderParams) *Loader {
	l := &Loader{
		embedder:      p.Embedder,
		index:         p.Index,
		maxChunkRunes: p.MaxChunkRunes,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        p.Logger,
	}

	if l.maxChunkRunes <= 0 {
		l.maxChunkRunes = DefaultMaxChunkRunes
	}

	if l.logger == nil {
		l.logger = slog.Default()
	}

	return l
}

// Load reads JSON Lines from r. Malformed or incomplete records are logged and skipped;
// an embedding or index failure stops the load and is returned with the stats so far.
func (l *Loader) Load(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0

	for scanner.Scan() {
		line++

		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		stats.Records++

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			l.logger.Warn("corpus: skipping malformed line", "line", line, "error", err)

			stats.Skipped++

			continue
		}

		rec.Text = strings.TrimSpace(rec.Text)

		if err := l.validate.Struct(rec); err != nil {
			l.logger.Warn("corpus: skipping invalid record", "line", line, "id", rec.ID, "error", err)

			stats.Skipped++

			continue
		}

		n, err := l.loadRecord(ctx, rec)
		stats.Chunks += n

		if err != nil {
			return stats, fmt.Errorf("load record %q (line %d): %w", rec.ID, line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read corpus: %w", err)
	}

	return stats, nil
}

func (l *Loader) loadRecord(ctx context.Context, rec Record) (int, error) {
	parts := SplitText(rec.Text, l.maxChunkRunes)

	for i, text := range parts {
		id := rec.ID
		if len(parts) > 1 {
			id = rec.ID + "#" + strconv.Itoa(i)
		}

		vec, err := l.embedder.Embed(ctx, text)
		if err != nil {
			return i, fmt.Errorf("embed chunk %s: %w", id, err)
		}

		chunk := models.CorpusChunk{
			ID:        id,
			Text:      text,
			Citation:  rec.Source,
			Title:     rec.Title,
			Category:  rec.Category,
			Embedding: vec,
		}

		if err := l.index.Upsert(ctx, chunk); err != nil {
			return i, fmt.Errorf("upsert chunk %s: %w", id, err)
		}
	}

	return len(parts), nil
}

// SplitText splits text into pieces of at most maxRunes runes, breaking at the last space
// before the limit when there is one. Short text is returned as a single piece.
func SplitText(text string, maxRunes int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	if maxRunes <= 0 || len(runes) <= maxRunes {
		return []string{string(runes)}
	}

	var parts []string

	for start := 0; start < len(runes); {
		end := min(start+maxRunes, len(runes))

		if end < len(runes) {
			for i := end - 1; i > start; i-- {
				if runes[i] == ' ' {
					end = i

					break
				}
			}
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			parts = append(parts, piece)
		}

		start = end
	}

	return parts
}

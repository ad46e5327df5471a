// ingest loads a JSON Lines first-aid corpus into the configured vector index. Each line is
// {"id","text","source","title","category"}; the file is read from the first argument or stdin.
// Run it with the same environment as the API so both use the same embedding model and index.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firstaid/assistant/internal/backends"
	"github.com/firstaid/assistant/internal/config"
	"github.com/firstaid/assistant/internal/corpus"
	"github.com/firstaid/assistant/internal/embeddings"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.LoadForIngest()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return exitFailure
	}

	input, closeInput, err := openInput(args)
	if err != nil {
		slog.Error("Failed to open corpus", "error", err)

		return exitFailure
	}
	defer closeInput()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool

	if cfg.VectorIndex == config.IndexPgvector {
		db, err = backends.OpenDatabase(ctx, cfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)

			return exitFailure
		}
		defer db.Close()
	}

	backend, err := backends.NewEmbeddingBackend(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create embedding backend", "error", err)

		return exitFailure
	}

	embedder, err := embeddings.NewGenerator(embeddings.GeneratorParams{
		Backend: backend,
		Model:   backend.Model,
	})
	if err != nil {
		slog.Error("Failed to create embedding generator", "error", err)

		return exitFailure
	}

	index, err := backends.NewIndex(cfg, db, slog.Default())
	if err != nil {
		slog.Error("Failed to open vector index", "error", err)

		return exitFailure
	}

	loader := corpus.NewLoader(corpus.LoaderParams{Embedder: embedder, Index: index})

	stats, err := loader.Load(ctx, input)
	if err != nil {
		slog.Error("Ingest failed", "error", err, "records", stats.Records, "chunks", stats.Chunks)

		return exitFailure
	}

	slog.Info("Ingest complete",
		"records", stats.Records,
		"chunks", stats.Chunks,
		"skipped", stats.Skipped,
		"index", cfg.VectorIndex,
		"model", backend.Model,
	)

	fmt.Printf("Loaded %d chunk(s) from %d record(s), skipped %d.\n", stats.Chunks, stats.Records, stats.Skipped)

	return exitSuccess
}

func openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return os.Stdin, func() {}, nil
	}

	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", args[0], err)
	}

	return f, func() {
		if err := f.Close(); err != nil {
			slog.Warn("close corpus file", "error", err)
		}
	}, nil
}

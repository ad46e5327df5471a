// Package pipeline answers first-aid questions by running the query, embedding, retrieval,
// generation and confidence stages in order, degrading to a safety fallback when a backend fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/internal/observability"
)

// Fallback reasons recorded in metrics and logs.
const (
	ReasonEmbeddingUnavailable  = "embedding_unavailable"
	ReasonRetrievalUnavailable  = "retrieval_unavailable"
	ReasonRetrievalEmpty        = "retrieval_empty"
	ReasonGenerationUnavailable = "generation_unavailable"
	ReasonParseFailure          = "parse_failure"
)

// QueryProcessor validates and prepares a raw query.
type QueryProcessor interface {
	Prepare(q models.Query, history []models.ConversationTurn) (models.PreparedQuery, error)
}

// Embedder embeds query variants.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]models.EmbeddingVector, error)
}

// Retriever finds passages for one or more query vectors.
type Retriever interface {
	RetrieveAll(
		ctx context.Context, vecs []models.EmbeddingVector, topK int, minScore float64,
	) ([]models.RetrievedChunk, error)
}

// ResponseGenerator builds prompts, calls the model and parses its output.
type ResponseGenerator interface {
	BuildPrompt(pq models.PreparedQuery, chunks []models.RetrievedChunk) (generation.Prompt, []models.RetrievedChunk)
	Complete(ctx context.Context, prompt generation.Prompt) (string, error)
	Parse(raw string, included []models.RetrievedChunk) generation.ParseOutcome
	Fallback() (string, error)
}

// Scorer computes answer confidence.
type Scorer interface {
	Score(chunks []models.RetrievedChunk, mode models.AnswerMode) models.Confidence
}

// Policies holds the retry policy of each network-bound stage.
type Policies struct {
	Embedding  StagePolicy
	Retrieval  StagePolicy
	Generation StagePolicy
}

// DefaultPolicies returns 5s/5s/30s timeouts with two retries each.
func DefaultPolicies() Policies {
	base := StagePolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}

	p := Policies{Embedding: base, Retrieval: base, Generation: base}
	p.Embedding.Timeout = DefaultEmbeddingTimeout
	p.Retrieval.Timeout = DefaultRetrievalTimeout
	p.Generation.Timeout = DefaultGenerationTimeout

	return p
}

// Params holds the capabilities and settings of a Pipeline. Metrics and Logger may be nil.
type Params struct {
	Processor QueryProcessor
	Embedder  Embedder
	Retriever Retriever
	Generator ResponseGenerator
	Scorer    Scorer
	Policies  Policies
	Metrics   observability.PipelineMetrics
	Logger    *slog.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSleep replaces the backoff wait, typically with a no-op in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		p.runner.sleep = sleep
	}
}

// WithClock replaces time.Now for result and turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline is the query orchestrator. It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	processor QueryProcessor
	embedder  Embedder
	retriever Retriever
	generator ResponseGenerator
	scorer    Scorer
	policies  Policies
	metrics   observability.PipelineMetrics
	logger    *slog.Logger
	runner    *stageRunner
	now       func() time.Time
}

// New creates a Pipeline.
func New(p Params, opts ...Option) (*Pipeline, error) {
	switch {
	case p.Processor == nil:
		return nil, errors.New("pipeline: query processor is required")
	case p.Embedder == nil:
		return nil, errors.New("pipeline: embedder is required")
	case p.Retriever == nil:
		return nil, errors.New("pipeline: retriever is required")
	case p.Generator == nil:
		return nil, errors.New("pipeline: response generator is required")
	case p.Scorer == nil:
		return nil, errors.New("pipeline: scorer is required")
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pl := &Pipeline{
		processor: p.Processor,
		embedder:  p.Embedder,
		retriever: p.Retriever,
		generator: p.Generator,
		scorer:    p.Scorer,
		policies: Policies{
			Embedding:  p.Policies.Embedding.withDefaults(DefaultEmbeddingTimeout),
			Retrieval:  p.Policies.Retrieval.withDefaults(DefaultRetrievalTimeout),
			Generation: p.Policies.Generation.withDefaults(DefaultGenerationTimeout),
		},
		metrics: p.Metrics,
		logger:  logger,
		runner:  &stageRunner{metrics: p.Metrics, logger: logger, sleep: sleepContext},
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(pl)
	}

	return pl, nil
}

// Handle answers q given the prior conversation turns.
//
// It returns InvalidQuery before any backend call for malformed input and the context error when the
// caller cancels. Backend failures never surface: the result is the fallback answer instead. The only
// other error is PipelineExhausted, when even the fallback answer cannot be produced.
func (p *Pipeline) Handle(
	ctx context.Context, q models.Query, history []models.ConversationTurn,
) (*models.PipelineResult, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.handle")
	defer span.End()

	pq, err := p.processor.Prepare(q, history)
	if err != nil {
		span.SetStatus(codes.Error, "invalid query")

		return nil, fmt.Errorf("prepare query: %w", err)
	}

	span.SetAttributes(
		attribute.Int("query.variants", len(pq.Variants)),
		attribute.Int("query.top_k", pq.TopK),
		attribute.Bool("query.emergency", pq.Emergency),
	)

	vecs, stage, err := runStage(ctx, p.runner, StageEmbedding, p.policies.Embedding,
		func(ctx context.Context) ([]models.EmbeddingVector, error) {
			return p.embedder.EmbedBatch(ctx, pq.Variants)
		})
	if err != nil {
		return nil, err
	}

	if stage.Degraded() {
		return p.fallback(ctx, q, pq, ReasonEmbeddingUnavailable, stage.Err)
	}

	chunks, stage, err := runStage(ctx, p.runner, StageRetrieval, p.policies.Retrieval,
		func(ctx context.Context) ([]models.RetrievedChunk, error) {
			return p.retriever.RetrieveAll(ctx, vecs, pq.TopK, pq.MinScore)
		})
	if err != nil {
		return nil, err
	}

	if stage.Degraded() {
		return p.fallback(ctx, q, pq, ReasonRetrievalUnavailable, stage.Err)
	}

	if len(chunks) == 0 {
		if p.metrics != nil {
			p.metrics.RecordRetrievalEmpty(ctx)
		}

		return p.fallback(ctx, q, pq, ReasonRetrievalEmpty, nil)
	}

	prompt, included := p.generator.BuildPrompt(pq, chunks)

	raw, stage, err := runStage(ctx, p.runner, StageGeneration, p.policies.Generation,
		func(ctx context.Context) (string, error) {
			return p.generator.Complete(ctx, prompt)
		})
	if err != nil {
		return nil, err
	}

	if stage.Degraded() {
		return p.fallback(ctx, q, pq, ReasonGenerationUnavailable, stage.Err)
	}

	var parsed generation.Parsed

	switch outcome := p.generator.Parse(raw, included).(type) {
	case generation.Parsed:
		parsed = outcome
	case generation.ParseFailure:
		return p.fallback(ctx, q, pq, ReasonParseFailure, errors.New(outcome.Reason))
	default:
		return p.fallback(ctx, q, pq, ReasonParseFailure, fmt.Errorf("unexpected parse outcome %T", outcome))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Confidence reflects every retrieved score, not only the passages that fit in the prompt.
	conf := p.scorer.Score(chunks, models.ModeGrounded)

	p.logger.InfoContext(ctx, "pipeline: grounded answer",
		"citations", len(parsed.Citations), "confidence", conf.Score, "emergency", pq.Emergency)

	if p.metrics != nil {
		p.metrics.RecordQueryHandled(ctx, string(models.ModeGrounded))
	}

	return p.result(q, pq, parsed.Text, parsed.Citations, conf, models.ModeGrounded), nil
}

func (p *Pipeline) fallback(
	ctx context.Context, q models.Query, pq models.PreparedQuery, reason string, cause error,
) (*models.PipelineResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	answer, err := p.generator.Fallback()
	if err != nil {
		p.logger.ErrorContext(ctx, "pipeline: fallback answer unavailable", "reason", reason, "error", err)

		return nil, aiderrors.NewPipelineExhaustedError(generation.EmergencyDisclaimer, errors.Join(cause, err))
	}

	p.logger.WarnContext(ctx, "pipeline: answering with fallback", "reason", reason, "cause", cause)

	if p.metrics != nil {
		p.metrics.RecordFallback(ctx, reason)
		p.metrics.RecordQueryHandled(ctx, string(models.ModeFallback))
	}

	conf := p.scorer.Score(nil, models.ModeFallback)

	return p.result(q, pq, answer, []models.RetrievedChunk{}, conf, models.ModeFallback), nil
}

func (p *Pipeline) result(
	q models.Query,
	pq models.PreparedQuery,
	answer string,
	citations []models.RetrievedChunk,
	conf models.Confidence,
	mode models.AnswerMode,
) *models.PipelineResult {
	now := p.now().UTC()
	score := conf.Score

	return &models.PipelineResult{
		Answer:         answer,
		Citations:      citations,
		Confidence:     conf,
		Mode:           mode,
		ConversationID: q.ConversationID,
		Emergency:      pq.Emergency,
		Turns: []models.ConversationTurn{
			{Role: models.RoleUser, Content: pq.Original, Timestamp: now},
			{Role: models.RoleAssistant, Content: answer, Citations: citations, Confidence: &score, Timestamp: now},
		},
		Timestamp: now,
	}
}

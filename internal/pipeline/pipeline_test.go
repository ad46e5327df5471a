package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/confidence"
	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/internal/query"
	"github.com/firstaid/assistant/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMetrics records pipeline metric calls.
type fakeMetrics struct {
	mu        sync.Mutex
	handled   []string
	empty     int
	fallbacks []string
	stageDur  []string
	stageRet  []string
	stageFail []string
}

func (f *fakeMetrics) RecordQueryHandled(_ context.Context, mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, mode)
}

func (f *fakeMetrics) RecordRetrievalEmpty(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.empty++
}

func (f *fakeMetrics) RecordFallback(_ context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, reason)
}

func (f *fakeMetrics) RecordStageDuration(_ context.Context, stage, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageDur = append(f.stageDur, stage+"/"+outcome)
}

func (f *fakeMetrics) RecordStageRetry(_ context.Context, stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageRet = append(f.stageRet, stage)
}

func (f *fakeMetrics) RecordStageFailure(_ context.Context, stage, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageFail = append(f.stageFail, stage+"/"+reason)
}

func (f *fakeMetrics) durations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.stageDur...)
}

func (f *fakeMetrics) retries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.stageRet...)
}

func (f *fakeMetrics) failures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.stageFail...)
}

// callLog records the order in which backends are called.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}

	return n
}

// mockEmbedder is a mock implementation of Embedder for testing.
type mockEmbedder struct {
	log       *callLog
	embedFunc func(ctx context.Context, texts []string) ([]models.EmbeddingVector, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]models.EmbeddingVector, error) {
	m.log.add("embed")
	if m.embedFunc != nil {
		return m.embedFunc(ctx, texts)
	}

	out := make([]models.EmbeddingVector, len(texts))
	for i := range texts {
		out[i] = models.EmbeddingVector{Values: []float32{1, 0}, Model: "test"}
	}

	return out, nil
}

// mockRetriever is a mock implementation of Retriever for testing.
type mockRetriever struct {
	log          *callLog
	retrieveFunc func(ctx context.Context, vecs []models.EmbeddingVector, topK int, minScore float64) ([]models.RetrievedChunk, error)
}

func (m *mockRetriever) RetrieveAll(
	ctx context.Context, vecs []models.EmbeddingVector, topK int, minScore float64,
) ([]models.RetrievedChunk, error) {
	m.log.add("retrieve")

	return m.retrieveFunc(ctx, vecs, topK, minScore)
}

// mockGenBackend is a mock implementation of generation.Backend for testing.
type mockGenBackend struct {
	log          *callLog
	generateFunc func(ctx context.Context, prompt generation.Prompt) (string, error)
}

func (m *mockGenBackend) Generate(ctx context.Context, prompt generation.Prompt) (string, error) {
	m.log.add("generate")
	if m.generateFunc != nil {
		return m.generateFunc(ctx, prompt)
	}

	return "## Immediate Action\n**Cool** the burn under running water.", nil
}

// brokenFallbackGenerator cannot produce a fallback answer.
type brokenFallbackGenerator struct {
	*generation.Generator
}

func (brokenFallbackGenerator) Fallback() (string, error) {
	return "", generation.ErrEmptyFallback
}

func chunksWithScores(scores ...float64) []models.RetrievedChunk {
	out := make([]models.RetrievedChunk, len(scores))
	for i, s := range scores {
		out[i] = models.RetrievedChunk{
			ID:       fmt.Sprintf("chunk-%02d", i),
			Text:     fmt.Sprintf("passage %d", i),
			Citation: fmt.Sprintf("First Aid Manual, section %d", i+1),
			Score:    s,
		}
	}

	return out
}

type harness struct {
	log       *callLog
	embedder  *mockEmbedder
	retriever *mockRetriever
	backend   *mockGenBackend
	metrics   *fakeMetrics
	generator ResponseGenerator
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := &callLog{}
	h := &harness{
		log:      log,
		embedder: &mockEmbedder{log: log},
		retriever: &mockRetriever{log: log, retrieveFunc: func(context.Context, []models.EmbeddingVector, int, float64) ([]models.RetrievedChunk, error) {
			return chunksWithScores(0.92, 0.85, 0.8), nil
		}},
		backend: &mockGenBackend{log: log},
		metrics: &fakeMetrics{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	gen, err := generation.NewGenerator(generation.GeneratorParams{Backend: h.backend})
	require.NoError(t, err)

	h.generator = gen

	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()

	p, err := New(Params{
		Processor: query.NewProcessor(query.Options{ContextTurns: 6}),
		Embedder:  h.embedder,
		Retriever: h.retriever,
		Generator: h.generator,
		Scorer:    confidence.Scorer{},
		Policies:  DefaultPolicies(),
		Metrics:   h.metrics,
	}, WithSleep(noSleep), WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)

	return p
}

func assertFallback(t *testing.T, result *models.PipelineResult) {
	t.Helper()

	require.NotNil(t, result)
	assert.Equal(t, models.ModeFallback, result.Mode)
	assert.Equal(t, generation.FallbackMessage, result.Answer)
	assert.NotNil(t, result.Citations)
	assert.Empty(t, result.Citations)
	assert.LessOrEqual(t, result.Confidence.Score, 20.0)
	assert.Equal(t, models.LabelLow, result.Confidence.Label)
}

func TestNew_RequiresCapabilities(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)
}

func TestHandle_GroundedAnswer(t *testing.T) {
	h := newHarness(t)
	history := []models.ConversationTurn{
		{Role: models.RoleUser, Content: "my hand touched the stove"},
		{Role: models.RoleAssistant, Content: "Is the skin blistered?"},
	}

	result, err := h.pipeline(t).Handle(context.Background(),
		models.Query{Text: "How do I treat a burn?", ConversationID: "conv-1"}, history)
	require.NoError(t, err)

	assert.Equal(t, models.ModeGrounded, result.Mode)
	assert.Equal(t, "Immediate Action\nCool the burn under running water.", result.Answer)
	assert.Len(t, result.Citations, 3)
	assert.Equal(t, "chunk-00", result.Citations[0].ID)
	assert.GreaterOrEqual(t, result.Confidence.Score, 80.0)
	assert.Equal(t, models.LabelHigh, result.Confidence.Label)
	assert.Equal(t, confidence.Version, result.Confidence.Version)
	assert.Equal(t, "conv-1", result.ConversationID)
	assert.Equal(t, h.now, result.Timestamp)

	require.Len(t, result.Turns, 2)
	assert.Equal(t, models.RoleUser, result.Turns[0].Role)
	assert.Equal(t, "How do I treat a burn?", result.Turns[0].Content)
	assert.Equal(t, models.RoleAssistant, result.Turns[1].Role)
	assert.Equal(t, result.Answer, result.Turns[1].Content)
	require.NotNil(t, result.Turns[1].Confidence)
	assert.InDelta(t, result.Confidence.Score, *result.Turns[1].Confidence, 1e-9)

	assert.Equal(t, []string{"embed", "retrieve", "generate"}, h.log.calls)
	assert.Equal(t, []string{"grounded"}, h.metrics.handled)
	assert.Empty(t, h.metrics.fallbacks)
}

func TestHandle_PassesPreparedQueryToStages(t *testing.T) {
	h := newHarness(t)

	var gotTexts []string

	h.embedder.embedFunc = func(_ context.Context, texts []string) ([]models.EmbeddingVector, error) {
		gotTexts = texts

		return []models.EmbeddingVector{{Values: []float32{1}}, {Values: []float32{1}}, {Values: []float32{1}}}, nil
	}

	var (
		gotTopK   int
		gotMin    float64
		gotVecs   int
		gotPrompt generation.Prompt
	)

	h.retriever.retrieveFunc = func(_ context.Context, vecs []models.EmbeddingVector, topK int, minScore float64) ([]models.RetrievedChunk, error) {
		gotVecs, gotTopK, gotMin = len(vecs), topK, minScore

		return chunksWithScores(0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9), nil
	}
	h.backend.generateFunc = func(_ context.Context, prompt generation.Prompt) (string, error) {
		gotPrompt = prompt

		return "Apply pressure.", nil
	}

	minScore := 0.5
	result, err := h.pipeline(t).Handle(context.Background(),
		models.Query{Text: "Severe BLEEDING from a cut!", TopK: 7, MinScore: &minScore}, nil)
	require.NoError(t, err)

	assert.Equal(t, "severe bleeding from a cut", gotTexts[0])
	assert.Len(t, gotTexts, 3)
	assert.Equal(t, 3, gotVecs)
	assert.Equal(t, 7, gotTopK)
	assert.InDelta(t, 0.5, gotMin, 1e-9)
	assert.True(t, result.Emergency)

	require.NotEmpty(t, gotPrompt.Messages)
	assert.Contains(t, gotPrompt.Messages[len(gotPrompt.Messages)-1].Content, "Question: Severe BLEEDING from a cut!")
	assert.Len(t, result.Citations, generation.DefaultMaxPromptChunks)
}

func TestHandle_InvalidQueryBeforeBackendCalls(t *testing.T) {
	tests := []struct {
		name  string
		query models.Query
	}{
		{"empty", models.Query{Text: "   "}},
		{"too long", models.Query{Text: strings.Repeat("a", 2001)}},
		{"bad top_k", models.Query{Text: "burn", TopK: -3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			result, err := h.pipeline(t).Handle(context.Background(), tt.query, nil)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, aiderrors.ErrInvalidQuery)
			assert.Empty(t, h.log.calls)
		})
	}
}

func TestHandle_EmptyRetrievalFallsBack(t *testing.T) {
	h := newHarness(t)
	h.retriever.retrieveFunc = func(context.Context, []models.EmbeddingVector, int, float64) ([]models.RetrievedChunk, error) {
		return []models.RetrievedChunk{}, nil
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "best pizza recipe"}, nil)
	require.NoError(t, err)

	assertFallback(t, result)
	assert.Zero(t, h.log.count("generate"))
	assert.Equal(t, 1, h.metrics.empty)
	assert.Equal(t, []string{ReasonRetrievalEmpty}, h.metrics.fallbacks)
	assert.Equal(t, []string{"fallback"}, h.metrics.handled)
}

func TestHandle_EmbeddingUnavailableEveryAttempt(t *testing.T) {
	h := newHarness(t)
	h.embedder.embedFunc = func(context.Context, []string) ([]models.EmbeddingVector, error) {
		return nil, aiderrors.NewEmbeddingUnavailableError(errors.New("connection refused"))
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "How to treat a sprain"}, nil)
	require.NoError(t, err)

	assertFallback(t, result)
	assert.Equal(t, 1+DefaultMaxRetries, h.log.count("embed"))
	assert.Zero(t, h.log.count("retrieve"))
	assert.Zero(t, h.log.count("generate"))
	assert.Equal(t, []string{ReasonEmbeddingUnavailable}, h.metrics.fallbacks)
}

func TestHandle_RetrievalUnavailableFallsBack(t *testing.T) {
	h := newHarness(t)
	h.retriever.retrieveFunc = func(context.Context, []models.EmbeddingVector, int, float64) ([]models.RetrievedChunk, error) {
		return nil, aiderrors.NewRetrievalUnavailableError(errors.New("index offline"))
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "nosebleed"}, nil)
	require.NoError(t, err)

	assertFallback(t, result)
	assert.Equal(t, 1+DefaultMaxRetries, h.log.count("retrieve"))
	assert.Equal(t, []string{ReasonRetrievalUnavailable}, h.metrics.fallbacks)
}

func TestHandle_GenerationRecoversOnRetry(t *testing.T) {
	h := newHarness(t)
	attempts := 0
	h.backend.generateFunc = func(context.Context, generation.Prompt) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("429 too many requests")
		}

		return "Rinse with cool water.", nil
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "minor burn"}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ModeGrounded, result.Mode)
	assert.Equal(t, "Rinse with cool water.", result.Answer)
	assert.Equal(t, []string{StageGeneration}, h.metrics.retries())
}

func TestHandle_GenerationDegradedFallsBack(t *testing.T) {
	h := newHarness(t)
	h.backend.generateFunc = func(context.Context, generation.Prompt) (string, error) {
		return "", errors.New("upstream 500")
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "minor burn"}, nil)
	require.NoError(t, err)

	assertFallback(t, result)
	assert.Equal(t, 1+DefaultMaxRetries, h.log.count("generate"))
	assert.Equal(t, []string{ReasonGenerationUnavailable}, h.metrics.fallbacks)
}

func TestHandle_ParseFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.backend.generateFunc = func(context.Context, generation.Prompt) (string, error) {
		return "## \n\n", nil
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "minor burn"}, nil)
	require.NoError(t, err)

	assertFallback(t, result)
	assert.Equal(t, []string{ReasonParseFailure}, h.metrics.fallbacks)
}

func TestHandle_EmergencyFlagSurvivesFallback(t *testing.T) {
	h := newHarness(t)
	h.retriever.retrieveFunc = func(context.Context, []models.EmbeddingVector, int, float64) ([]models.RetrievedChunk, error) {
		return nil, nil
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "he is unconscious"}, nil)
	require.NoError(t, err)

	assertFallback(t, result)
	assert.True(t, result.Emergency)
}

func TestHandle_CallerCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.embedder.embedFunc = func(ctx context.Context, _ []string) ([]models.EmbeddingVector, error) {
		cancel()

		return nil, aiderrors.NewEmbeddingUnavailableError(ctx.Err())
	}

	result, err := h.pipeline(t).Handle(ctx, models.Query{Text: "burn"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
	assert.Zero(t, h.log.count("retrieve"))
	assert.Empty(t, h.metrics.handled)
}

func TestHandle_PipelineExhausted(t *testing.T) {
	h := newHarness(t)
	h.generator = brokenFallbackGenerator{Generator: h.generator.(*generation.Generator)}
	h.embedder.embedFunc = func(context.Context, []string) ([]models.EmbeddingVector, error) {
		return nil, aiderrors.NewEmbeddingUnavailableError(errors.New("down"))
	}

	result, err := h.pipeline(t).Handle(context.Background(), models.Query{Text: "burn"}, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, aiderrors.ErrPipelineExhausted)
	assert.Equal(t, generation.EmergencyDisclaimer, err.Error())
}

func TestHandle_ConcurrentQueries(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	var wg sync.WaitGroup

	results := make([]*models.PipelineResult, 16)
	errs := make([]error, 16)

	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = p.Handle(context.Background(), models.Query{Text: fmt.Sprintf("burn %d", i)}, nil)
		}(i)
	}

	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.ModeGrounded, results[i].Mode)
	}
}

// cprIndex is a first-aid corpus where only the CPR passage is a strong match.
type cprIndex struct{}

func (cprIndex) Search(context.Context, models.EmbeddingVector, int, float64) ([]models.RetrievedChunk, error) {
	return []models.RetrievedChunk{
		{ID: "recovery-position", Text: "Roll the person onto their side.", Citation: "Manual p.30", Score: 0.70},
		{ID: "cpr-adults", Text: "Push hard and fast in the centre of the chest.", Citation: "Manual p.12", Score: 0.92},
		{ID: "sprains", Text: "Rest, ice, compression, elevation.", Citation: "Manual p.51", Score: 0.41},
	}, nil
}

func TestHandle_CPRQueryWithRealStages(t *testing.T) {
	log := &callLog{}
	gen, err := generation.NewGenerator(generation.GeneratorParams{Backend: &mockGenBackend{log: log}})
	require.NoError(t, err)

	p, err := New(Params{
		Processor: query.NewProcessor(query.Options{}),
		Embedder:  &mockEmbedder{log: log},
		Retriever: retrieval.NewRetriever(cprIndex{}, nil),
		Generator: gen,
		Scorer:    confidence.Scorer{},
	}, WithSleep(noSleep))
	require.NoError(t, err)

	minScore := 0.6
	result, err := p.Handle(context.Background(),
		models.Query{Text: "CPR procedure for adults", TopK: 10, MinScore: &minScore}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ModeGrounded, result.Mode)
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, "cpr-adults", result.Citations[0].ID)
	assert.Len(t, result.Citations, 2, "passages under min_score are not cited")
	assert.GreaterOrEqual(t, result.Confidence.Score, 80.0)
	assert.Equal(t, models.LabelHigh, result.Confidence.Label)
}

package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend is a mock implementation of Backend for testing.
type mockBackend struct {
	generateFunc func(ctx context.Context, prompt Prompt) (string, error)
	prompts      []Prompt
}

func (m *mockBackend) Generate(ctx context.Context, prompt Prompt) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, prompt)
	}

	return "ok", nil
}

func newTestGenerator(t *testing.T, backend Backend, maxChunks int) *Generator {
	t.Helper()

	g, err := NewGenerator(GeneratorParams{Backend: backend, MaxPromptChunks: maxChunks})
	require.NoError(t, err)

	return g
}

func makeChunks(n int) []models.RetrievedChunk {
	out := make([]models.RetrievedChunk, n)
	for i := range out {
		out[i] = models.RetrievedChunk{
			ID:       fmt.Sprintf("chunk-%d", i),
			Text:     fmt.Sprintf("passage %d", i),
			Citation: fmt.Sprintf("Red Cross Manual p.%d", i+1),
			Score:    0.9 - float64(i)*0.01,
		}
	}

	return out
}

func TestNewGenerator_RequiresBackend(t *testing.T) {
	_, err := NewGenerator(GeneratorParams{})
	assert.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	g := newTestGenerator(t, &mockBackend{}, 0)
	pq := models.PreparedQuery{
		Original:   "How do I treat a burn?",
		Normalized: "how do i treat a burn",
		Context: []models.ConversationTurn{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
		},
	}

	prompt, included := g.BuildPrompt(pq, makeChunks(7))

	t.Run("caps included chunks", func(t *testing.T) {
		require.Len(t, included, DefaultMaxPromptChunks)
		assert.Equal(t, "chunk-0", included[0].ID)
		assert.Equal(t, "chunk-4", included[4].ID)
	})

	t.Run("system prompt and parameters", func(t *testing.T) {
		assert.Equal(t, SystemPrompt, prompt.System)
		assert.InDelta(t, DefaultTemperature, prompt.Temperature, 1e-9)
		assert.Equal(t, DefaultMaxTokens, prompt.MaxTokens)
	})

	t.Run("history precedes the question", func(t *testing.T) {
		require.Len(t, prompt.Messages, 3)
		assert.Equal(t, Message{Role: models.RoleUser, Content: "hi"}, prompt.Messages[0])
		assert.Equal(t, Message{Role: models.RoleAssistant, Content: "hello"}, prompt.Messages[1])
		assert.Equal(t, models.RoleUser, prompt.Messages[2].Role)
	})

	t.Run("question message renders sources", func(t *testing.T) {
		user := prompt.Messages[2].Content

		assert.Contains(t, user, "Question: How do I treat a burn?\n\n")
		assert.Contains(t, user, "Source 1 (Red Cross Manual p.1):\npassage 0")
		assert.Contains(t, user, "passage 0\n\n---\n\nSource 2 (Red Cross Manual p.2):\npassage 1")
		assert.Contains(t, user, "Source 5 (Red Cross Manual p.5)")
		assert.NotContains(t, user, "Source 6")
		assert.NotContains(t, user, emergencyInstruction)
		assert.True(t, strings.HasSuffix(user, "following the response format."))
	})
}

func TestBuildPrompt_EmergencyAndUnknownCitation(t *testing.T) {
	g := newTestGenerator(t, &mockBackend{}, 2)
	chunks := []models.RetrievedChunk{{ID: "a", Text: "press firmly", Score: 0.8}}

	prompt, included := g.BuildPrompt(models.PreparedQuery{Original: "severe bleeding", Emergency: true}, chunks)

	require.Len(t, prompt.Messages, 1)
	assert.Contains(t, prompt.Messages[0].Content, "Source 1 (Unknown):\npress firmly")
	assert.Contains(t, prompt.Messages[0].Content, emergencyInstruction)
	assert.Equal(t, chunks, included)
}

func TestBuildPrompt_IncludedIsACopy(t *testing.T) {
	g := newTestGenerator(t, &mockBackend{}, 0)
	chunks := makeChunks(2)

	_, included := g.BuildPrompt(models.PreparedQuery{Original: "q"}, chunks)
	included[0].ID = "changed"

	assert.Equal(t, "chunk-0", chunks[0].ID)
}

func TestComplete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		backend := &mockBackend{generateFunc: func(context.Context, Prompt) (string, error) {
			return "## Step 1", nil
		}}
		g := newTestGenerator(t, backend, 0)

		raw, err := g.Complete(context.Background(), Prompt{System: "s"})
		require.NoError(t, err)
		assert.Equal(t, "## Step 1", raw)
		require.Len(t, backend.prompts, 1)
	})

	t.Run("backend failure is GenerationUnavailable", func(t *testing.T) {
		backend := &mockBackend{generateFunc: func(context.Context, Prompt) (string, error) {
			return "", errors.New("503 from upstream")
		}}
		g := newTestGenerator(t, backend, 0)

		_, err := g.Complete(context.Background(), Prompt{})
		require.Error(t, err)
		assert.ErrorIs(t, err, aiderrors.ErrGenerationUnavailable)
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		backend := &mockBackend{generateFunc: func(ctx context.Context, _ Prompt) (string, error) {
			return "", ctx.Err()
		}}
		g := newTestGenerator(t, backend, 0)

		_, err := g.Complete(ctx, Prompt{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, aiderrors.ErrGenerationUnavailable)
	})
}

func TestParse(t *testing.T) {
	g := newTestGenerator(t, &mockBackend{}, 0)
	included := makeChunks(2)

	outcome := g.Parse("**Call 911**", included)
	parsed, ok := outcome.(Parsed)
	require.True(t, ok)
	assert.Equal(t, "Call 911", parsed.Text)
	assert.Equal(t, included, parsed.Citations)

	outcome = g.Parse("  \n\n ", included)
	failure, ok := outcome.(ParseFailure)
	require.True(t, ok)
	assert.NotEmpty(t, failure.Reason)
}

func TestFallback(t *testing.T) {
	g := newTestGenerator(t, &mockBackend{}, 0)

	msg, err := g.Fallback()
	require.NoError(t, err)
	assert.Equal(t, FallbackMessage, msg)
	assert.Contains(t, msg, EmergencyDisclaimer)

	custom, err := NewGenerator(GeneratorParams{Backend: &mockBackend{}, FallbackMessage: "Call for help."})
	require.NoError(t, err)

	msg, err = custom.Fallback()
	require.NoError(t, err)
	assert.Equal(t, "Call for help.", msg)

	blank, err := NewGenerator(GeneratorParams{Backend: &mockBackend{}, FallbackMessage: "   "})
	require.NoError(t, err)

	_, err = blank.Fallback()
	assert.ErrorIs(t, err, ErrEmptyFallback)
}

package query

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func turns(n int) []models.ConversationTurn {
	out := make([]models.ConversationTurn, n)
	for i := range out {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}

		out[i] = models.ConversationTurn{
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			Timestamp: time.Unix(int64(i), 0),
		}
	}

	return out
}

func TestPrepare_Normalization(t *testing.T) {
	p := NewProcessor(Options{DisableExpansion: true})

	got, err := p.Prepare(models.Query{Text: "  How do I treat a   BURN??  "}, nil)
	require.NoError(t, err)

	assert.Equal(t, "How do I treat a BURN??", got.Original)
	assert.Equal(t, "how do i treat a burn", got.Normalized)
	assert.Equal(t, []string{"how do i treat a burn"}, got.Variants)
	assert.Equal(t, models.DefaultTopK, got.TopK)
	assert.InDelta(t, models.DefaultMinScore, got.MinScore, 1e-9)
	assert.Empty(t, got.Context)
}

func TestPrepare_InvalidQuery(t *testing.T) {
	p := NewProcessor(Options{MaxLength: 20})

	tests := []struct {
		name    string
		query   models.Query
		history []models.ConversationTurn
		field   string
	}{
		{name: "empty", query: models.Query{Text: ""}, field: "query"},
		{name: "whitespace only", query: models.Query{Text: " \t\n "}, field: "query"},
		{name: "punctuation only", query: models.Query{Text: "?!?"}, field: "query"},
		{name: "too long", query: models.Query{Text: strings.Repeat("a", 21)}, field: "query"},
		{name: "negative top_k", query: models.Query{Text: "burn", TopK: -1}, field: "top_k"},
		{name: "top_k above max", query: models.Query{Text: "burn", TopK: models.MaxTopK + 1}, field: "top_k"},
		{name: "min_score below zero", query: models.Query{Text: "burn", MinScore: floatPtr(-0.1)}, field: "min_score"},
		{name: "min_score above one", query: models.Query{Text: "burn", MinScore: floatPtr(1.5)}, field: "min_score"},
		{
			name:    "unknown history role",
			query:   models.Query{Text: "burn"},
			history: []models.ConversationTurn{{Role: "system", Content: "x"}},
			field:   "history",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Prepare(tt.query, tt.history)
			require.Error(t, err)
			assert.ErrorIs(t, err, aiderrors.ErrInvalidQuery)

			var invalid *aiderrors.InvalidQueryError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestPrepare_LengthCountsRunes(t *testing.T) {
	p := NewProcessor(Options{MaxLength: 5})

	_, err := p.Prepare(models.Query{Text: "ñññññ"}, nil)
	assert.NoError(t, err)
}

func TestPrepare_ExplicitRetrievalParameters(t *testing.T) {
	p := NewProcessor(Options{})

	got, err := p.Prepare(models.Query{Text: "sprain", TopK: 3, MinScore: floatPtr(0)}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, got.TopK)
	assert.InDelta(t, 0.0, got.MinScore, 1e-9)
}

func TestPrepare_ContextWindow(t *testing.T) {
	history := turns(10)

	t.Run("keeps most recent turns oldest first", func(t *testing.T) {
		p := NewProcessor(Options{ContextTurns: 6})

		got, err := p.Prepare(models.Query{Text: "and then?"}, history)
		require.NoError(t, err)

		require.Len(t, got.Context, 6)
		assert.Equal(t, "turn 4", got.Context[0].Content)
		assert.Equal(t, "turn 9", got.Context[5].Content)
	})

	t.Run("short history is kept whole", func(t *testing.T) {
		p := NewProcessor(Options{ContextTurns: 6})

		got, err := p.Prepare(models.Query{Text: "and then?"}, history[:2])
		require.NoError(t, err)
		assert.Equal(t, history[:2], got.Context)
	})

	t.Run("zero disables history", func(t *testing.T) {
		p := NewProcessor(Options{ContextTurns: 0})

		got, err := p.Prepare(models.Query{Text: "and then?"}, history)
		require.NoError(t, err)
		assert.Empty(t, got.Context)
	})

	t.Run("window does not alias caller slice", func(t *testing.T) {
		p := NewProcessor(Options{ContextTurns: 6})
		input := turns(3)

		got, err := p.Prepare(models.Query{Text: "and then?"}, input)
		require.NoError(t, err)

		got.Context[0].Content = "changed"
		assert.Equal(t, "turn 0", input[0].Content)
	})
}

func TestPrepare_Expansion(t *testing.T) {
	t.Run("adds synonym variants up to the cap", func(t *testing.T) {
		p := NewProcessor(Options{MaxVariants: 3})

		got, err := p.Prepare(models.Query{Text: "What to do for a burn?"}, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"what to do for a burn",
			"what to do for a scald",
			"what to do for a thermal injury",
		}, got.Variants)
	})

	t.Run("terms are visited in sorted order", func(t *testing.T) {
		p := NewProcessor(Options{
			MaxVariants: 10,
			Synonyms: map[string][]string{
				"snake": {"serpent"},
				"bite":  {"sting"},
			},
		})

		got, err := p.Prepare(models.Query{Text: "snake bite"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"snake bite", "snake sting", "serpent bite"}, got.Variants)
	})

	t.Run("duplicates are removed", func(t *testing.T) {
		p := NewProcessor(Options{
			MaxVariants: 10,
			Synonyms:    map[string][]string{"cut": {"cut", "wound", "wound"}},
		})

		got, err := p.Prepare(models.Query{Text: "deep cut"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"deep cut", "deep wound"}, got.Variants)
	})

	t.Run("no matching terms yields only the query", func(t *testing.T) {
		p := NewProcessor(Options{})

		got, err := p.Prepare(models.Query{Text: "sprained ankle"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"sprained ankle"}, got.Variants)
	})

	t.Run("terms inside longer words are not expanded", func(t *testing.T) {
		p := NewProcessor(Options{MaxVariants: 10})

		for _, text := range []string{"wheat allergy rash", "how to treat sunburn", "coldness in fingers"} {
			got, err := p.Prepare(models.Query{Text: text}, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{text}, got.Variants, text)
		}
	})

	t.Run("whole word replaced wherever it appears", func(t *testing.T) {
		p := NewProcessor(Options{
			MaxVariants: 10,
			Synonyms:    map[string][]string{"burn": {"scald"}},
		})

		got, err := p.Prepare(models.Query{Text: "burn on a sunburn"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"burn on a sunburn", "scald on a sunburn"}, got.Variants)
	})

	t.Run("disabled", func(t *testing.T) {
		p := NewProcessor(Options{DisableExpansion: true})

		got, err := p.Prepare(models.Query{Text: "burn"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"burn"}, got.Variants)
	})
}

func TestPrepare_Emergency(t *testing.T) {
	p := NewProcessor(Options{})

	tests := []struct {
		query string
		want  bool
	}{
		{"My friend is UNCONSCIOUS", true},
		{"child is choking on a grape", true},
		{"he is not breathing!", true},
		{"how to clean a small scrape", false},
		{"strokes of a paddle gave me blisters", false},
		{"unconsciously scratched a bite", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := p.Prepare(models.Query{Text: tt.query}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Emergency)
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello?", "hello"},
		{"  a\t\tb  ", "a b"},
		{"What?!?!", "what"},
		{"keep. period.", "keep. period."},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

// Package query validates and normalizes user questions before retrieval.
package query

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
)

// Defaults used when Options leaves a field unset.
const (
	DefaultMaxLength    = 2000
	DefaultContextTurns = 6
	DefaultMaxVariants  = 3
)

var trailingPunctuation = regexp.MustCompile(`[?!]+$`)

// Options configures a Processor.
type Options struct {
	MaxLength int
	// ContextTurns of 0 disables history; a negative value selects DefaultContextTurns.
	ContextTurns int
	// MaxVariants caps the expansion, counting the normalized query itself.
	MaxVariants      int
	DisableExpansion bool
	Synonyms         map[string][]string
	EmergencyTerms   []string
	Logger           *slog.Logger
}

// Processor turns a raw Query plus history into a PreparedQuery. It holds no per-request state.
type Processor struct {
	maxLength    int
	contextTurns int
	maxVariants  int
	expand       bool
	terms        []string
	synonyms     map[string][]string
	emergency    []string
	patterns     map[string]*regexp.Regexp
	logger       *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		maxLength:    opts.MaxLength,
		contextTurns: opts.ContextTurns,
		maxVariants:  opts.MaxVariants,
		expand:       !opts.DisableExpansion,
		synonyms:     opts.Synonyms,
		emergency:    opts.EmergencyTerms,
		logger:       opts.Logger,
	}

	if p.maxLength <= 0 {
		p.maxLength = DefaultMaxLength
	}

	if p.contextTurns < 0 {
		p.contextTurns = DefaultContextTurns
	}

	if p.maxVariants <= 0 {
		p.maxVariants = DefaultMaxVariants
	}

	if p.synonyms == nil {
		p.synonyms = MedicalSynonyms
	}

	if p.emergency == nil {
		p.emergency = EmergencyKeywords
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.patterns = make(map[string]*regexp.Regexp, len(p.synonyms)+len(p.emergency))

	for term := range p.synonyms {
		p.terms = append(p.terms, term)
		p.patterns[term] = wordPattern(term)
	}

	for _, keyword := range p.emergency {
		p.patterns[keyword] = wordPattern(keyword)
	}

	slices.Sort(p.terms)

	return p
}

// Prepare validates q and history and returns the normalized query, its variants and the context window.
// It fails only with InvalidQuery.
func (p *Processor) Prepare(q models.Query, history []models.ConversationTurn) (models.PreparedQuery, error) {
	original := strings.Join(strings.Fields(q.Text), " ")
	normalized := Normalize(q.Text)

	if normalized == "" {
		return models.PreparedQuery{}, aiderrors.NewInvalidQueryError("query", "query is required and must be non-empty")
	}

	if n := utf8.RuneCountInString(original); n > p.maxLength {
		return models.PreparedQuery{}, aiderrors.NewInvalidQueryError("query",
			fmt.Sprintf("query is too long (%d characters, maximum %d)", n, p.maxLength))
	}

	if q.TopK < 0 || q.TopK > models.MaxTopK {
		return models.PreparedQuery{}, aiderrors.NewInvalidQueryError("top_k",
			fmt.Sprintf("top_k must be between 1 and %d", models.MaxTopK))
	}

	minScore := q.EffectiveMinScore()
	if math.IsNaN(minScore) || minScore < 0 || minScore > 1 {
		return models.PreparedQuery{}, aiderrors.NewInvalidQueryError("min_score", "min_score must be between 0 and 1")
	}

	for i, turn := range history {
		if !turn.Role.IsValid() {
			return models.PreparedQuery{}, aiderrors.NewInvalidQueryError("history",
				fmt.Sprintf("history[%d].role must be user or assistant", i))
		}
	}

	prepared := models.PreparedQuery{
		Original:   original,
		Normalized: normalized,
		Variants:   []string{normalized},
		Context:    p.window(history),
		TopK:       q.EffectiveTopK(),
		MinScore:   minScore,
		Emergency:  p.isEmergency(normalized),
	}

	if p.expand {
		prepared.Variants = p.expandQuery(normalized)
	}

	if prepared.Emergency {
		p.logger.Warn("query: emergency keywords detected", "variants", len(prepared.Variants))
	}

	return prepared, nil
}

// Normalize lower-cases text, collapses whitespace and strips trailing question and exclamation marks.
func Normalize(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))

	return strings.TrimSpace(trailingPunctuation.ReplaceAllString(text, ""))
}

// window returns the most recent contextTurns turns, oldest first. The returned slice is a copy.
func (p *Processor) window(history []models.ConversationTurn) []models.ConversationTurn {
	start := max(len(history)-p.contextTurns, 0)

	return slices.Clone(history[start:])
}

// expandQuery returns normalized followed by synonym substitutions, deduplicated and capped at maxVariants.
func (p *Processor) expandQuery(normalized string) []string {
	variants := []string{normalized}

	for _, term := range p.terms {
		pattern := p.patterns[term]
		if !pattern.MatchString(normalized) {
			continue
		}

		for _, syn := range p.synonyms[term] {
			if len(variants) >= p.maxVariants {
				return variants
			}

			expanded := pattern.ReplaceAllLiteralString(normalized, syn)
			if !slices.Contains(variants, expanded) {
				variants = append(variants, expanded)
			}
		}
	}

	return variants
}

func (p *Processor) isEmergency(normalized string) bool {
	for _, keyword := range p.emergency {
		if p.patterns[keyword].MatchString(normalized) {
			return true
		}
	}

	return false
}

// wordPattern matches term only where it is not part of a longer word.
func wordPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(term)) + `\b`)
}

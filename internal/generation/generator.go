// Package generation builds grounded prompts, calls a generative backend and parses its output.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
)

// Prompt defaults.
const (
	DefaultMaxPromptChunks = 5
	DefaultTemperature     = 0.3
	DefaultMaxTokens       = 2048
)

// EmergencyDisclaimer is shown whenever the assistant cannot give grounded guidance.
const EmergencyDisclaimer = "If this is a medical emergency, call your local emergency number (911/999) immediately."

// FallbackMessage is the fixed answer used in fallback mode.
const FallbackMessage = "I couldn't find reliable first aid information for your question.\n\n" +
	EmergencyDisclaimer + "\n\n" +
	"General First Aid Steps:\n" +
	"1. Make sure the scene is safe and check whether the person is responsive.\n" +
	"2. Call emergency services for severe pain, heavy bleeding, difficulty breathing or confusion.\n" +
	"3. Keep the person still and reassured until help arrives.\n" +
	"4. Monitor breathing and symptoms and avoid unnecessary movement.\n\n" +
	"Additional Notes:\n" +
	"This is general guidance only. If symptoms worsen or persist, seek professional medical advice."

// SystemPrompt instructs the model to answer only from the supplied passages in a fixed layout.
const SystemPrompt = `You are an expert first aid assistant with access to authoritative medical sources.
Answer only from the sources provided with each question.

Response Format:

WARNING: Immediate Action
[Critical first steps - include "CALL 911/999 IMMEDIATELY" for life-threatening situations]

Step-by-Step Instructions
1. [First action]
2. [Second action]
3. [Continue with clear steps]

When to Seek Medical Help
- [Warning sign 1]
- [Warning sign 2]

What NOT to Do
- [Avoid 1]
- [Avoid 2]

Additional Notes
[Important context, warnings, or tips]

Guidelines:
- Use simple, clear language
- Be specific and actionable
- Always prioritize safety
- Cite sources used
- If information is limited, say so clearly
- For emergencies, emphasize calling 911/999`

const emergencyInstruction = "This may be a life-threatening emergency. Start with the instruction to call emergency services."

const unknownSource = "Unknown"

// ErrEmptyFallback is returned when the configured fallback text is blank.
var ErrEmptyFallback = errors.New("generation: fallback message is empty")

// Backend is a generative language model.
type Backend interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// GeneratorParams configures a Generator. Zero values select the package defaults.
type GeneratorParams struct {
	Backend         Backend
	Parser          Parser
	MaxPromptChunks int
	Temperature     float64
	MaxTokens       int
	FallbackMessage string
	Logger          *slog.Logger
}

// Generator turns a prepared query and retrieved chunks into an answer. It never retries.
type Generator struct {
	backend     Backend
	parser      Parser
	maxChunks   int
	temperature float64
	maxTokens   int
	fallback    string
	logger      *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(p GeneratorParams) (*Generator, error) {
	if p.Backend == nil {
		return nil, errors.New("generation: backend is required")
	}

	g := &Generator{
		backend:     p.Backend,
		parser:      p.Parser,
		maxChunks:   p.MaxPromptChunks,
		temperature: p.Temperature,
		maxTokens:   p.MaxTokens,
		fallback:    p.FallbackMessage,
		logger:      p.Logger,
	}

	if g.parser == nil {
		g.parser = MarkdownParser{}
	}

	if g.maxChunks <= 0 {
		g.maxChunks = DefaultMaxPromptChunks
	}

	if g.temperature <= 0 {
		g.temperature = DefaultTemperature
	}

	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}

	if g.fallback == "" {
		g.fallback = FallbackMessage
	}

	if g.logger == nil {
		g.logger = slog.Default()
	}

	return g, nil
}

// BuildPrompt renders the grounded prompt for pq. It returns the prompt and the chunks it includes,
// which are exactly the citations of a grounded answer.
func (g *Generator) BuildPrompt(pq models.PreparedQuery, chunks []models.RetrievedChunk) (Prompt, []models.RetrievedChunk) {
	included := chunks[:min(len(chunks), g.maxChunks)]

	sources := make([]string, len(included))
	for i, chunk := range included {
		citation := chunk.Citation
		if citation == "" {
			citation = unknownSource
		}

		sources[i] = fmt.Sprintf("Source %d (%s):\n%s", i+1, citation, chunk.Text)
	}

	var user strings.Builder

	user.WriteString("Based on the following authoritative first aid information, answer this question:\n\n")
	fmt.Fprintf(&user, "Question: %s\n\n", pq.Original)
	fmt.Fprintf(&user, "Relevant Information:\n%s\n\n", strings.Join(sources, "\n\n---\n\n"))

	if pq.Emergency {
		user.WriteString(emergencyInstruction + "\n\n")
	}

	user.WriteString("Provide clear, actionable first aid guidance following the response format.")

	messages := make([]Message, 0, len(pq.Context)+1)
	for _, turn := range pq.Context {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}

	messages = append(messages, Message{Role: models.RoleUser, Content: user.String()})

	prompt := Prompt{
		System:      SystemPrompt,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}

	return prompt, append([]models.RetrievedChunk(nil), included...)
}

// Complete sends prompt to the backend once. Failures are GenerationUnavailable; caller
// cancellation is returned unchanged.
func (g *Generator) Complete(ctx context.Context, prompt Prompt) (string, error) {
	raw, err := g.backend.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", aiderrors.NewGenerationUnavailableError(err)
	}

	return raw, nil
}

// Parse runs the configured parser over raw output.
func (g *Generator) Parse(raw string, included []models.RetrievedChunk) ParseOutcome {
	outcome := g.parser.Parse(raw, included)
	if failure, ok := outcome.(ParseFailure); ok {
		g.logger.Warn("generation: could not parse model output", "reason", failure.Reason)
	}

	return outcome
}

// Fallback returns the fixed fallback answer.
func (g *Generator) Fallback() (string, error) {
	if strings.TrimSpace(g.fallback) == "" {
		return "", ErrEmptyFallback
	}

	return g.fallback, nil
}

package googleai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/models"
)

// ErrEmptyCompletion is returned when Gemini answers without any text.
var ErrEmptyCompletion = errors.New("googleai: empty completion")

// Generate sends the prompt to Gemini. Assistant turns map to the "model" role and the
// system instruction goes through GenerateContentConfig.
func (c *Client) Generate(ctx context.Context, prompt generation.Prompt) (string, error) {
	contents := make([]*genai.Content, 0, len(prompt.Messages))

	for _, m := range prompt.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}

		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(prompt.Temperature)),
	}

	if prompt.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}

	if prompt.MaxTokens > 0 && prompt.MaxTokens <= math.MaxInt32 {
		//nolint:gosec // G115: bounded above by math.MaxInt32
		cfg.MaxOutputTokens = int32(prompt.MaxTokens)
	}

	model := c.generateModel
	if model == "" {
		model = defaultGenerateModel
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}

	return text, nil
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/models"
)

// ErrNoChoiceInResponse is returned when a chat completion has no choices or empty content.
var ErrNoChoiceInResponse = errors.New("openai: no completion choice in response")

const defaultChatModel = "llama-3.3-70b-versatile"

// ChatClient generates answers through the chat completions API.
type ChatClient struct {
	sdk   openaisdk.Client
	model string
}

// NewChatClient creates a chat completions client. Use WithBaseURL for Groq or other compatible providers.
func NewChatClient(apiKey string, opts ...ClientOption) *ChatClient {
	settings := clientSettings{model: defaultChatModel}
	for _, opt := range opts {
		opt(&settings)
	}

	return &ChatClient{
		sdk:   newSDK(apiKey, settings),
		model: settings.model,
	}
}

// Generate sends prompt as a system message followed by its chat messages and returns the first choice.
func (c *ChatClient) Generate(ctx context.Context, prompt generation.Prompt) (string, error) {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, openaisdk.SystemMessage(prompt.System))
	}

	for _, m := range prompt.Messages {
		if m.Role == models.RoleAssistant {
			messages = append(messages, openaisdk.AssistantMessage(m.Content))

			continue
		}

		messages = append(messages, openaisdk.UserMessage(m.Content))
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(c.model),
		Messages:    messages,
		Temperature: param.NewOpt(prompt.Temperature),
	}
	if prompt.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(prompt.MaxTokens))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrNoChoiceInResponse
	}

	return resp.Choices[0].Message.Content, nil
}

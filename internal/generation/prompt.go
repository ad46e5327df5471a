package generation

import "github.com/firstaid/assistant/internal/models"

// Message is one chat message of a prompt.
type Message struct {
	Role    models.Role
	Content string
}

// Prompt is a backend-neutral chat prompt: a system instruction followed by ordered messages,
// the last of which is the user's question with the retrieved passages.
type Prompt struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

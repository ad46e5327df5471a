package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a conversation turn.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationTurn is one message in a conversation. Turns are append-only.
type ConversationTurn struct {
	Role       Role             `json:"role" validate:"required,conversation_role"`
	Content    string           `json:"content" validate:"no_null_bytes"`
	Citations  []RetrievedChunk `json:"citations,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Conversation is the persisted header of an authenticated user's conversation.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	LastQuery    string    `json:"last_query,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListConversationsFilters bounds a conversation listing.
type ListConversationsFilters struct {
	Limit int `form:"limit" validate:"omitempty,min=1,max=100"`
}

// ListTurnsFilters bounds a turn history listing.
type ListTurnsFilters struct {
	Limit int `form:"limit" validate:"omitempty,min=1,max=500"`
}

// RenameConversationRequest is the body of a conversation title update.
type RenameConversationRequest struct {
	Title string `json:"title" validate:"required,min=1,max=200,no_null_bytes"`
}

// ListConversationsResponse is the body returned by GET /v1/conversations.
type ListConversationsResponse struct {
	Data  []Conversation `json:"data"`
	Limit int            `json:"limit"`
}

// ListTurnsResponse is the body returned by GET /v1/conversations/{id}/turns.
type ListTurnsResponse struct {
	Data  []ConversationTurn `json:"data"`
	Limit int                `json:"limit"`
}

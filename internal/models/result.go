package models

import "time"

// AnswerMode tells whether an answer was grounded on retrieved passages or is the fixed fallback.
type AnswerMode string

// Answer modes.
const (
	ModeGrounded AnswerMode = "grounded"
	ModeFallback AnswerMode = "fallback"
)

// Confidence labels.
const (
	LabelHigh     = "High Confidence"
	LabelModerate = "Moderate Confidence"
	LabelLow      = "Low Confidence"
)

// Confidence is a 0-100 score, its label and the version of the mapping that produced it.
type Confidence struct {
	Score   float64 `json:"score"`
	Label   string  `json:"label"`
	Version string  `json:"version"`
}

// PipelineResult is the outcome of handling one query. Turns holds the user and assistant
// turns produced by this call so callers can persist or replay the conversation.
type PipelineResult struct {
	Answer         string             `json:"answer"`
	Citations      []RetrievedChunk   `json:"citations"`
	Confidence     Confidence         `json:"confidence"`
	Mode           AnswerMode         `json:"mode"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Emergency      bool               `json:"emergency"`
	Turns          []ConversationTurn `json:"turns"`
	Timestamp      time.Time          `json:"timestamp"`
}

package models

import "time"

// Default retrieval parameters applied when a Query leaves them unset.
const (
	DefaultTopK     = 10
	DefaultMinScore = 0.6
	MaxTopK         = 100
)

// Query is one user question as accepted by the pipeline. It is never mutated after acceptance.
type Query struct {
	Text           string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	MinScore       *float64 `json:"min_score,omitempty"`
}

// EffectiveTopK returns TopK or DefaultTopK when unset.
func (q Query) EffectiveTopK() int {
	if q.TopK == 0 {
		return DefaultTopK
	}

	return q.TopK
}

// EffectiveMinScore returns MinScore or DefaultMinScore when unset.
func (q Query) EffectiveMinScore() float64 {
	if q.MinScore == nil {
		return DefaultMinScore
	}

	return *q.MinScore
}

// PreparedQuery is the output of the query processor: the normalized text, its
// expansion variants and the trimmed conversation context.
type PreparedQuery struct {
	// Original is the whitespace-normalized query in the user's casing, used in the prompt.
	Original string
	// Normalized is lower-cased with trailing punctuation removed, used for embedding and matching.
	Normalized string
	// Variants always starts with Normalized.
	Variants  []string
	Context   []ConversationTurn
	TopK      int
	MinScore  float64
	Emergency bool
}

// EmbeddingVector is a dense vector tagged with the model that produced it.
type EmbeddingVector struct {
	Values []float32
	Model  string
}

// Dimensions returns the vector length.
func (v EmbeddingVector) Dimensions() int {
	return len(v.Values)
}

// RetrievedChunk is a corpus passage returned by the vector index with its similarity score in [0,1].
type RetrievedChunk struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Citation string  `json:"citation"`
	Title    string  `json:"title,omitempty"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

// CorpusChunk is a passage with its embedding, as written by the corpus loader.
type CorpusChunk struct {
	ID        string
	Text      string
	Citation  string
	Title     string
	Category  string
	Embedding EmbeddingVector
}

// QueryRequest is the body of POST /v1/query. History is honoured only for guests; authenticated
// callers get their history from the stored conversation.
type QueryRequest struct {
	Query          string             `json:"query" validate:"required,no_null_bytes"`
	ConversationID string             `json:"conversation_id,omitempty" validate:"omitempty,uuid"`
	TopK           int                `json:"top_k,omitempty"`
	MinScore       *float64           `json:"min_score,omitempty"`
	History        []ConversationTurn `json:"history,omitempty" validate:"omitempty,max=100,dive"`
}

// ToQuery returns the pipeline query described by the request.
func (r *QueryRequest) ToQuery() Query {
	return Query{
		Text:           r.Query,
		ConversationID: r.ConversationID,
		TopK:           r.TopK,
		MinScore:       r.MinScore,
	}
}

// Source is a cited passage as returned to API clients.
type Source struct {
	Text     string  `json:"text"`
	Citation string  `json:"citation"`
	Title    string  `json:"title,omitempty"`
	Score    float64 `json:"score"`
}

// QueryResponse is the body returned by POST /v1/query.
type QueryResponse struct {
	Response        string     `json:"response"`
	Sources         []Source   `json:"sources"`
	ConfidenceScore float64    `json:"confidence_score"`
	ConfidenceLabel string     `json:"confidence_label"`
	Mode            AnswerMode `json:"mode"`
	Emergency       bool       `json:"emergency"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// NewQueryResponse converts a pipeline result to its API shape.
func NewQueryResponse(result *PipelineResult) *QueryResponse {
	sources := make([]Source, len(result.Citations))
	for i, c := range result.Citations {
		sources[i] = Source{Text: c.Text, Citation: c.Citation, Title: c.Title, Score: c.Score}
	}

	return &QueryResponse{
		Response:        result.Answer,
		Sources:         sources,
		ConfidenceScore: result.Confidence.Score,
		ConfidenceLabel: result.Confidence.Label,
		Mode:            result.Mode,
		Emergency:       result.Emergency,
		ConversationID:  result.ConversationID,
		Timestamp:       result.Timestamp,
	}
}

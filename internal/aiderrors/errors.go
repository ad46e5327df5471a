// Package aiderrors provides sentinel and custom error types for the assistant.
package aiderrors

// ErrNotFound represents a "not found" error.
// Use when a requested conversation doesn't exist or belongs to another user.
var ErrNotFound = &NotFoundError{}

// NotFoundError is a sentinel error for resources that are not found.
type NotFoundError struct {
	Resource string
	Message  string
}

// NewNotFoundError creates a new NotFoundError with a custom message.
func NewNotFoundError(resource, message string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Message:  message,
	}
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Resource != "" {
		return e.Resource + " not found"
	}

	return "resource not found"
}

// Is implements the error interface for error comparison.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)

	return ok
}

// ErrInvalidQuery is the sentinel for queries rejected before any backend call.
var ErrInvalidQuery = &InvalidQueryError{}

// InvalidQueryError reports a malformed query. It is never retried.
type InvalidQueryError struct {
	Field   string
	Message string
}

// NewInvalidQueryError creates an InvalidQueryError for field.
func NewInvalidQueryError(field, message string) *InvalidQueryError {
	return &InvalidQueryError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *InvalidQueryError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "invalid query: " + e.Field
	}

	return "invalid query"
}

// Is implements the error interface for error comparison.
func (e *InvalidQueryError) Is(target error) bool {
	_, ok := target.(*InvalidQueryError)

	return ok
}

// ErrEmbeddingUnavailable is the sentinel for embedding backend failures.
var ErrEmbeddingUnavailable = &EmbeddingUnavailableError{}

// EmbeddingUnavailableError wraps a failed embedding backend call (unreachable, timeout, bad response).
type EmbeddingUnavailableError struct {
	Cause error
}

// NewEmbeddingUnavailableError wraps cause.
func NewEmbeddingUnavailableError(cause error) *EmbeddingUnavailableError {
	return &EmbeddingUnavailableError{Cause: cause}
}

// Error implements the error interface.
func (e *EmbeddingUnavailableError) Error() string {
	return unavailableMessage("embedding backend", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *EmbeddingUnavailableError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *EmbeddingUnavailableError) Is(target error) bool {
	_, ok := target.(*EmbeddingUnavailableError)

	return ok
}

// ErrRetrievalUnavailable is the sentinel for vector index failures.
var ErrRetrievalUnavailable = &RetrievalUnavailableError{}

// RetrievalUnavailableError wraps a failed vector index call. An empty result is not an error.
type RetrievalUnavailableError struct {
	Cause error
}

// NewRetrievalUnavailableError wraps cause.
func NewRetrievalUnavailableError(cause error) *RetrievalUnavailableError {
	return &RetrievalUnavailableError{Cause: cause}
}

// Error implements the error interface.
func (e *RetrievalUnavailableError) Error() string {
	return unavailableMessage("vector index", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *RetrievalUnavailableError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *RetrievalUnavailableError) Is(target error) bool {
	_, ok := target.(*RetrievalUnavailableError)

	return ok
}

// ErrGenerationUnavailable is the sentinel for generative backend failures.
var ErrGenerationUnavailable = &GenerationUnavailableError{}

// GenerationUnavailableError wraps a failed generative backend call.
type GenerationUnavailableError struct {
	Cause error
}

// NewGenerationUnavailableError wraps cause.
func NewGenerationUnavailableError(cause error) *GenerationUnavailableError {
	return &GenerationUnavailableError{Cause: cause}
}

// Error implements the error interface.
func (e *GenerationUnavailableError) Error() string {
	return unavailableMessage("generation backend", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *GenerationUnavailableError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *GenerationUnavailableError) Is(target error) bool {
	_, ok := target.(*GenerationUnavailableError)

	return ok
}

// ErrPipelineExhausted is the sentinel for the terminal pipeline failure.
var ErrPipelineExhausted = &PipelineExhaustedError{}

// PipelineExhaustedError is returned only when not even the fallback answer could be built.
// Disclaimer is safe to show to the end user.
type PipelineExhaustedError struct {
	Disclaimer string
	Cause      error
}

// NewPipelineExhaustedError creates a PipelineExhaustedError carrying disclaimer.
func NewPipelineExhaustedError(disclaimer string, cause error) *PipelineExhaustedError {
	return &PipelineExhaustedError{Disclaimer: disclaimer, Cause: cause}
}

// Error implements the error interface.
func (e *PipelineExhaustedError) Error() string {
	if e.Disclaimer != "" {
		return e.Disclaimer
	}

	return "pipeline exhausted"
}

// Unwrap returns the underlying cause.
func (e *PipelineExhaustedError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *PipelineExhaustedError) Is(target error) bool {
	_, ok := target.(*PipelineExhaustedError)

	return ok
}

func unavailableMessage(component string, cause error) string {
	if cause == nil {
		return component + " unavailable"
	}

	return component + " unavailable: " + cause.Error()
}

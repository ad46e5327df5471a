// Package validation provides request validation and custom validators.
package validation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/form/v4"
	"github.com/go-playground/validator/v10"

	"github.com/firstaid/assistant/internal/api/response"
	"github.com/firstaid/assistant/internal/models"
)

var (
	// validate and decoder are package-level singletons that are safe for concurrent
	// read-only access (validate.Struct() and decoder.Decode() are thread-safe).
	// All registrations MUST happen in init() only.
	validate *validator.Validate
	decoder  *form.Decoder
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	decoder = form.NewDecoder()

	// Report JSON field names (e.g. conversation_id) instead of Go field names.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		if name == "" {
			name, _, _ = strings.Cut(field.Tag.Get("form"), ",")
		}

		if name == "" {
			return field.Name
		}

		return name
	})

	if err := validate.RegisterValidation("no_null_bytes", validateNoNullBytes); err != nil {
		slog.Error("Failed to register no_null_bytes validator", "error", err)
	}

	if err := validate.RegisterValidation("conversation_role", validateConversationRole); err != nil {
		slog.Error("Failed to register conversation_role validator", "error", err)
	}
}

// ValidateStruct validates a struct using go-playground/validator
// Returns validation errors formatted as RFC 7807 Problem Details.
func ValidateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return formatValidationErrors(err)
	}

	return nil
}

// validationError keeps the validator errors so field details survive formatting.
type validationError struct {
	msg    string
	fields validator.ValidationErrors
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return e.fields }

// formatValidationErrors converts validator errors to a single readable message.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, formatFieldError(fieldError))
		}

		return &validationError{
			msg:    "validation failed: " + strings.Join(messages, "; "),
			fields: validationErrors,
		}
	}

	return err
}

// formatFieldError formats a single field validation error.
func formatFieldError(fieldError validator.FieldError) string {
	field := fieldError.Field()

	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fieldError.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fieldError.Param())
	case "uuid":
		return field + " must be a valid UUID"
	case "no_null_bytes":
		return field + " must not contain NULL bytes"
	case "conversation_role":
		return field + " must be one of: user, assistant"
	default:
		return field + " is invalid"
	}
}

// GetValidationErrorDetails extracts field-level error details from validation errors
// Returns a slice of ErrorDetail for RFC 7807 Problem Details.
func GetValidationErrorDetails(err error) []response.ErrorDetail {
	var details []response.ErrorDetail

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldError := range validationErrors {
			details = append(details, response.ErrorDetail{
				Location: fieldError.Namespace(),
				Message:  formatFieldError(fieldError),
			})
		}
	}

	return details
}

// RespondValidationError writes a validation error response with RFC 7807 Problem Details.
func RespondValidationError(w http.ResponseWriter, err error) {
	response.RespondProblem(w, response.ProblemDetails{
		Title:  "Validation Error",
		Status: http.StatusBadRequest,
		Detail: err.Error(),
		Errors: GetValidationErrorDetails(err),
	})
}

// DecodeQueryParams decodes URL query parameters into a struct.
func DecodeQueryParams(r *http.Request, dst any) error {
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		return fmt.Errorf("failed to decode query parameters: %w", err)
	}

	return nil
}

// ValidateAndDecodeQueryParams decodes and validates query parameters in one step.
func ValidateAndDecodeQueryParams(r *http.Request, dst any) error {
	if err := DecodeQueryParams(r, dst); err != nil {
		return err
	}

	return ValidateStruct(dst)
}

// validateConversationRole accepts the roles a conversation turn may have.
func validateConversationRole(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.String {
		return false
	}

	return models.Role(field.String()).IsValid()
}

// validateNoNullBytes checks that a string field does not contain NULL bytes
// Handles both string and *string types.
func validateNoNullBytes(fl validator.FieldLevel) bool {
	field := fl.Field()

	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return true
		}

		field = field.Elem()
	}

	if field.Kind() != reflect.String {
		return true
	}

	return !strings.Contains(field.String(), "\x00")
}

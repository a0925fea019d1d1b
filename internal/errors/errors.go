package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Error codes carried in the error_code extension of problem responses.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeTooManyAttempts  = "TOO_MANY_ATTEMPTS"
)

// APIError is an error raised by the HTTP layer itself, before a request
// reaches the license service.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message}
}

// NewWithDetails creates an APIError with a details payload.
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	e := New(statusCode, errorCode, message)
	e.Details = details
	return e
}

// ValidationError describes one rejected request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is the details payload of a failed validation.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// InvalidRequestWithError reports a body that could not be decoded.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// ErrValidation reports a single rejected field.
func ErrValidation(field, message string) *APIError {
	return NewValidationErrors([]ValidationError{{Field: field, Message: message}})
}

// NewValidationErrors reports every rejected field of a request.
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed",
		ValidationErrors{Errors: errs})
}

// TooManyAttempts reports a client locked out after failed validations.
func TooManyAttempts(retryAfterSeconds int) *APIError {
	return NewWithDetails(
		http.StatusTooManyRequests,
		CodeTooManyAttempts,
		fmt.Sprintf("Too many failed validations, retry in %d seconds", retryAfterSeconds),
		map[string]int{"retry_after": retryAfterSeconds},
	)
}

package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// Problem types served by the API
const (
	TypeValidation   = "/errors/validation"
	TypeBadRequest   = "/errors/bad-request"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeForbidden    = "/errors/forbidden"
	TypeMethod       = "/errors/method-not-allowed"
	TypeConflict     = "/errors/conflict"
	TypeRateLimit    = "/errors/rate-limit-exceeded"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
)

// License problem types
const (
	TypeLicenseNotFound     = "/errors/license/not-found"
	TypeLicenseRevoked      = "/errors/license/revoked"
	TypeLicenseExpired      = "/errors/license/expired"
	TypeLicenseDevice       = "/errors/license/device-mismatch"
	TypeLicenseAlreadyBound = "/errors/license/already-bound"
	TypeLicenseDuplicateKey = "/errors/license/duplicate-key"
	TypeLicenseIssueFailed  = "/errors/license/issue-failed"
	TypeLicenseStoreDown    = "/errors/license/store-unavailable"
	TypeLicenseInvalidInput = "/errors/license/invalid-input"
	TypeLicenseLockedOut    = "/errors/license/too-many-attempts"
	TypeWebSocketUpgrade    = "/errors/websocket/upgrade-failed"
)

const problemContentType = "application/problem+json"

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// ProblemFromStatus builds a generic problem for an HTTP status.
func ProblemFromStatus(status int, detail, traceID string) *ProblemDetails {
	var problemType string
	switch status {
	case http.StatusBadRequest:
		problemType = TypeBadRequest
	case http.StatusUnauthorized:
		problemType = TypeUnauthorized
	case http.StatusForbidden:
		problemType = TypeForbidden
	case http.StatusNotFound:
		problemType = TypeNotFound
	case http.StatusMethodNotAllowed:
		problemType = TypeMethod
	case http.StatusConflict:
		problemType = TypeConflict
	case http.StatusTooManyRequests:
		problemType = TypeRateLimit
	case http.StatusServiceUnavailable:
		problemType = TypeServiceDown
	case http.StatusGatewayTimeout:
		problemType = TypeTimeout
	default:
		problemType = TypeInternal
	}

	problem := NewProblemDetails(status, problemType, http.StatusText(status), detail, "")
	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	return problem
}

// WriteProblem writes a problem document without going through chi/render,
// for middleware that runs outside the render pipeline.
func WriteProblem(w http.ResponseWriter, problem *ProblemDetails) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

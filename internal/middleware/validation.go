package middleware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "licensesvc/internal/errors"
	"licensesvc/internal/license"
)

const defaultMaxBodySize = 64 * 1024

// RequestValidator decodes JSON request bodies and validates them against
// struct tags. Besides the stock tags it understands "licensekey" and
// "level".
type RequestValidator struct {
	validator   *validator.Validate
	logger      *slog.Logger
	levels      map[string]bool
	maxBodySize int64
}

// NewRequestValidator creates a validator that accepts the given
// subscription levels.
func NewRequestValidator(logger *slog.Logger, levels []string) *RequestValidator {
	rv := &RequestValidator{
		validator:   validator.New(),
		logger:      logger.With(slog.String("component", "request_validator")),
		levels:      make(map[string]bool, len(levels)),
		maxBodySize: defaultMaxBodySize,
	}
	for _, l := range levels {
		rv.levels[strings.ToLower(l)] = true
	}

	_ = rv.validator.RegisterValidation("licensekey", isLicenseKey)
	_ = rv.validator.RegisterValidation("level", rv.isLevel)

	// Use JSON tag names in error messages
	rv.validator.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return rv
}

// DecodeAndValidate reads the JSON body into v and validates it. An empty
// body decodes to the zero value. Errors are *apierrors.APIError.
func (rv *RequestValidator) DecodeAndValidate(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, rv.maxBodySize)
	if err := render.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierrors.NewWithDetails(
				http.StatusRequestEntityTooLarge,
				"PAYLOAD_TOO_LARGE",
				"Request body exceeds maximum allowed size",
				map[string]int64{"max_size": rv.maxBodySize},
			)
		}
		rv.logger.DebugContext(r.Context(), "failed to decode request body",
			slog.String("error", err.Error()))
		return apierrors.InvalidRequestWithError(err)
	}
	return rv.ValidateStruct(v)
}

// ValidateStruct validates a struct and returns validation errors
func (rv *RequestValidator) ValidateStruct(v interface{}) error {
	err := rv.validator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.InvalidRequestWithError(err)
	}

	validationErrors := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		validationErrors = append(validationErrors, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: rv.formatValidationError(fe),
		})
	}
	return apierrors.NewValidationErrors(validationErrors)
}

// ValidateVar validates a single value, such as a URL parameter.
func (rv *RequestValidator) ValidateVar(field string, value interface{}, tag string) error {
	err := rv.validator.Var(value, tag)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		msg := strings.TrimSpace(rv.formatValidationError(fieldErrs[0]))
		return apierrors.ErrValidation(field, field+" "+msg)
	}
	return apierrors.ErrValidation(field, err.Error())
}

// ContentTypeValidator ensures requests with a body declare an allowed content type
func ContentTypeValidator(contentTypes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			for _, allowed := range contentTypes {
				if strings.HasPrefix(contentType, allowed) {
					next.ServeHTTP(w, r)
					return
				}
			}

			problem := apierrors.ProblemFromStatus(
				http.StatusUnsupportedMediaType,
				fmt.Sprintf("Unsupported content type %q", contentType),
				GetRequestID(r.Context()),
			).WithExtension("allowed", contentTypes)
			apierrors.WriteProblem(w, problem)
		})
	}
}

// formatValidationError formats validation error messages
func (rv *RequestValidator) formatValidationError(fe validator.FieldError) string {
	field := fe.Field()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "licensekey":
		return fmt.Sprintf("%s must be a license key of the form %s-XXXX-...", field, license.KeyPrefix)
	case "level":
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(rv.levelNames(), ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func (rv *RequestValidator) levelNames() []string {
	names := make([]string, 0, len(rv.levels))
	for l := range rv.levels {
		names = append(names, l)
	}
	slices.Sort(names)
	return names
}

// isLicenseKey accepts well-formed keys in any case
func isLicenseKey(fl validator.FieldLevel) bool {
	return license.ValidKeyFormat(license.NormalizeKey(fl.Field().String()))
}

func (rv *RequestValidator) isLevel(fl validator.FieldLevel) bool {
	return rv.levels[strings.ToLower(fl.Field().String())]
}

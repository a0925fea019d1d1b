package http

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "licensesvc/internal/errors"
	"licensesvc/internal/license"
	"licensesvc/internal/middleware"
	"licensesvc/internal/services"
	api "licensesvc/pkg/contracts/api/v1"
)

// LicenseHandler serves the v1 license API.
type LicenseHandler struct {
	service    services.LicenseService
	validator  *middleware.RequestValidator
	errors     *apierrors.ErrorHandler
	security   *license.SecurityManager
	adminToken string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// LicenseHandlerOptions carries the collaborators of a LicenseHandler.
// Security may be nil to disable the validation lockout; an empty
// AdminToken leaves mutating routes open.
type LicenseHandlerOptions struct {
	Validator    *middleware.RequestValidator
	ErrorHandler *apierrors.ErrorHandler
	Security     *license.SecurityManager
	AdminToken   string
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, opts LicenseHandlerOptions, logger *slog.Logger) *LicenseHandler {
	logger = logger.With(slog.String("handler", "license"))
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = apierrors.NewErrorHandler(logger, false)
	}
	if opts.Validator == nil {
		opts.Validator = middleware.NewRequestValidator(logger, []string{"basic", "pro", "enterprise"})
	}
	return &LicenseHandler{
		service:    service,
		validator:  opts.Validator,
		errors:     opts.ErrorHandler,
		security:   opts.Security,
		adminToken: opts.AdminToken,
		logger:     logger,
		tracer:     otel.Tracer("license-handler"),
	}
}

// Routes returns the router mounted at /api/v1/licenses.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.ContentTypeValidator("application/json"))

	// Clients check in without credentials.
	r.Get("/{key}", h.Lookup)
	r.Post("/{key}/validate", h.Validate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(h.adminToken, h.logger))
		r.Use(middleware.AuditLog(h.logger))

		r.Post("/", h.Issue)
		r.Post("/{key}/renew", h.Renew)
		r.Post("/{key}/bind", h.Bind)
		r.Post("/{key}/rebind", h.Rebind)
		r.Post("/{key}/revoke", h.Revoke)
		r.Put("/{key}/tier", h.ChangeTier)
	})

	return r
}

// Issue handles POST /api/v1/licenses
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.issue")
	defer span.End()

	var req api.IssueLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.level", req.Level))

	resp, err := h.service.Issue(ctx, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	h.logger.InfoContext(ctx, "license issued",
		slog.String("license_key_masked", license.MaskKey(resp.Key)),
		slog.String("user_id", resp.UserID),
		slog.String("level", resp.Level),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// Lookup handles GET /api/v1/licenses/{key}
func (h *LicenseHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.lookup")
	defer span.End()

	resp, err := h.service.Lookup(ctx, chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// Validate handles POST /api/v1/licenses/{key}/validate. Invalid keys are a
// normal outcome and answer 200 with the verdict. Clients that keep
// presenting unknown keys are locked out.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.validate")
	defer span.End()

	client := middleware.GetRealIP(r)
	if h.security != nil {
		if blocked, remaining := h.security.IsBlocked(client); blocked {
			retryAfter := int(math.Ceil(remaining.Seconds()))
			span.SetAttributes(attribute.Bool("license.locked_out", true))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.fail(w, r, span, apierrors.TooManyAttempts(retryAfter))
			return
		}
	}

	var req api.ValidateLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	verdict, err := h.service.Validate(ctx, chi.URLParam(r, "key"), req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	if h.security != nil {
		switch {
		case verdict.Valid:
			h.security.RecordSuccess(client)
		case verdict.Reason == string(license.ReasonNotFound):
			h.security.RecordFailure(ctx, client)
		}
	}

	span.SetAttributes(
		attribute.Bool("license.valid", verdict.Valid),
		attribute.String("license.reason", verdict.Reason),
		attribute.Bool("license.device_bound", verdict.DeviceBound),
	)
	render.JSON(w, r, verdict)
}

// Renew handles POST /api/v1/licenses/{key}/renew
func (h *LicenseHandler) Renew(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.renew")
	defer span.End()

	key, ok := h.keyParam(w, r, span)
	if !ok {
		return
	}

	var req api.RenewLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Renew(ctx, key, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// Bind handles POST /api/v1/licenses/{key}/bind
func (h *LicenseHandler) Bind(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.bind")
	defer span.End()

	key, ok := h.keyParam(w, r, span)
	if !ok {
		return
	}

	var req api.BindLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Bind(ctx, key, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// Rebind handles POST /api/v1/licenses/{key}/rebind
func (h *LicenseHandler) Rebind(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.rebind")
	defer span.End()

	key, ok := h.keyParam(w, r, span)
	if !ok {
		return
	}

	var req api.RebindLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Rebind(ctx, key, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// Revoke handles POST /api/v1/licenses/{key}/revoke
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.revoke")
	defer span.End()

	key, ok := h.keyParam(w, r, span)
	if !ok {
		return
	}

	var req api.RevokeLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Revoke(ctx, key, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// ChangeTier handles PUT /api/v1/licenses/{key}/tier
func (h *LicenseHandler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.change_tier")
	defer span.End()

	key, ok := h.keyParam(w, r, span)
	if !ok {
		return
	}

	var req api.ChangeTierRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.ChangeTier(ctx, key, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// keyParam returns the {key} URL parameter of an admin route. Malformed keys
// are rejected before they reach the store.
func (h *LicenseHandler) keyParam(w http.ResponseWriter, r *http.Request, span trace.Span) (string, bool) {
	key := chi.URLParam(r, "key")
	if err := h.validator.ValidateVar("key", key, "licensekey"); err != nil {
		h.fail(w, r, span, err)
		return "", false
	}
	return key, true
}

func (h *LicenseHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("http.method", r.Method)}
	if key := chi.URLParam(r, "key"); key != "" {
		attrs = append(attrs, attribute.String("license.key_masked", license.MaskKey(key)))
	}
	return h.tracer.Start(r.Context(), name, trace.WithAttributes(attrs...))
}

func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.errors.HandleError(w, r, err)
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"licensesvc/internal/infrastructure"
	"licensesvc/internal/license"
	api "licensesvc/pkg/contracts/api/v1"
)

// LicenseController is the part of *license.Controller the service drives.
type LicenseController interface {
	Issue(ctx context.Context, userID string, level license.SubscriptionLevel) (license.LicenseRecord, error)
	Lookup(ctx context.Context, key string) (license.LicenseRecord, error)
	ValidateLicense(ctx context.Context, key, deviceID string) (license.Verdict, error)
	Renew(ctx context.Context, key string, extension time.Duration) (license.LicenseRecord, error)
	Bind(ctx context.Context, key, deviceID string) (license.LicenseRecord, error)
	Rebind(ctx context.Context, key, deviceID string) (license.LicenseRecord, error)
	Revoke(ctx context.Context, key, reason string) (license.LicenseRecord, error)
	ChangeTier(ctx context.Context, key string, level license.SubscriptionLevel) (license.LicenseRecord, error)
	Now() time.Time
}

var _ LicenseController = (*license.Controller)(nil)

// LicenseService translates API contracts into license lifecycle operations.
// Errors are the license package sentinels, wrapped.
type LicenseService interface {
	Issue(ctx context.Context, req api.IssueLicenseRequest) (*api.LicenseResponse, error)
	Lookup(ctx context.Context, key string) (*api.LicenseResponse, error)
	Validate(ctx context.Context, key string, req api.ValidateLicenseRequest) (*api.VerdictResponse, error)
	Renew(ctx context.Context, key string, req api.RenewLicenseRequest) (*api.LicenseResponse, error)
	Bind(ctx context.Context, key string, req api.BindLicenseRequest) (*api.LicenseResponse, error)
	Rebind(ctx context.Context, key string, req api.RebindLicenseRequest) (*api.LicenseResponse, error)
	Revoke(ctx context.Context, key string, req api.RevokeLicenseRequest) (*api.LicenseResponse, error)
	ChangeTier(ctx context.Context, key string, req api.ChangeTierRequest) (*api.LicenseResponse, error)
}

type licenseService struct {
	controller LicenseController
	logger     *slog.Logger
}

// NewLicenseService creates a license service on top of controller.
func NewLicenseService(controller LicenseController, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		controller: controller,
		logger:     logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) Issue(ctx context.Context, req api.IssueLicenseRequest) (*api.LicenseResponse, error) {
	rec, err := s.controller.Issue(ctx, req.UserID, license.ParseLevel(req.Level))
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "license issued",
		slog.String("user_id", rec.UserID),
		slog.String("level", rec.Level.String()),
	)
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) Lookup(ctx context.Context, key string) (*api.LicenseResponse, error) {
	rec, err := s.controller.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) Validate(ctx context.Context, key string, req api.ValidateLicenseRequest) (*api.VerdictResponse, error) {
	v, err := s.controller.ValidateLicense(ctx, key, strings.TrimSpace(req.DeviceID))
	if err != nil {
		return nil, err
	}
	resp := &api.VerdictResponse{
		Valid:         v.Valid,
		Level:         v.Level.String(),
		Reason:        string(v.Reason),
		DeviceBound:   v.DeviceBound,
		BindRequested: v.BindRequested,
		CheckedAt:     v.CheckedAt,
		TraceID:       infrastructure.GetTraceID(ctx),
	}
	if !v.ExpiresAt.IsZero() {
		expires := v.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp, nil
}

func (s *licenseService) Renew(ctx context.Context, key string, req api.RenewLicenseRequest) (*api.LicenseResponse, error) {
	extension, err := ParseExtension(req)
	if err != nil {
		return nil, err
	}
	rec, err := s.controller.Renew(ctx, key, extension)
	if err != nil {
		return nil, err
	}
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) Bind(ctx context.Context, key string, req api.BindLicenseRequest) (*api.LicenseResponse, error) {
	rec, err := s.controller.Bind(ctx, key, strings.TrimSpace(req.DeviceID))
	if err != nil {
		return nil, err
	}
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) Rebind(ctx context.Context, key string, req api.RebindLicenseRequest) (*api.LicenseResponse, error) {
	rec, err := s.controller.Rebind(ctx, key, strings.TrimSpace(req.DeviceID))
	if err != nil {
		return nil, err
	}
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) Revoke(ctx context.Context, key string, req api.RevokeLicenseRequest) (*api.LicenseResponse, error) {
	rec, err := s.controller.Revoke(ctx, key, strings.TrimSpace(req.Reason))
	if err != nil {
		return nil, err
	}
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) ChangeTier(ctx context.Context, key string, req api.ChangeTierRequest) (*api.LicenseResponse, error) {
	rec, err := s.controller.ChangeTier(ctx, key, license.ParseLevel(req.Level))
	if err != nil {
		return nil, err
	}
	return s.toResponse(ctx, rec), nil
}

func (s *licenseService) toResponse(ctx context.Context, rec license.LicenseRecord) *api.LicenseResponse {
	resp := ToLicenseResponse(rec, s.controller.Now())
	resp.TraceID = infrastructure.GetTraceID(ctx)
	return resp
}

// ToLicenseResponse converts a record to its API form as observed at now.
func ToLicenseResponse(rec license.LicenseRecord, now time.Time) *api.LicenseResponse {
	return &api.LicenseResponse{
		Key:              rec.Key,
		UserID:           rec.UserID,
		Level:            rec.Level.String(),
		Status:           string(rec.EffectiveStatus(now)),
		IssuedAt:         rec.IssuedAt,
		ExpiresAt:        rec.ExpiresAt,
		RemainingSeconds: int64(rec.Remaining(now) / time.Second),
		BoundDeviceID:    rec.BoundDeviceID,
		RevokedAt:        rec.RevokedAt,
		RevokeReason:     rec.RevokeReason,
		UpdatedAt:        rec.UpdatedAt,
	}
}

// maxExtensionDays is the longest whole-day extension a time.Duration holds.
const maxExtensionDays = int(math.MaxInt64 / int64(24*time.Hour))

// ParseExtension returns the renewal period requested by req. Days take
// precedence when both are set.
func ParseExtension(req api.RenewLicenseRequest) (time.Duration, error) {
	if req.ExtensionDays != 0 {
		if req.ExtensionDays < 0 {
			return 0, fmt.Errorf("%w: extension_days must be positive", license.ErrInvalidExtension)
		}
		if req.ExtensionDays > maxExtensionDays {
			return 0, fmt.Errorf("%w: extension_days must be at most %d", license.ErrInvalidExtension, maxExtensionDays)
		}
		return time.Duration(req.ExtensionDays) * 24 * time.Hour, nil
	}
	if req.Extension == "" {
		return 0, fmt.Errorf("%w: extension is required", license.ErrInvalidExtension)
	}
	d, err := time.ParseDuration(req.Extension)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a duration", license.ErrInvalidExtension, req.Extension)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: extension must be positive", license.ErrInvalidExtension)
	}
	return d, nil
}

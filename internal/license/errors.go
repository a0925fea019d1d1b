package license

import (
	"errors"
)

// Sentinel errors returned by the store, engine and controller.
var (
	ErrNotFound         = errors.New("license not found")
	ErrDuplicateKey     = errors.New("license key already exists")
	ErrExpired          = errors.New("license expired")
	ErrRevoked          = errors.New("license revoked")
	ErrDeviceMismatch   = errors.New("license bound to a different device")
	ErrAlreadyBound     = errors.New("license already bound to a device")
	ErrStoreUnavailable = errors.New("license store unavailable")

	ErrWriteConflict  = errors.New("concurrent update conflict")
	ErrEntropy        = errors.New("entropy source failure")
	ErrIssueExhausted = errors.New("could not allocate a unique license key")

	ErrInvalidLevel     = errors.New("invalid subscription level")
	ErrInvalidUser      = errors.New("invalid user id")
	ErrInvalidDevice    = errors.New("invalid device id")
	ErrInvalidExtension = errors.New("invalid renewal extension")
)

// Error codes exposed to API clients.
const (
	ErrCodeNotFound         = "LICENSE_NOT_FOUND"
	ErrCodeDuplicateKey     = "DUPLICATE_KEY"
	ErrCodeExpired          = "LICENSE_EXPIRED"
	ErrCodeRevoked          = "LICENSE_REVOKED"
	ErrCodeDeviceMismatch   = "DEVICE_MISMATCH"
	ErrCodeAlreadyBound     = "ALREADY_BOUND"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeIssueFailed      = "ISSUE_FAILED"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrorCode maps an error to its API error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreUnavailable):
		return ErrCodeStoreUnavailable
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrRevoked):
		return ErrCodeRevoked
	case errors.Is(err, ErrExpired):
		return ErrCodeExpired
	case errors.Is(err, ErrDeviceMismatch):
		return ErrCodeDeviceMismatch
	case errors.Is(err, ErrAlreadyBound):
		return ErrCodeAlreadyBound
	case errors.Is(err, ErrDuplicateKey):
		return ErrCodeDuplicateKey
	case errors.Is(err, ErrIssueExhausted), errors.Is(err, ErrEntropy):
		return ErrCodeIssueFailed
	case IsInvalidInput(err):
		return ErrCodeInvalidInput
	default:
		return ErrCodeInternal
	}
}

// IsInvalidInput reports whether err was caused by a bad argument.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidLevel) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidDevice) ||
		errors.Is(err, ErrInvalidExtension)
}

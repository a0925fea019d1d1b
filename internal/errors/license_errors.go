package errors

import (
	"net/http"

	"licensesvc/internal/license"
)

type licenseProblem struct {
	status int
	typ    string
	title  string
	detail string
}

// licenseProblems maps license error codes to their HTTP representation.
var licenseProblems = map[string]licenseProblem{
	license.ErrCodeNotFound: {
		http.StatusNotFound, TypeLicenseNotFound, "License Not Found",
		"No license exists for the supplied key",
	},
	license.ErrCodeRevoked: {
		http.StatusGone, TypeLicenseRevoked, "License Revoked",
		"The license has been revoked",
	},
	license.ErrCodeExpired: {
		http.StatusForbidden, TypeLicenseExpired, "License Expired",
		"The license has expired and must be renewed",
	},
	license.ErrCodeDeviceMismatch: {
		http.StatusForbidden, TypeLicenseDevice, "Device Mismatch",
		"The license is bound to a different device",
	},
	license.ErrCodeAlreadyBound: {
		http.StatusConflict, TypeLicenseAlreadyBound, "License Already Bound",
		"The license is already bound to another device; use rebind to move it",
	},
	license.ErrCodeDuplicateKey: {
		http.StatusInternalServerError, TypeLicenseDuplicateKey, "Duplicate License Key",
		"A generated key collided with an existing license",
	},
	license.ErrCodeIssueFailed: {
		http.StatusInternalServerError, TypeLicenseIssueFailed, "License Issuance Failed",
		"A unique license key could not be generated",
	},
	license.ErrCodeStoreUnavailable: {
		http.StatusServiceUnavailable, TypeLicenseStoreDown, "License Store Unavailable",
		"The license store is temporarily unavailable",
	},
}

// MapLicenseError converts a license package error to a problem document.
// The second result is false when err carries no license error.
func MapLicenseError(err error, instance string) (*ProblemDetails, bool) {
	code := license.ErrorCode(err)
	if code == "" || code == license.ErrCodeInternal {
		return nil, false
	}

	if code == license.ErrCodeInvalidInput {
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeLicenseInvalidInput,
			"Invalid License Request",
			err.Error(),
			instance,
		).WithExtension("error_code", code), true
	}

	p := licenseProblems[code]
	return NewProblemDetails(p.status, p.typ, p.title, p.detail, instance).
		WithExtension("error_code", code), true
}

// LicenseStatus returns the HTTP status for a license error, or 500.
func LicenseStatus(err error) int {
	if problem, ok := MapLicenseError(err, ""); ok {
		return problem.Status
	}
	return http.StatusInternalServerError
}

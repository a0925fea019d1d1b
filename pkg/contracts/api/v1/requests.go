// Package api contains the request and response contracts of the v1 license
// API. Field tags drive both JSON binding and validation.
package api

// IssueLicenseRequest is the body of POST /api/v1/licenses.
type IssueLicenseRequest struct {
	UserID string `json:"user_id" validate:"required,max=256"`
	Level  string `json:"level" validate:"required,level"`
}

// ValidateLicenseRequest is the body of POST /api/v1/licenses/{key}/validate.
// An empty body validates without a device.
type ValidateLicenseRequest struct {
	DeviceID string `json:"device_id,omitempty" validate:"omitempty,max=256"`
}

// RenewLicenseRequest extends a license. Extension is a Go duration such as
// "720h"; ExtensionDays is the whole-day alternative. Exactly one is needed.
type RenewLicenseRequest struct {
	Extension     string `json:"extension,omitempty" validate:"required_without=ExtensionDays,excluded_with=ExtensionDays"`
	ExtensionDays int    `json:"extension_days,omitempty" validate:"omitempty,gt=0,max=36500"`
}

// BindLicenseRequest claims an unbound license for a device.
type BindLicenseRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=256"`
}

// RebindLicenseRequest moves a license to another device. An empty DeviceID
// clears the binding.
type RebindLicenseRequest struct {
	DeviceID string `json:"device_id" validate:"omitempty,max=256"`
}

// RevokeLicenseRequest permanently disables a license.
type RevokeLicenseRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=512"`
}

// ChangeTierRequest switches a license to another subscription level.
type ChangeTierRequest struct {
	Level string `json:"level" validate:"required,level"`
}

// Package services sits between the HTTP handlers and the license core.
//
// LicenseService converts v1 API contracts into controller calls and
// controller records into API responses. It adds no business rules of its
// own, so the errors it returns are the license package sentinels and can be
// mapped to HTTP responses with the errors package.
//
// HealthService combines license.HealthCheck with build information for the
// health endpoints.
package services

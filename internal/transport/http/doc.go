// Package http implements the HTTP handlers of the license service.
//
// Handlers are thin: they decode and validate the request body, call a
// service, and render either the result or an RFC 7807 problem produced by
// the errors package. Each handler opens its own span; the request-level
// span, logging and metrics come from the middleware package.
//
// Routes:
//
//	POST /api/v1/licenses                 issue (admin)
//	GET  /api/v1/licenses/{key}           lookup
//	POST /api/v1/licenses/{key}/validate  client check-in, lockout guarded
//	POST /api/v1/licenses/{key}/renew     (admin)
//	POST /api/v1/licenses/{key}/bind      (admin)
//	POST /api/v1/licenses/{key}/rebind    (admin)
//	POST /api/v1/licenses/{key}/revoke    (admin)
//	PUT  /api/v1/licenses/{key}/tier      (admin)
//	GET  /api/health, /api/health/ready, /api/health/live, /api/version
package http

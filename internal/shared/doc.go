// Package shared holds code used across the service that belongs to no single
// domain package.
//
// The testutil subpackage provides a capturing slog handler so tests can
// assert on structured log output. It must not import domain packages, since
// their own tests depend on it.
package shared

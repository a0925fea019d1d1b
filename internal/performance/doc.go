// Package performance holds load tests and benchmarks that drive the fully
// wired license API over HTTP.
package performance

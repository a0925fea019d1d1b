// Package clock supplies the time source used by the license core.
//
// Production code uses Real. Tests drive expiration deterministically with
// Manual instead of sleeping.
package clock

import "time"

// Clock abstracts the time functions the license service depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock on top of the standard library.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

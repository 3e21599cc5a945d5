// Package clock abstracts time so staleness policies can be tested without
// real waiting.
package clock

import "time"

// Clock supplies the time-related functions the services depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock with the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

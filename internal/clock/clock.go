// Package clock provides an overridable time source so the matching
// engine's sweep loop can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

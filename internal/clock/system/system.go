// Package system provides the wall clock used by the pipeline stages.
package system

import "time"

// Clock implements media.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting times in loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the location times are reported in.
func (c *Clock) Location() *time.Location {
	return c.loc
}

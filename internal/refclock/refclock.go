// Package refclock provides the shared time origin used to stamp every log row.
package refclock

import (
	"fmt"
	"strconv"
	"time"
)

// Clock reports offsets from a reference wall-clock timestamp.
//
// Offsets are computed from a monotonic anchor taken when the Clock is built, so
// they never decrease within one process even if the wall clock is stepped.
type Clock struct {
	origin time.Time
	anchor time.Time
	base   time.Duration
	now    func() time.Time
}

// New captures the reference timestamp now.
func New() *Clock {
	return NewWithSource(time.Now)
}

// NewWithSource builds a Clock whose origin is the first reading of now.
func NewWithSource(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	origin := now()
	return &Clock{origin: origin, anchor: origin, now: now}
}

// FromUnixNano rebuilds the reference clock in another process from the
// origin's Unix nanosecond value.
func FromUnixNano(nanos int64) *Clock {
	origin := time.Unix(0, nanos)
	anchor := time.Now()
	return &Clock{
		origin: origin,
		anchor: anchor,
		base:   anchor.Sub(origin),
		now:    time.Now,
	}
}

// Parse is FromUnixNano for the string produced by Encode.
func Parse(value string) (*Clock, error) {
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reference timestamp %q: %w", value, err)
	}
	if nanos <= 0 {
		return nil, fmt.Errorf("reference timestamp must be > 0")
	}
	return FromUnixNano(nanos), nil
}

// Encode returns the origin as Unix nanoseconds for handing to a child process.
func (c *Clock) Encode() string {
	return strconv.FormatInt(c.origin.UnixNano(), 10)
}

// Origin returns the reference wall-clock timestamp.
func (c *Clock) Origin() time.Time {
	return c.origin
}

// Now reads the clock's time source.
func (c *Clock) Now() time.Time {
	return c.now()
}

// Since returns the elapsed time from the reference origin to t.
func (c *Clock) Since(t time.Time) time.Duration {
	d := c.base + t.Sub(c.anchor)
	if d < 0 {
		return 0
	}
	return d
}

// Offset returns the current offset from the reference origin in seconds.
func (c *Clock) Offset() float64 {
	return c.Since(c.now()).Seconds()
}

// Stamp formats the current offset the way every log_time column is written.
func (c *Clock) Stamp() string {
	return FormatSeconds(c.Offset())
}

// FormatSeconds renders seconds with microsecond resolution.
func FormatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 6, 64)
}

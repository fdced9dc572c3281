// Package clock provides the free-running cycle counter used to bound
// spin loops. A "cycle" is a nanosecond of monotonic time; the khz ratio
// exists so that callers can convert socket timeouts into the same unit
// as the counter without touching the wall clock on every iteration.
package clock

import "time"

type Clock struct {
	start time.Time
}

func New() *Clock {
	return &Clock{start: time.Now()}
}

// Cycles returns the free-running counter value.
func (c *Clock) Cycles() uint64 {
	return uint64(time.Since(c.start))
}

// KHz is the number of cycles per millisecond.
func (c *Clock) KHz() uint64 {
	return uint64(time.Millisecond)
}

// CyclesPerUsec is the number of cycles per microsecond.
func (c *Clock) CyclesPerUsec() uint64 {
	return uint64(time.Microsecond)
}

func (c *Clock) UsecToCycles(usec uint64) uint64 {
	return usec * c.CyclesPerUsec()
}

func (c *Clock) MsecToCycles(msec uint64) uint64 {
	return msec * c.KHz()
}

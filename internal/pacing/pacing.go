// Package pacing stretches the reading interval while offline backlog grows.
package pacing

import "time"

type Controller struct {
	Base      time.Duration
	Max       time.Duration
	Threshold int
	Penalty   time.Duration
}

// NextInterval = Base while backlog <= Threshold,
// else Base + (backlog-Threshold)*Penalty, never above Max.
func (c Controller) NextInterval(backlog int) time.Duration {
	if backlog <= c.Threshold {
		return c.Base
	}
	over := int64(backlog - c.Threshold)
	// overflow guard: anything beyond Max/Penalty steps is Max
	if c.Penalty > 0 && over > int64((c.Max-c.Base)/c.Penalty)+1 {
		return c.Max
	}
	d := c.Base + time.Duration(over)*c.Penalty
	if d > c.Max {
		return c.Max
	}
	return d
}

// Package counters aggregates completed units of work into rolling
// per-interval totals.
package counters

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSatisfied is the apdex satisfaction threshold used when none is set.
const DefaultSatisfied = 100 * time.Millisecond

// Totals is a request triple, either absolute or a delta between two readings.
// Tolerated never exceeds Requests.
type Totals struct {
	Requests  int64
	Elapsed   time.Duration
	Tolerated int64
}

// Sub returns t - o field by field.
func (t Totals) Sub(o Totals) Totals {
	return Totals{
		Requests:  t.Requests - o.Requests,
		Elapsed:   t.Elapsed - o.Elapsed,
		Tolerated: t.Tolerated - o.Tolerated,
	}
}

// Apdex scores the triple. ok is false when there were no requests.
func (t Totals) Apdex() (score float64, ok bool) {
	return Apdex(t.Requests, t.Tolerated)
}

// Counters is the shared aggregate written by every completed request and
// read by the sampler. It is safe for concurrent use.
type Counters struct {
	threshold atomic.Int64 // nanoseconds

	mu       sync.Mutex
	total    Totals
	baseline Totals
}

// New creates counters with the given satisfaction threshold. A non-positive
// threshold selects DefaultSatisfied.
func New(satisfied time.Duration) *Counters {
	c := &Counters{}
	c.SetThreshold(satisfied)
	return c
}

// SetThreshold changes the satisfaction threshold for future completions.
func (c *Counters) SetThreshold(satisfied time.Duration) {
	if satisfied <= 0 {
		satisfied = DefaultSatisfied
	}
	c.threshold.Store(int64(satisfied))
}

// Threshold returns the current satisfaction threshold.
func (c *Counters) Threshold() time.Duration {
	return time.Duration(c.threshold.Load())
}

// RecordCompletion counts one finished unit of work that took elapsed.
// A completion slower than the threshold is counted as tolerated.
func (c *Counters) RecordCompletion(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	tolerated := elapsed > c.Threshold()

	c.mu.Lock()
	c.total.Requests++
	c.total.Elapsed += elapsed
	if tolerated {
		c.total.Tolerated++
	}
	c.mu.Unlock()
}

// TakeDelta returns the activity since the previous call and moves the
// baseline forward. The first call is measured from zero.
func (c *Counters) TakeDelta() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.total.Sub(c.baseline)
	c.baseline = c.total
	return d
}

// Totals returns the absolute totals since creation.
func (c *Counters) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

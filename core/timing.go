package core

import "time"

// Timing records after-the-fact soft-SLA accounting for one operation.
// Budgets here are advisory: an operation that overruns still completes
// and returns its result, with TimedOut set so the caller can decide
// whether the breach matters. Hard cancellation, when needed, is imposed
// above this layer via context deadlines.
type Timing struct {
	Elapsed  time.Duration `json:"elapsed"`
	Budget   time.Duration `json:"budget"`
	TimedOut bool          `json:"timed_out"`
}

// MeasureSince finalizes a Timing for an operation started at t.
func MeasureSince(t time.Time, budget time.Duration) Timing {
	elapsed := time.Since(t)
	return Timing{
		Elapsed:  elapsed,
		Budget:   budget,
		TimedOut: budget > 0 && elapsed > budget,
	}
}

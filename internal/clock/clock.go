// Package clock is the engine's single source of time. Every cadence,
// deadline, and reversion estimate reads from a Scheduler so that tests
// and replays run deterministically against the simulated implementation.
package clock

import "time"

// Clock exposes current time.
type Clock interface {
	Now() time.Time
}

// Scheduler registers time-driven callbacks. Callbacks fire in
// non-decreasing fire-time order; equal fire times run in registration
// order. Cancelled tasks are no-ops. Scheduling never fails.
type Scheduler interface {
	Clock

	// After runs fn once, d from now. fn receives the fire time.
	After(d time.Duration, fn func(now time.Time)) *Task

	// Every runs fn every d, first firing d from now.
	Every(d time.Duration, fn func(now time.Time)) *Task

	// Cancel stops a task. Safe to call twice and safe for tasks that
	// already fired.
	Cancel(t *Task)

	// Stop halts the scheduler. Pending tasks are dropped.
	Stop()
}

// Task is the cancellation handle returned by After and Every.
type Task struct {
	seq       uint64
	cancelled bool
}

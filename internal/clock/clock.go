// Package clock abstracts wall time and delayed callbacks so the sync engine's
// debounce windows, cooldowns and retry delays can be driven manually in tests.
package clock

import "time"

// Clock reports the current time and schedules callbacks.
//
// AfterFunc callbacks run on a goroutine owned by the clock. They must not
// block; the engine only uses them to post an event to its loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback created by AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// System returns the Clock backed by the time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

package engine

import "time"

// Clock abstracts the timer primitives the scheduler uses, so alarm behavior
// is testable without real time.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f after d on its own goroutine and returns a stop
	// function.
	AfterFunc(d time.Duration, f func()) (stop func())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

package collab

import "time"

// Timer is an owned, cancellable timer handle.
type Timer interface {
	Stop() bool
}

// Scheduler creates the engine's debounce and resync retry timers. f runs
// on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

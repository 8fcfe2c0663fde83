package display

import "time"

// Clock abstracts timer scheduling so tests can drive display pacing
// deterministically.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a stoppable scheduled callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return realClock{}
}

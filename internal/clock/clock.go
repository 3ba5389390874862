package clock

import "time"

// Clock abstracts the one time primitive server.Endpoint's wait_time drop timer
// needs: a channel that fires once after d elapses. Trimmed down from a
// general-purpose Now/After/Sleep abstraction to just what afterFunc calls,
// since nothing in amqpmux reads wall-clock time or blocks a goroutine on a
// sleep — only server.Endpoint's queued-waiter drop timer needs a
// cancellable delay.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

package transport

import (
	"sync/atomic"
	"time"
)

// Timeout is the handle of one scheduled deadline task.
type Timeout interface {
	// Stop cancels the task. It reports false if the task already ran or was stopped.
	Stop() bool
}

// TimeoutScheduler fires one-shot deadline tasks on runtime timers. Tasks run
// on their own goroutine, never on the goroutine that scheduled them.
type TimeoutScheduler struct {
	stopped atomic.Bool
}

func NewTimeoutScheduler() *TimeoutScheduler {
	return &TimeoutScheduler{}
}

// Schedule runs task once after d unless the returned Timeout is stopped first.
func (s *TimeoutScheduler) Schedule(d time.Duration, task func()) Timeout {
	return time.AfterFunc(d, func() {
		if s.stopped.Load() {
			return
		}
		task()
	})
}

// Stop turns every task that has not started yet into a no-op.
func (s *TimeoutScheduler) Stop() {
	s.stopped.Store(true)
}

package client

import (
	"context"
	"sync"
	"time"
)

// TimeoutController overrides the timeout of calls made with a context that
// carries it. A one-shot controller applies to the next call only.
type TimeoutController struct {
	mu      sync.Mutex
	timeout time.Duration
	oneShot bool
}

func NewTimeoutController(timeout time.Duration, oneShot bool) *TimeoutController {
	return &TimeoutController{timeout: timeout, oneShot: oneShot}
}

// Set replaces the override; 0 clears it.
func (t *TimeoutController) Set(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

func (t *TimeoutController) Clear() {
	t.Set(0)
}

// take returns the override, clearing it when one-shot.
func (t *TimeoutController) take() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.timeout
	if d <= 0 {
		return 0, false
	}
	if t.oneShot {
		t.timeout = 0
	}
	return d, true
}

type timeoutControllerKey struct{}

func WithTimeoutController(ctx context.Context, tc *TimeoutController) context.Context {
	return context.WithValue(ctx, timeoutControllerKey{}, tc)
}

func TimeoutControllerFrom(ctx context.Context) *TimeoutController {
	tc, _ := ctx.Value(timeoutControllerKey{}).(*TimeoutController)
	return tc
}

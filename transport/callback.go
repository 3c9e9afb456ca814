package transport

import (
	"context"
	"sync"
	"time"

	"pbrpc/message"
)

// BlockingRpcCallback is the waitable result of one call. It is resolved
// exactly once, either with a response or with a failure; later attempts are
// ignored. Waiters block on a channel and wake every poll interval to re-check
// their own deadline.
type BlockingRpcCallback struct {
	createdAt    time.Time
	pollInterval time.Duration
	done         chan struct{}

	mu       sync.Mutex
	resolved bool
	hooks    []func()
	msg      *message.RPCMessage
	err      error
}

// NewBlockingRpcCallback creates an unresolved callback. onDone, when non-nil,
// runs once on the resolving goroutine right after resolution.
func NewBlockingRpcCallback(pollInterval time.Duration, onDone func()) *BlockingRpcCallback {
	if pollInterval <= 0 {
		pollInterval = DefaultRpcClientOptions().PollInterval
	}
	c := &BlockingRpcCallback{
		createdAt:    time.Now(),
		pollInterval: pollInterval,
		done:         make(chan struct{}),
	}
	if onDone != nil {
		c.hooks = append(c.hooks, onDone)
	}
	return c
}

// Run resolves the callback with a response. It reports whether this call
// was the one that resolved it.
func (c *BlockingRpcCallback) Run(msg *message.RPCMessage) bool {
	return c.resolve(msg, nil)
}

// HandleFailure resolves the callback with err.
func (c *BlockingRpcCallback) HandleFailure(err error) bool {
	return c.resolve(nil, err)
}

func (c *BlockingRpcCallback) resolve(msg *message.RPCMessage, err error) bool {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return false
	}
	c.resolved = true
	c.msg, c.err = msg, err
	hooks := c.hooks
	c.hooks = nil
	close(c.done)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return true
}

// onComplete runs fn after resolution, immediately if that already happened.
func (c *BlockingRpcCallback) onComplete(fn func()) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *BlockingRpcCallback) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the callback is resolved.
func (c *BlockingRpcCallback) Done() <-chan struct{} {
	return c.done
}

func (c *BlockingRpcCallback) CreatedAt() time.Time {
	return c.createdAt
}

// Result returns the resolution. Only meaningful once IsDone reports true.
func (c *BlockingRpcCallback) Result() (*message.RPCMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msg, c.err
}

// Wait blocks until the callback is resolved or ctx is done.
func (c *BlockingRpcCallback) Wait(ctx context.Context) (*message.RPCMessage, error) {
	return c.wait(ctx, time.Time{})
}

// WaitTimeout is Wait bounded by d. When d elapses first it returns
// ErrWaitTimeout; the call stays registered and may still complete.
func (c *BlockingRpcCallback) WaitTimeout(ctx context.Context, d time.Duration) (*message.RPCMessage, error) {
	if d <= 0 {
		return c.wait(ctx, time.Time{})
	}
	return c.wait(ctx, time.Now().Add(d))
}

func (c *BlockingRpcCallback) wait(ctx context.Context, deadline time.Time) (*message.RPCMessage, error) {
	if c.IsDone() {
		return c.Result()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return c.Result()
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			if !deadline.IsZero() && !now.Before(deadline) {
				// a resolution racing the deadline wins
				if c.IsDone() {
					return c.Result()
				}
				return nil, ErrWaitTimeout
			}
		}
	}
}

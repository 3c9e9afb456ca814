package client

import (
	"context"
	"sync"
	"time"

	"pbrpc/transport"
)

// Future is the result handle of an async method. The response is decoded
// once; the exception and attachment handlers do not run again on later reads.
type Future struct {
	proxy   *Proxy
	binding *binding
	args    []any
	cb      *transport.BlockingRpcCallback

	mu      sync.Mutex
	decoded bool
	value   any
	err     error
}

// Get waits for the call to complete.
func (f *Future) Get(ctx context.Context) (any, error) {
	_, err := f.cb.Wait(ctx)
	return f.result(err)
}

// GetTimeout waits at most d. If the call is still outstanding it returns
// transport.ErrWaitTimeout, which is distinct from the call's own timeout
// (transport.ErrTimeout). The call keeps running and Get may be retried.
func (f *Future) GetTimeout(ctx context.Context, d time.Duration) (any, error) {
	_, err := f.cb.WaitTimeout(ctx, d)
	return f.result(err)
}

// result returns waitErr while the call is outstanding, and the decoded
// resolution of the call once it is done.
func (f *Future) result(waitErr error) (any, error) {
	if !f.cb.IsDone() {
		return nil, waitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.decoded {
		msg, err := f.cb.Result()
		f.value, f.err = f.proxy.decodeResult(f.binding, f.args, msg, err)
		f.decoded = true
	}
	return f.value, f.err
}

func (f *Future) IsDone() bool {
	return f.cb.IsDone()
}

// Cancel is not supported once a request is sent; it always returns false.
func (f *Future) Cancel(mayInterruptIfRunning bool) bool {
	return false
}

func (f *Future) IsCancelled() bool {
	return false
}

package transport

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout matches calls the server never answered within their timeout.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrWaitTimeout is returned by a timed wait on a result that is still
	// outstanding. The call itself keeps running.
	ErrWaitTimeout = errors.New("rpc: wait deadline exceeded")

	// ErrRejected means a request could neither be sent nor queued.
	ErrRejected = errors.New("rpc: request rejected")

	ErrConnectFailed    = errors.New("rpc: connect failed")
	ErrConnectionBroken = errors.New("rpc: connection broken")
	ErrClosed           = errors.New("rpc: closed")
)

// TimeoutError is the failure a timed-out call resolves with.
type TimeoutError struct {
	CorrelationID uint64
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: call %d timed out after %s", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

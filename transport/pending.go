package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pbrpc/message"
)

// RpcClientCallState is everything the client tracks for one in-flight call.
type RpcClientCallState struct {
	CorrelationID uint64
	Package       *message.RPCMessage
	Callback      *BlockingRpcCallback

	startTime time.Time
	timeout   Timeout
	expired   atomic.Bool // deadline task has run

	mu      sync.Mutex
	channel net.Conn // socket the request was written to, nil while queued
}

func newCallState(pkg *message.RPCMessage, cb *BlockingRpcCallback) *RpcClientCallState {
	return &RpcClientCallState{
		CorrelationID: pkg.CorrelationID,
		Package:       pkg,
		Callback:      cb,
		startTime:     time.Now(),
	}
}

func (s *RpcClientCallState) setChannel(conn net.Conn) {
	s.mu.Lock()
	s.channel = conn
	s.mu.Unlock()
}

func (s *RpcClientCallState) boundTo(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil && s.channel == conn
}

// settled reports whether the call has been resolved and needs no sending.
func (s *RpcClientCallState) settled() bool {
	return s.expired.Load() || s.Callback.IsDone()
}

func (s *RpcClientCallState) stopTimer() {
	if s.timeout != nil {
		s.timeout.Stop()
	}
}

// HandleResponse cancels the timeout and resolves the callback with msg.
func (s *RpcClientCallState) HandleResponse(msg *message.RPCMessage) bool {
	s.stopTimer()
	return s.Callback.Run(msg)
}

// HandleFailure cancels the timeout and resolves the callback with err.
func (s *RpcClientCallState) HandleFailure(err error) bool {
	s.stopTimer()
	return s.Callback.HandleFailure(err)
}

// PendingRegistry maps correlation ids to in-flight calls. Invocation
// goroutines insert, while connection read loops and timers remove; whoever
// removes an entry first owns its resolution.
type PendingRegistry struct {
	entries sync.Map // map[uint64]*RpcClientCallState
	size    atomic.Int64
}

func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{}
}

// Register inserts state under id. A present id is a correlation id reuse
// bug and is reported instead of overwritten.
func (r *PendingRegistry) Register(id uint64, state *RpcClientCallState) error {
	if _, loaded := r.entries.LoadOrStore(id, state); loaded {
		return errors.Errorf("rpc: correlation id %d is already pending", id)
	}
	r.size.Add(1)
	return nil
}

// Remove deletes and returns the entry for id. A second Remove for the same
// id returns false.
func (r *PendingRegistry) Remove(id uint64) (*RpcClientCallState, bool) {
	v, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	r.size.Add(-1)
	return v.(*RpcClientCallState), true
}

// RemoveState deletes the entry for id only if it is state. It lets a
// deadline task of a call that never got registered leave alone the call
// that owns id.
func (r *PendingRegistry) RemoveState(id uint64, state *RpcClientCallState) bool {
	if !r.entries.CompareAndDelete(id, state) {
		return false
	}
	r.size.Add(-1)
	return true
}

func (r *PendingRegistry) Len() int {
	return int(r.size.Load())
}

// Range calls f for each pending entry. f may call Remove.
func (r *PendingRegistry) Range(f func(id uint64, state *RpcClientCallState) bool) {
	r.entries.Range(func(key, value any) bool {
		return f(key.(uint64), value.(*RpcClientCallState))
	})
}

package transport

import (
	"time"

	"pbrpc/codec"
	"pbrpc/protocol"
)

// RpcClientOptions tunes one RpcClient and every pool created for it.
type RpcClientOptions struct {
	ConnectTimeout  time.Duration // Per dial attempt
	OnceTalkTimeout time.Duration // Default per-call timeout when neither the method nor the caller overrides it
	MaxConnections  int           // Connections per (host, port) pool
	MaxQueueSize    int           // Calls a not-yet-connected Connection may buffer

	// InnerReusePool returns a Connection to its pool right after the request
	// is handed to it. When false the Connection stays checked out until the
	// call completes, so a pool never serves more than MaxConnections calls.
	InnerReusePool bool

	// ShareChannelPool selects GlobalChannelPoolFactory when a proxy has no
	// factory configured: stubs built from the same client share one pool per address.
	ShareChannelPool bool

	// ShareChannelPoolUnderEachProxy binds every signature of one proxy to a
	// single pool instead of one pool per signature.
	ShareChannelPoolUnderEachProxy bool

	// LookupStubOnStartup makes proxy setup wait for one connect per pool.
	LookupStubOnStartup bool

	PollInterval          time.Duration // Result wait re-checks its deadline at this interval
	HeartbeatInterval     time.Duration // 0 disables heartbeats
	ConnectRetries        int           // Extra dial attempts before queued calls are failed
	ConnectRetryInterval  time.Duration
	CodecType             codec.CodecType
	LateResponseCacheSize int // Recently timed-out ids remembered to classify late responses

	// MaxRequestBodyLen rejects larger encoded requests before they are
	// written. It is capped at protocol.MaxBodyLen.
	MaxRequestBodyLen int
}

func DefaultRpcClientOptions() RpcClientOptions {
	return RpcClientOptions{
		ConnectTimeout:        5 * time.Second,
		OnceTalkTimeout:       60 * time.Second,
		MaxConnections:        8,
		MaxQueueSize:          1024,
		InnerReusePool:        true,
		PollInterval:          10 * time.Millisecond,
		HeartbeatInterval:     30 * time.Second,
		ConnectRetries:        2,
		ConnectRetryInterval:  100 * time.Millisecond,
		CodecType:             codec.CodecTypeJSON,
		LateResponseCacheSize: 256,
		MaxRequestBodyLen:     int(protocol.MaxBodyLen),
	}
}

// withDefaults fills zero values so a partially populated struct still works.
func (o RpcClientOptions) withDefaults() RpcClientOptions {
	d := DefaultRpcClientOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.OnceTalkTimeout <= 0 {
		o.OnceTalkTimeout = d.OnceTalkTimeout
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = d.MaxConnections
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = d.MaxQueueSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	}
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = d.ConnectRetryInterval
	}
	if o.LateResponseCacheSize <= 0 {
		o.LateResponseCacheSize = d.LateResponseCacheSize
	}
	if o.MaxRequestBodyLen <= 0 || o.MaxRequestBodyLen > d.MaxRequestBodyLen {
		o.MaxRequestBodyLen = d.MaxRequestBodyLen
	}
	return o
}

package client

import (
	"time"

	"pbrpc/codec"
	"pbrpc/message"
)

// MethodDesc declares one remote method of a service.
type MethodDesc struct {
	Name        string        // Identifier passed to Stub.Invoke
	ServiceName string        // Defaults to ServiceDesc.Name
	MethodName  string        // Remote method name, defaults to Name
	Timeout     time.Duration // Per-call timeout override, 0 uses the client default
	Async       bool          // Invoke returns a *Future instead of waiting

	Codec             codec.MethodCodec // Defaults to codec.JSONOf[any]()
	AttachmentHandler AttachmentHandler
}

// ServiceDesc is the method table a stub is built from.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

// binding is a MethodDesc resolved at setup time. Immutable afterwards.
type binding struct {
	name        string
	serviceName string
	methodName  string
	signature   string
	timeout     time.Duration
	async       bool
	codec       codec.MethodCodec
	attachments AttachmentHandler
	channelKey  string
}

func newBinding(serviceName string, m MethodDesc) *binding {
	if m.ServiceName != "" {
		serviceName = m.ServiceName
	}
	methodName := m.MethodName
	if methodName == "" {
		methodName = m.Name
	}
	mc := m.Codec
	if mc == nil {
		mc = codec.JSONOf[any]()
	}
	return &binding{
		name:        m.Name,
		serviceName: serviceName,
		methodName:  methodName,
		signature:   message.MakeSignature(serviceName, methodName),
		timeout:     m.Timeout,
		async:       m.Async,
		codec:       mc,
		attachments: m.AttachmentHandler,
	}
}

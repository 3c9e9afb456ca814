// Package message defines the RPC envelope exchanged between client and server.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP. The correlation id travels
// in the frame header; the envelope copy is filled in on decode so that higher layers
// never look at frame headers.
package message

// Response error codes. Any code other than ErrorCodeSuccess is a failure.
const (
	ErrorCodeSuccess         int32 = 0
	ErrorCodeTimeout         int32 = 62   // Server gave up on the handler
	ErrorCodeServiceNotFound int32 = 1001 // No such service or method
	ErrorCodeRateLimited     int32 = 1002
	ErrorCodeInternal        int32 = 2001 // Handler returned an error without a code
)

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceName/MethodName are set, Payload contains the encoded args,
//     ExtraParams carries interceptor-staged bytes, Trace is set when the caller has one.
//   - On response: Payload contains the encoded reply (may be empty), Attachment is an
//     optional out-of-band blob, ErrorCode is non-zero if the call failed.
type RPCMessage struct {
	CorrelationID uint64
	ServiceName   string
	MethodName    string
	Payload       []byte
	Attachment    []byte
	ExtraParams   []byte
	ErrorCode     int32
	ErrorText     string
	Trace         *Trace
}

// Trace is the optional distributed-tracing context propagated with a request.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// Success reports whether the message carries the success error code.
func (m *RPCMessage) Success() bool {
	return m.ErrorCode == ErrorCodeSuccess
}

// Signature returns the "service!method" key of the message.
func (m *RPCMessage) Signature() string {
	return MakeSignature(m.ServiceName, m.MethodName)
}

// MakeSignature derives the key identifying one remote operation.
func MakeSignature(serviceName, methodName string) string {
	return serviceName + "!" + methodName
}

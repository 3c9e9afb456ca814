package client

// MethodInvocationInfo describes one call to the Interceptor.
type MethodInvocationInfo struct {
	Method    string // Name the method was invoked by
	Signature string
	Args      []any

	// ExtraParams staged by the interceptor are copied onto the request.
	ExtraParams []byte

	// ExtFields carries data between the hooks of one call.
	ExtFields map[string]any
}

// Interceptor wraps every remote call of a stub. BeforeInvoke runs first,
// then Process: a non-nil result (or an error) ends the call without any
// network I/O. AfterProcess runs when Invoke returns, on every path.
type Interceptor interface {
	BeforeInvoke(info *MethodInvocationInfo)
	Process(info *MethodInvocationInfo) (any, error)
	AfterProcess()
}

// RpcErrorMessage is the failure part of a response.
type RpcErrorMessage struct {
	ErrorCode int32
	ErrorText string
}

// ExceptionHandler translates remote errors. Returning nil suppresses the
// error and the call yields a nil result.
type ExceptionHandler interface {
	HandleException(msg *RpcErrorMessage) error
}

// AttachmentHandler receives the attachment of a response before its payload
// is decoded.
type AttachmentHandler interface {
	HandleResponse(attachment []byte, serviceName, methodName string, args []any)
}

// ServiceLocator resolves a signature to the address serving it.
type ServiceLocator interface {
	FetchAddress(signature string) (host string, port int, err error)
}

type ServiceLocatorFunc func(signature string) (string, int, error)

func (f ServiceLocatorFunc) FetchAddress(signature string) (string, int, error) {
	return f(signature)
}

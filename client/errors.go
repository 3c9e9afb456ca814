package client

import (
	"fmt"

	"github.com/pkg/errors"
)

// Setup errors, returned while building a stub.
var (
	ErrNoRpcMethod        = errors.New("rpc: no remote method in service description")
	ErrDuplicateSignature = errors.New("rpc: duplicate method signature")
	ErrNilAddress         = errors.New("rpc: no address for service")
)

// ErrNoChannel is returned by a call whose signature has no bound channel,
// for instance after the proxy was closed.
var ErrNoChannel = errors.New("rpc: no channel bound to signature")

// AccessError is returned when the invoked method is not a remote method of
// the stub.
type AccessError struct {
	Method string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("rpc: method %q has no remote call binding", e.Method)
}

// DataError is the failure of a call the server answered with a non-success
// error code and no ExceptionHandler translated.
type DataError struct {
	Code int32
	Text string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Text)
}

package codec

import (
	"encoding/json"
	"fmt"
)

// MethodCodec turns call arguments into a request payload and a response
// payload into the value handed back to the caller. One instance is bound to
// each remote method when a stub is built.
type MethodCodec interface {
	EncodeRequest(args []any) ([]byte, error)
	DecodeResponse(data []byte) (any, error)
}

type jsonMethodCodec[T any] struct{}

// JSONOf returns a MethodCodec that marshals arguments as JSON and decodes the
// response into a T. A single argument is marshalled as itself, several as a
// JSON array, none as an empty payload.
func JSONOf[T any]() MethodCodec {
	return jsonMethodCodec[T]{}
}

func (jsonMethodCodec[T]) EncodeRequest(args []any) ([]byte, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		return json.Marshal(args[0])
	default:
		return json.Marshal(args)
	}
}

func (jsonMethodCodec[T]) DecodeResponse(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type rawMethodCodec struct{}

// Raw passes bytes through untouched: the single argument must be a []byte or
// a string, and responses decode to []byte.
func Raw() MethodCodec {
	return rawMethodCodec{}
}

func (rawMethodCodec) EncodeRequest(args []any) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("raw codec: expect 1 argument, got %d", len(args))
	}
	switch a := args[0].(type) {
	case []byte:
		return a, nil
	case string:
		return []byte(a), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("raw codec: unsupported argument type %T", a)
	}
}

func (rawMethodCodec) DecodeResponse(data []byte) (any, error) {
	return data, nil
}

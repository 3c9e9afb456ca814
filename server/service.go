package server

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService builds a service from a pointer to a struct. An empty name
// defaults to the struct's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}

	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpc: type %s has no exported methods of suitable type", typ)
	}
	return s, nil
}

// registerMethods keeps the methods shaped Method(args *A, reply *R) error.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// call decodes payload into a fresh args value, invokes the method and
// encodes the reply.
func (s *service) call(mType *methodType, payload []byte) ([]byte, error) {
	argv := reflect.New(mType.ArgType)
	replyv := reflect.New(mType.ReplyType)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, argv.Interface()); err != nil {
			return nil, errors.Wrap(err, "decode args")
		}
	}

	results := mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if errv := results[0]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return json.Marshal(replyv.Interface())
}

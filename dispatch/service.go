package dispatch

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"

	"lite-rpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one exported method of a registered receiver.
type methodType struct {
	method      reflect.Method
	withContext bool           // first parameter is a context.Context, injected by the dispatcher
	paramTypes  []reflect.Type // remaining parameters, matched against Request.ParameterTypes
	hasResult   bool
	hasError    bool
}

// newMethodType accepts methods returning (), (T), (error) or (T, error).
// Variadic methods are skipped.
func newMethodType(m reflect.Method) (*methodType, bool) {
	ft := m.Type
	if ft.IsVariadic() {
		return nil, false
	}

	mt := &methodType{method: m}
	for i := 1; i < ft.NumIn(); i++ { // In(0) is the receiver
		in := ft.In(i)
		if i == 1 && in == contextType {
			mt.withContext = true
			continue
		}
		mt.paramTypes = append(mt.paramTypes, in)
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
		mt.hasResult, mt.hasError = true, true
	default:
		return nil, false
	}
	return mt, true
}

func (mt *methodType) descriptors() []string {
	out := make([]string, len(mt.paramTypes))
	for i, t := range mt.paramTypes {
		out[i] = message.TypeName(t)
	}
	return out
}

// invoker binds the method to rcvr.
// A parameter count that does not match the method is a bad_request, decoding failures
// are reported as invalid_params, anything returned by the method itself is passed
// through unchanged.
func (mt *methodType) invoker(rcvr reflect.Value) Invoker {
	return func(ctx context.Context, params []json.RawMessage) (any, error) {
		if len(params) != len(mt.paramTypes) {
			return nil, message.Errorf(message.KindBadRequest, "%s takes %d parameters, got %d",
				mt.method.Name, len(mt.paramTypes), len(params))
		}
		args := make([]reflect.Value, 0, len(mt.paramTypes)+2)
		args = append(args, rcvr)
		if mt.withContext {
			args = append(args, reflect.ValueOf(&ctx).Elem())
		}
		for i, pt := range mt.paramTypes {
			pv := reflect.New(pt)
			if err := jsonAPI.Unmarshal(params[i], pv.Interface()); err != nil {
				return nil, message.Errorf(message.KindInvalidParams, "parameter %d (%s): %s", i, pt, err)
			}
			args = append(args, pv.Elem())
		}

		out := mt.method.Func.Call(args)

		var result any
		if mt.hasResult {
			result = out[0].Interface()
		}
		if mt.hasError {
			if errv := out[len(out)-1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
		}
		return result, nil
	}
}

// scanMethods returns every eligible exported method of rcvr.
func scanMethods(rcvr any) (reflect.Value, []*methodType, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return reflect.Value{}, nil, errors.New("dispatch: receiver is nil")
	}

	var methods []*methodType
	for i := 0; i < typ.NumMethod(); i++ {
		if mt, ok := newMethodType(typ.Method(i)); ok {
			methods = append(methods, mt)
		}
	}
	if len(methods) == 0 {
		return reflect.Value{}, nil, errors.Errorf("dispatch: type %s has no exported methods suitable for remote calls", typ)
	}
	return reflect.ValueOf(rcvr), methods, nil
}

// receiverName is the type name of rcvr with pointers stripped.
func receiverName(rcvr any) string {
	typ := reflect.TypeOf(rcvr)
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil {
		return ""
	}
	return typ.Name()
}

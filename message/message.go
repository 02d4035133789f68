// Package message defines the call description exchanged between caller and server.
//
// A Request names a service, a method and the method's parameter types; a Response echoes
// the request id and carries either a result or an error descriptor. Both are encoded by the
// codec layer and wrapped in a protocol frame for transmission over TCP.
//
//   - Parameters and Result are JSON documents, decoded against the resolved method's
//     parameter types on the server.
//   - ParameterTypes are Go type strings as reported by reflect.Type.String(), e.g. "int",
//     "[]string", "calc.Pair".
package message

import (
	"encoding/json"
	"fmt"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Request carries a single call.
type Request struct {
	RequestID      string            `json:"requestId"`      // Opaque, chosen by the caller, echoed back
	ServiceName    string            `json:"serviceName"`    // Type-style name, e.g. "Calculator"
	MethodName     string            `json:"methodName"`     // e.g. "Add"
	ParameterTypes []string          `json:"parameterTypes"` // One descriptor per parameter
	Parameters     []json.RawMessage `json:"parameters"`     // Positional arguments
}

// Response carries the outcome of a single call.
// When Error is set, Result is nil.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Failed reports whether the response carries an error descriptor.
func (r *Response) Failed() bool {
	return r != nil && r.Error != nil
}

// NewRequest builds a Request with one descriptor and one encoded argument per arg.
func NewRequest(requestID, serviceName, methodName string, args ...any) (*Request, error) {
	req := &Request{
		RequestID:      requestID,
		ServiceName:    serviceName,
		MethodName:     methodName,
		ParameterTypes: make([]string, 0, len(args)),
		Parameters:     make([]json.RawMessage, 0, len(args)),
	}
	for i, arg := range args {
		if arg == nil {
			return nil, fmt.Errorf("message: argument %d is nil, its type cannot be described", i)
		}
		raw, err := jsonAPI.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("message: cannot encode argument %d: %w", i, err)
		}
		req.ParameterTypes = append(req.ParameterTypes, TypeName(reflect.TypeOf(arg)))
		req.Parameters = append(req.Parameters, raw)
	}
	return req, nil
}

// TypeName returns the descriptor used for t in Request.ParameterTypes.
func TypeName(t reflect.Type) string {
	return t.String()
}

// ErrorResponse builds a failed Response for requestID.
func ErrorResponse(requestID string, kind ErrorKind, format string, args ...any) *Response {
	return &Response{
		RequestID: requestID,
		Error:     Errorf(kind, format, args...),
	}
}

// DecodeResult decodes the result of a successful response into v.
func (r *Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	return jsonAPI.Unmarshal(r.Result, v)
}

package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lite-rpc/message"
)

// Dispatcher turns one Request into one Response.
type Dispatcher struct {
	table  *Table
	logger *zap.Logger
}

func NewDispatcher(table *Table, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{table: table, logger: logger.Named("dispatch")}
}

// Dispatch resolves and invokes the method named by req.
//
// It always returns a Response carrying req.RequestID. Resolution failures, parameter
// decoding failures, errors returned by the method and panics raised by it are all
// reported through Response.Error; nothing escapes to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	if req == nil {
		return message.ErrorResponse("", message.KindBadRequest, "request is absent")
	}
	if len(req.ParameterTypes) != len(req.Parameters) {
		return message.ErrorResponse(req.RequestID, message.KindBadRequest,
			"%d parameter types for %d parameters", len(req.ParameterTypes), len(req.Parameters))
	}
	for i, desc := range req.ParameterTypes {
		if !validDescriptor(desc) {
			return message.ErrorResponse(req.RequestID, message.KindBadRequest, "parameter %d has invalid type %q", i, desc)
		}
	}

	service := NormalizeServiceName(req.ServiceName)
	fn, lookupErr := d.table.lookup(service, req.MethodName, req.ParameterTypes)
	if lookupErr != nil {
		return &message.Response{RequestID: req.RequestID, Error: lookupErr}
	}

	result, err := d.invoke(ctx, fn, req)
	if err != nil {
		return &message.Response{RequestID: req.RequestID, Error: toDescriptor(err)}
	}

	raw, err := jsonAPI.Marshal(result)
	if err != nil {
		return message.ErrorResponse(req.RequestID, message.KindInvocationFailed, "cannot encode result: %s", err)
	}
	return &message.Response{RequestID: req.RequestID, Result: raw}
}

func (d *Dispatcher) invoke(ctx context.Context, fn Invoker, req *message.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("service method panicked",
				zap.String("service", req.ServiceName),
				zap.String("method", req.MethodName),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, req.Parameters)
}

// toDescriptor keeps descriptors produced while decoding parameters (or returned by
// the method itself) and classifies everything else as an invocation failure.
func toDescriptor(err error) *message.Error {
	var desc *message.Error
	if errors.As(err, &desc) {
		return desc
	}
	return &message.Error{Kind: message.KindInvocationFailed, Message: err.Error()}
}

// Package invoke delivers one queue message to its bound handler: it decodes
// the body into the handler's parameter type, calls the handler and waits for
// completion.
package invoke

import (
	"context"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/payload"
	"github.com/drblury/queuehost/internal/runtime/registry"
	"github.com/drblury/queuehost/transport"
)

const tracerName = "github.com/drblury/queuehost/invoke"

// Invoker calls handlers. It never retries and never touches the queue.
type Invoker struct {
	tracer trace.Tracer
}

// New returns an Invoker using the global OpenTelemetry tracer provider.
func New() *Invoker {
	return NewWithTracer(otel.Tracer(tracerName))
}

func NewWithTracer(tracer trace.Tracer) *Invoker {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Invoker{tracer: tracer}
}

// Invoke decodes msg for b and runs the handler. Any failure is returned as
// an *errors.InvocationError naming the stage that failed. Waiting for an
// asynchronous handler ends early when ctx is done.
func (i *Invoker) Invoke(ctx context.Context, msg transport.Message, b registry.Binding) (err error) {
	ctx, span := i.tracer.Start(ctx, "queuehost.invoke",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("queue.name", b.QueueName),
			attribute.String("message.id", msg.ID),
			attribute.String("handler.name", b.Descriptor.Name),
			attribute.Bool("handler.async", b.Descriptor.Async),
			attribute.Int("message.dequeue_count", msg.DequeueCount),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	fail := func(stage errspkg.InvocationStage, cause error) error {
		return &errspkg.InvocationError{
			Queue:     b.QueueName,
			MessageID: msg.ID,
			FuncName:  b.FuncName,
			Stage:     stage,
			Cause:     cause,
		}
	}

	arg, err := payload.Decode(msg.Body, b.Descriptor.ParamType)
	if err != nil {
		return fail(errspkg.StageDecode, err)
	}

	done, err := call(ctx, b.Descriptor, arg)
	if err != nil {
		return fail(errspkg.StagePanic, err)
	}

	select {
	case herr, ok := <-done:
		if ok && herr != nil {
			return fail(errspkg.StageHandler, herr)
		}
		return nil
	case <-ctx.Done():
		return fail(errspkg.StageHandler, ctx.Err())
	}
}

func call(ctx context.Context, d registry.Descriptor, arg reflect.Value) (done <-chan error, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.Call(ctx, arg), nil
}

// Encode serializes v so that Invoke decodes it back into the same value.
func Encode(v any) ([]byte, error) {
	return payload.Encode(v)
}

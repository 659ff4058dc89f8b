package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("queuehost: configuration is required")
	ErrLoggerRequired      = sterrors.New("queuehost: logger is required")
	ErrTraceWriterRequired = sterrors.New("queuehost: trace writer is required")
	ErrTransportRequired   = sterrors.New("queuehost: queue transport is required")
	ErrRegistryRequired    = sterrors.New("queuehost: handler registry is required")
	ErrListenerRequired    = sterrors.New("queuehost: queue listener is required")
	ErrInvokerRequired     = sterrors.New("queuehost: invoker is required")
	ErrHandlerRequired     = sterrors.New("queuehost: handler function is required")
	ErrHandlerNotExported  = sterrors.New("queuehost: handler function is not exported")
	ErrIneligibleHandler   = sterrors.New("queuehost: handler function is not eligible for queue binding")

	ErrListenerStopping  = sterrors.New("queuehost: listener is stopping")
	ErrAlreadyListening  = sterrors.New("queuehost: queue already has an active listener")
	ErrQueueNotListening = sterrors.New("queuehost: queue has no listener")

	ErrInvalidArgument   = sterrors.New("queuehost: invalid argument")
	ErrMissingQueueName  = sterrors.New("queuehost: queue trigger has no queue name")
	ErrDuplicateBinding  = sterrors.New("queuehost: queue is bound to more than one handler")
	ErrInvocationFailed  = sterrors.New("queuehost: invocation failed")
	ErrQueueNotFound     = sterrors.New("queuehost: queue does not exist")
	ErrMessageNotFound   = sterrors.New("queuehost: message not found or lease expired")
	ErrTransportClosed   = sterrors.New("queuehost: transport is closed")
	ErrQueueNameRequired = sterrors.New("queuehost: queue name is required")
)

// InvalidArgumentError reports a caller supplied argument that cannot be used.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func NewInvalidArgument(arg, reason string) *InvalidArgumentError {
	return &InvalidArgumentError{Arg: arg, Reason: reason}
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("queuehost: invalid argument %q: %s", e.Arg, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// MissingQueueNameError is returned by discovery when a trigger declares an
// empty queue name.
type MissingQueueNameError struct {
	FuncName string
	Module   string
}

func (e *MissingQueueNameError) Error() string {
	return fmt.Sprintf("queuehost: queue trigger on %s in module %s must have a queue name", e.FuncName, e.Module)
}

func (e *MissingQueueNameError) Is(target error) bool {
	return target == ErrMissingQueueName
}

// DuplicateBindingError is returned by discovery when two distinct functions
// bind the same normalized queue name.
type DuplicateBindingError struct {
	QueueName string
	Existing  string
	Duplicate string
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("queuehost: cannot have multiple functions triggered by queue %s (%s, %s)", e.QueueName, e.Existing, e.Duplicate)
}

func (e *DuplicateBindingError) Is(target error) bool {
	return target == ErrDuplicateBinding
}

// InvocationStage identifies where a single handler invocation failed.
type InvocationStage string

const (
	StageDecode  InvocationStage = "decode"
	StageHandler InvocationStage = "handler"
	StagePanic   InvocationStage = "panic"
)

// InvocationError wraps the cause of a failed handler invocation.
type InvocationError struct {
	Queue     string
	MessageID string
	FuncName  string
	Stage     InvocationStage
	Cause     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("queuehost: %s failed for message %s on queue %s (%s): %v", e.Stage, e.MessageID, e.Queue, e.FuncName, e.Cause)
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}

func (e *InvocationError) Is(target error) bool {
	return target == ErrInvocationFailed
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "queuehost: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

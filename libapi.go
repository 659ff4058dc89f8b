package queuehost

import (
	"context"

	configpkg "github.com/drblury/queuehost/internal/runtime/config"
	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	hostpkg "github.com/drblury/queuehost/internal/runtime/host"
	idspkg "github.com/drblury/queuehost/internal/runtime/ids"
	invokepkg "github.com/drblury/queuehost/internal/runtime/invoke"
	jsoncodec "github.com/drblury/queuehost/internal/runtime/jsoncodec"
	listenerpkg "github.com/drblury/queuehost/internal/runtime/listener"
	loggingpkg "github.com/drblury/queuehost/internal/runtime/logging"
	payloadpkg "github.com/drblury/queuehost/internal/runtime/payload"
	registrypkg "github.com/drblury/queuehost/internal/runtime/registry"
	transportpkg "github.com/drblury/queuehost/internal/runtime/transport"
	queuetransport "github.com/drblury/queuehost/transport"
)

type (
	Config = configpkg.Config

	Host             = hostpkg.Host
	HostOptions      = hostpkg.Options
	HostDependencies = hostpkg.Dependencies
	Discoverer       = hostpkg.Discoverer
	QueueListener    = hostpkg.QueueListener
	QueueStatus      = hostpkg.QueueStatus

	Module     = registrypkg.Module
	Trigger    = registrypkg.Trigger
	Binding    = registrypkg.Binding
	Descriptor = registrypkg.Descriptor
	Snapshot   = registrypkg.Snapshot
	Registry   = registrypkg.Registry

	Invoker = invokepkg.Invoker

	Listener        = listenerpkg.Listener
	ListenerOptions = listenerpkg.Options
	ListenerState   = listenerpkg.State
	JobContext      = listenerpkg.JobContext
	JobHooks        = listenerpkg.JobHooks
	ListenerMetrics = listenerpkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	WarningLogger = loggingpkg.WarningLogger
	TraceWriter   = loggingpkg.TraceWriter
	TraceLevel    = loggingpkg.TraceLevel
	TraceRecorder = loggingpkg.TraceRecorder

	InvalidArgumentError  = errspkg.InvalidArgumentError
	MissingQueueNameError = errspkg.MissingQueueNameError
	DuplicateBindingError = errspkg.DuplicateBindingError
	InvocationError       = errspkg.InvocationError
	ConfigValidationError = errspkg.ConfigValidationError

	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory

	// Queue transport contract and registry
	Queue                = queuetransport.Queue
	Message              = queuetransport.Message
	Capabilities         = queuetransport.Capabilities
	TransportBuilder     = queuetransport.Builder
	TransportConfig      = queuetransport.Config
	TransportRegistry    = queuetransport.Registry
	QueueIntrospector    = queuetransport.QueueIntrospector
	QueueDeleter         = queuetransport.QueueDeleter
	CapabilitiesProvider = queuetransport.CapabilitiesProvider
	Publisher            = queuetransport.Publisher
)

// Listener states.
const (
	StateIdle      = listenerpkg.StateIdle
	StateListening = listenerpkg.StateListening
	StateStopping  = listenerpkg.StateStopping
	StateStopped   = listenerpkg.StateStopped
)

// Trace levels accepted by Config.TraceLevel.
const (
	TraceOff     = loggingpkg.LevelOff
	TraceError   = loggingpkg.LevelError
	TraceWarning = loggingpkg.LevelWarning
	TraceInfo    = loggingpkg.LevelInfo
	TraceVerbose = loggingpkg.LevelVerbose
)

var (
	NewHost        = hostpkg.New
	NewJobHost     = hostpkg.NewJobHost
	ValidateConfig = configpkg.ValidateConfig

	NewModule     = registrypkg.NewModule
	NewLazyModule = registrypkg.NewLazyModule
	QueueTrigger  = registrypkg.QueueTrigger
	NewRegistry   = registrypkg.New
	Describe      = registrypkg.Describe

	NewInvoker           = invokepkg.New
	NewInvokerWithTracer = invokepkg.NewWithTracer

	NewListener        = listenerpkg.New
	NewListenerMetrics = listenerpkg.NewMetrics
	LoggingHooks       = listenerpkg.LoggingHooks
	AlertingHooks      = listenerpkg.AlertingHooks

	DefaultTransportFactory  = transportpkg.DefaultFactory
	RegistryTransportFactory = transportpkg.RegistryFactory
	GetCapabilities          = transportpkg.GetCapabilities

	// Use RegisterTransport to plug in a custom backend; the built-in ones
	// register themselves.
	DefaultTransportRegistry = queuetransport.DefaultRegistry
	RegisterTransport        = queuetransport.Register
	BuildTransport           = queuetransport.Build
	NewPublisher             = queuetransport.NewPublisher
	NormalizeQueueName       = queuetransport.NormalizeQueueName

	EncodePayload = payloadpkg.Encode

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrTraceWriterRequired = errspkg.ErrTraceWriterRequired
	ErrTransportRequired   = errspkg.ErrTransportRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNotExported  = errspkg.ErrHandlerNotExported
	ErrIneligibleHandler   = errspkg.ErrIneligibleHandler
	ErrListenerStopping    = errspkg.ErrListenerStopping
	ErrAlreadyListening    = errspkg.ErrAlreadyListening
	ErrQueueNotListening   = errspkg.ErrQueueNotListening
	ErrInvalidArgument     = errspkg.ErrInvalidArgument
	ErrMissingQueueName    = errspkg.ErrMissingQueueName
	ErrDuplicateBinding    = errspkg.ErrDuplicateBinding
	ErrInvocationFailed    = errspkg.ErrInvocationFailed
	ErrQueueNotFound       = errspkg.ErrQueueNotFound
	ErrMessageNotFound     = errspkg.ErrMessageNotFound

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NewTraceWriter            = loggingpkg.NewTraceWriter
	NewTraceRecorder          = loggingpkg.NewTraceRecorder
	ParseTraceLevel           = loggingpkg.ParseTraceLevel

	CreateULID = idspkg.CreateULID
)

// Enqueue encodes v the way a queue-triggered function decodes it and adds
// it to queue, creating the queue when needed.
func Enqueue(ctx context.Context, q Queue, queue string, v any) (Message, error) {
	return queuetransport.Enqueue(ctx, q, queue, v)
}

// DecodePayload decodes a message body the way the invoker does for a
// handler taking T.
func DecodePayload[T any](body []byte) (T, error) {
	return payloadpkg.DecodeInto[T](body)
}

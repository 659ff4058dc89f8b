package host

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/queuehost/internal/runtime/config"
	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/invoke"
	"github.com/drblury/queuehost/internal/runtime/listener"
	"github.com/drblury/queuehost/internal/runtime/logging"
	"github.com/drblury/queuehost/internal/runtime/registry"
	transportpkg "github.com/drblury/queuehost/internal/runtime/transport"
)

// Options holds the optional collaborators of NewJobHost. Leave fields nil
// to get the defaults.
type Options struct {
	TransportFactory transportpkg.Factory
	Invoker          listener.Invoker
	Hooks            listener.JobHooks
	// Registerer receives the listener metrics when metrics are enabled.
	// Nil means a fresh registry private to the host.
	Registerer prometheus.Registerer
	// Trace replaces the trace writer built from the logger and the
	// configured trace level.
	Trace logging.TraceWriter
}

// NewJobHost builds a complete host for conf: the configured transport, a
// registry over modules, the invoker and the listener.
func NewJobHost(ctx context.Context, conf *config.Config, log logging.ServiceLogger, opts Options, modules ...registry.Module) (*Host, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	level, _ := c.Level()

	trace := opts.Trace
	if trace == nil {
		trace = logging.NewTraceWriter(log, level)
	}

	log.Info("Creating job host", logging.LogFields{
		"queue_system": c.QueueSystem,
		"config":       c,
	})

	factory := opts.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	built, err := factory.Build(ctx, &c, logging.NewWatermillAdapter(log, c.QueueSystem))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", c.QueueSystem, err)
	}

	limits := transportpkg.Clamp(built.Capabilities, c.BatchSize, c.VisibilityTimeout)
	if limits.Clamped {
		trace.Warning(fmt.Sprintf("Polling limits adjusted for transport %s: batch size %d, visibility timeout %s",
			c.QueueSystem, limits.BatchSize, limits.VisibilityTimeout))
	}

	inv := opts.Invoker
	if inv == nil {
		inv = invoke.New()
	}

	var (
		metrics  *listener.Metrics
		gatherer prometheus.Gatherer
		port     int
	)
	if c.MetricsEnabled {
		registerer := opts.Registerer
		if registerer == nil {
			registerer = prometheus.NewRegistry()
		}
		metrics = listener.NewMetrics(registerer)
		if err := metrics.Register(); err != nil {
			_ = built.Queue.Close()
			return nil, fmt.Errorf("register listener metrics: %w", err)
		}
		if g, ok := registerer.(prometheus.Gatherer); ok {
			gatherer = g
		}
		port = c.MetricsPort
	}

	l, err := listener.New(built.Queue, inv, trace, listener.Options{
		PollInterval:      c.PollInterval,
		BatchSize:         limits.BatchSize,
		VisibilityTimeout: limits.VisibilityTimeout,
		Hooks:             opts.Hooks.Merge(listener.LoggingHooks(log)),
		Metrics:           metrics,
	})
	if err != nil {
		_ = built.Queue.Close()
		return nil, err
	}

	return New(Dependencies{
		Registry:        registry.New(trace, modules...),
		Listener:        l,
		Trace:           trace,
		Queue:           built.Queue,
		ShutdownTimeout: c.ShutdownTimeout,
		MetricsPort:     port,
		Gatherer:        gatherer,
	})
}

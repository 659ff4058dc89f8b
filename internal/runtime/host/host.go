// Package host ties discovery and listening together: Start discovers the
// queue-bound handlers and starts one listener per queue, Stop asks all of
// them to finish.
package host

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/queuehost/internal/runtime/config"
	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/logging"
	"github.com/drblury/queuehost/internal/runtime/registry"
	"github.com/drblury/queuehost/transport"
)

// Discoverer produces the queue bindings to listen on.
type Discoverer interface {
	Discover() (registry.Snapshot, error)
}

// QueueListener runs the poll loops.
type QueueListener interface {
	StartListening(queueName string, b *registry.Binding) error
	StopAll()
	IsStopping() bool
	Wait(ctx context.Context) error
}

// Dependencies holds the collaborators of a Host. Registry, Listener and
// Trace are required.
type Dependencies struct {
	Registry Discoverer
	Listener QueueListener
	Trace    logging.TraceWriter

	// Queue is the transport the listener polls. When set, the status
	// endpoint reports pending counts and Close closes it.
	Queue transport.Queue

	// ShutdownTimeout bounds how long RunAndBlock waits for the poll loops
	// after stopping them. Zero means config.DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// MetricsPort enables the HTTP server exposing /metrics and /api/queues.
	// Zero disables it.
	MetricsPort int
	// Gatherer backs /metrics. Nil means the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
}

// Host is the job host. It owns the registry and the listener for its
// lifetime.
type Host struct {
	registry Discoverer
	listener QueueListener
	trace    logging.TraceWriter
	queue    transport.Queue

	shutdownTimeout time.Duration
	metricsPort     int
	gatherer        prometheus.Gatherer

	mu       sync.Mutex
	bindings registry.Snapshot
	server   *http.Server
}

// New validates deps and returns a Host that has not started yet.
func New(deps Dependencies) (*Host, error) {
	if deps.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if deps.Listener == nil {
		return nil, errspkg.ErrListenerRequired
	}
	if deps.Trace == nil {
		return nil, errspkg.ErrTraceWriterRequired
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	return &Host{
		registry:        deps.Registry,
		listener:        deps.Listener,
		trace:           deps.Trace,
		queue:           deps.Queue,
		shutdownTimeout: deps.ShutdownTimeout,
		metricsPort:     deps.MetricsPort,
		gatherer:        deps.Gatherer,
	}, nil
}

// Start discovers the handlers and starts listening on every bound queue in
// sorted order. It returns once all loops are running. The first error stops
// the sequence and stops the loops already started.
func (h *Host) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot, err := h.registry.Discover()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.bindings = snapshot
	h.mu.Unlock()

	for i, name := range snapshot.QueueNames() {
		b := snapshot[name]
		if err := h.listener.StartListening(name, &b); err != nil {
			if i > 0 && !h.listener.IsStopping() {
				h.listener.StopAll()
			}
			return err
		}
	}

	h.startHTTPServer(ctx)
	return nil
}

// Stop asks every listener to finish. It does not wait for them; the
// listener is only told to stop once.
func (h *Host) Stop() error {
	if !h.listener.IsStopping() {
		h.listener.StopAll()
	}
	return h.stopHTTPServer()
}

// RunAndBlock starts the host and blocks until ctx is done or the process
// receives SIGINT or SIGTERM. It then stops the host and waits up to the
// shutdown timeout for the poll loops to exit.
func (h *Host) RunAndBlock(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	h.trace.Info("Job host is shutting down")

	stopErr := h.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.listener.Wait(waitCtx); err != nil {
		h.trace.Error("Listeners did not stop within the shutdown timeout", err)
		return errors.Join(stopErr, err)
	}
	return stopErr
}

// Close stops the host, waits for the poll loops and closes the transport.
func (h *Host) Close() error {
	errs := []error{h.Stop()}

	waitCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	errs = append(errs, h.listener.Wait(waitCtx))

	if h.queue != nil {
		errs = append(errs, h.queue.Close())
	}
	return errors.Join(errs...)
}

// Bindings returns the bindings found by the last Start, or nil before it.
func (h *Host) Bindings() registry.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bindings == nil {
		return nil
	}
	out := make(registry.Snapshot, len(h.bindings))
	for k, v := range h.bindings {
		out[k] = v
	}
	return out
}

// Queue returns the transport the host polls, which may be nil when the host
// was assembled by hand.
func (h *Host) Queue() transport.Queue {
	return h.queue
}

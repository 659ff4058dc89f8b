// Package listener runs one background poll loop per queue. Each loop drains
// its queue in batches, hands every message to the bound handler and deletes
// it afterwards, then sleeps for the poll interval.
package listener

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/queuehost/internal/runtime/config"
	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/logging"
	"github.com/drblury/queuehost/internal/runtime/registry"
	"github.com/drblury/queuehost/transport"
)

// Invoker delivers one message to its bound handler.
type Invoker interface {
	Invoke(ctx context.Context, msg transport.Message, b registry.Binding) error
}

// Options tune every poll loop of a Listener. Zero values fall back to the
// config defaults.
type Options struct {
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration

	Hooks   JobHooks
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultBatchSize
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = config.DefaultVisibilityTimeout
	}
	return o
}

// Listener owns the pollers of one host.
type Listener struct {
	queue   transport.Queue
	invoker Invoker
	trace   logging.TraceWriter
	opts    Options

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	stopOnce sync.Once

	mu      sync.Mutex
	pollers map[string]*poller
}

// New creates a listener polling q. A nil trace discards diagnostics.
func New(q transport.Queue, inv Invoker, trace logging.TraceWriter, opts Options) (*Listener, error) {
	if q == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if inv == nil {
		return nil, errspkg.ErrInvokerRequired
	}
	if trace == nil {
		trace = logging.NopTraceWriter{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		queue:   q,
		invoker: inv,
		trace:   trace,
		opts:    opts.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		pollers: make(map[string]*poller),
	}, nil
}

// StartListening starts a poll loop for queueName delivering to b and returns
// without waiting for the first poll.
func (l *Listener) StartListening(queueName string, b *registry.Binding) error {
	if l.IsStopping() {
		return errspkg.ErrListenerStopping
	}
	name := transport.NormalizeQueueName(queueName)
	if name == "" {
		return errspkg.NewInvalidArgument("queueName", "queue name must not be empty")
	}
	if b == nil {
		return errspkg.NewInvalidArgument("binding", "binding must not be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.IsStopping() {
		return errspkg.ErrListenerStopping
	}
	if existing, ok := l.pollers[name]; ok && existing.state() != StateStopped {
		return fmt.Errorf("%w: %s", errspkg.ErrAlreadyListening, name)
	}

	binding := *b
	if binding.QueueName == "" {
		binding.QueueName = name
	}
	p := newPoller(l.ctx, name, binding)
	l.pollers[name] = p

	go l.run(p)
	return nil
}

// Stop asks the loop of one queue to exit. The message being processed is
// finished first. Stopping a queue twice is a no-op.
func (l *Listener) Stop(queueName string) error {
	name := transport.NormalizeQueueName(queueName)

	l.mu.Lock()
	p, ok := l.pollers[name]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrQueueNotListening, name)
	}
	p.cancel()
	return nil
}

// StopAll asks every loop to exit and rejects further StartListening calls.
func (l *Listener) StopAll() {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		l.trace.Info("Stop listening to queues")
		l.cancel()
	})
}

// IsStopping reports whether StopAll was called, whether or not the loops
// have exited yet.
func (l *Listener) IsStopping() bool {
	return l.stopping.Load()
}

// State reports the state of the loop for queueName. Queues that were never
// started are Idle.
func (l *Listener) State(queueName string) State {
	l.mu.Lock()
	p, ok := l.pollers[transport.NormalizeQueueName(queueName)]
	l.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return p.state()
}

// Queues returns the sorted names of all queues that have a poller.
func (l *Listener) Queues() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.pollers))
	for name := range l.pollers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every loop started so far has exited or ctx is done.
func (l *Listener) Wait(ctx context.Context) error {
	l.mu.Lock()
	pollers := make([]*poller, 0, len(l.pollers))
	for _, p := range l.pollers {
		pollers = append(pollers, p)
	}
	l.mu.Unlock()

	for _, p := range pollers {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops all loops and waits for them. The listener cannot be reused.
func (l *Listener) Close() error {
	l.StopAll()
	return l.Wait(context.Background())
}

package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/queuehost/internal/runtime/registry"
	"github.com/drblury/queuehost/transport"
)

// State is the lifecycle position of one queue's poll loop.
type State int

const (
	StateIdle State = iota
	StateListening
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type poller struct {
	queue   string
	binding registry.Binding

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPoller(parent context.Context, queue string, b registry.Binding) *poller {
	ctx, cancel := context.WithCancel(parent)
	return &poller{
		queue:   queue,
		binding: b,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (p *poller) state() State {
	select {
	case <-p.done:
		return StateStopped
	default:
	}
	if p.ctx.Err() != nil {
		return StateStopping
	}
	return StateListening
}

func (l *Listener) run(p *poller) {
	defer close(p.done)
	defer p.cancel()

	l.opts.Metrics.loopStarted()
	defer l.opts.Metrics.loopExited()

	defer func() {
		if r := recover(); r != nil {
			l.trace.Error(fmt.Sprintf("Listener for queue '%s' terminated unexpectedly", p.queue), fmt.Errorf("panic: %v", r))
		}
	}()

	l.trace.Info(fmt.Sprintf("Start Listening on queue '%s'", p.queue))
	for p.ctx.Err() == nil {
		for l.processNextBatch(p) {
		}
		l.opts.Metrics.recordPollCycle(p.queue)

		if !sleep(p.ctx, l.opts.PollInterval) {
			return
		}
	}
}

// processNextBatch fetches and handles one batch. It reports whether the
// batch was non-empty, i.e. whether another fetch may find more work.
func (l *Listener) processNextBatch(p *poller) bool {
	ctx := p.ctx
	if ctx.Err() != nil {
		return false
	}

	exists, err := l.queue.Exists(ctx, p.queue)
	if err != nil {
		if ctx.Err() == nil {
			l.opts.Metrics.recordFetchError(p.queue)
			l.trace.Error(fmt.Sprintf("Failed to check whether queue '%s' exists", p.queue), err)
		}
		return false
	}
	if !exists {
		l.trace.Verbose(fmt.Sprintf("Queue '%s' does not exist.", p.queue))
		return false
	}

	batch, err := l.queue.FetchBatch(ctx, p.queue, l.opts.BatchSize, l.opts.VisibilityTimeout)
	if err != nil {
		if ctx.Err() == nil {
			l.opts.Metrics.recordFetchError(p.queue)
			l.trace.Error(fmt.Sprintf("Failed to fetch messages from queue '%s'", p.queue), err)
		}
		return false
	}
	if len(batch) == 0 {
		return false
	}
	l.opts.Metrics.recordFetch(p.queue, len(batch))

	for _, msg := range batch {
		if ctx.Err() != nil {
			return false
		}
		l.process(p, msg)
	}
	return true
}

func (l *Listener) process(p *poller, msg transport.Message) {
	l.trace.Info(fmt.Sprintf("Processing new message from '%s'", p.queue))

	// a stop request must not abort a running handler or its delete
	ctx := context.WithoutCancel(p.ctx)

	job := JobContext{
		HandlerName:  p.binding.FuncName,
		Queue:        p.queue,
		MessageID:    msg.ID,
		Context:      ctx,
		StartedAt:    time.Now(),
		DequeueCount: msg.DequeueCount,
	}
	l.opts.Hooks.start(job)

	err := l.invoker.Invoke(ctx, msg, p.binding)
	job.Duration = time.Since(job.StartedAt)
	l.opts.Metrics.recordMessage(p.queue, job.Duration, err)
	l.opts.Hooks.finish(job, err)

	if err != nil {
		l.trace.Error(fmt.Sprintf("Failed to process message from queue %s", p.queue), err)
	}

	if err := l.queue.Delete(ctx, p.queue, msg); err != nil {
		l.opts.Metrics.recordDeleteError(p.queue)
		l.trace.Error(fmt.Sprintf("Failed to delete message %s from queue %s", msg.ID, p.queue), err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

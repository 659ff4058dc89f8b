package listener

import (
	"context"
	"time"

	"github.com/drblury/queuehost/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the bare name of the bound handler function.
	HandlerName string
	// Queue is the normalized queue the message was fetched from.
	Queue string
	// MessageID is the transport's identifier of the message.
	MessageID string
	// Context is the detached context the handler runs on.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// DequeueCount is how many times the transport handed out this message,
	// including the current delivery.
	DequeueCount int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the handler completed without error.
	OnJobDone func(ctx JobContext)

	// OnJobError is called with the invocation error when the handler failed,
	// panicked or its payload could not be decoded.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) finish(ctx JobContext, err error) {
	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(ctx, err)
		}
		return
	}
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

// LoggingHooks returns hooks that log job lifecycle events at debug level.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", logging.LogFields{
				"handler":       ctx.HandlerName,
				"queue":         ctx.Queue,
				"message_id":    ctx.MessageID,
				"dequeue_count": ctx.DequeueCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Job completed", logging.LogFields{
				"handler":     ctx.HandlerName,
				"queue":       ctx.Queue,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"handler":       ctx.HandlerName,
				"queue":         ctx.Queue,
				"message_id":    ctx.MessageID,
				"duration_ms":   ctx.Duration.Milliseconds(),
				"dequeue_count": ctx.DequeueCount,
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc whenever a job fails.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}

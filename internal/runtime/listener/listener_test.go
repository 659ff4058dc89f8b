package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/logging"
	"github.com/drblury/queuehost/internal/runtime/registry"
	"github.com/drblury/queuehost/transport"
	"github.com/drblury/queuehost/transport/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingInvoker struct {
	mu      sync.Mutex
	bodies  []string
	ctxErrs []error
	fail    func(transport.Message) error
	gate    chan struct{}
	entered chan struct{}
}

func (r *recordingInvoker) Invoke(ctx context.Context, msg transport.Message, b registry.Binding) error {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}

	r.mu.Lock()
	r.bodies = append(r.bodies, string(msg.Body))
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()

	if r.fail != nil {
		return r.fail(msg)
	}
	return nil
}

func (r *recordingInvoker) Bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func (r *recordingInvoker) count() int {
	return len(r.Bodies())
}

func testOptions() Options {
	return Options{PollInterval: 10 * time.Millisecond, BatchSize: 8, VisibilityTimeout: time.Minute}
}

func binding(queue string) *registry.Binding {
	return &registry.Binding{QueueName: queue, FuncName: "ProcessOrder", Module: "test"}
}

func seed(t *testing.T, q *memory.Transport, queue string, bodies ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, q.CreateIfMissing(ctx, queue))
	for _, body := range bodies {
		_, err := q.Enqueue(ctx, queue, []byte(body))
		require.NoError(t, err)
	}
}

func pending(t *testing.T, q *memory.Transport, queue string) int64 {
	t.Helper()
	n, err := q.GetPendingCount(context.Background(), queue)
	require.NoError(t, err)
	return n
}

func newTestListener(t *testing.T, q transport.Queue, inv Invoker, trace logging.TraceWriter, opts Options) *Listener {
	t.Helper()
	l, err := New(q, inv, trace, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, &recordingInvoker{}, nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)

	_, err = New(memory.New(nil), nil, nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrInvokerRequired)
}

func TestOptions_WithDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 10*time.Second, opts.PollInterval)
	assert.Equal(t, 8, opts.BatchSize)
	assert.Equal(t, 60*time.Second, opts.VisibilityTimeout)
}

func TestStartListening_InvalidArguments(t *testing.T) {
	l := newTestListener(t, memory.New(nil), &recordingInvoker{}, nil, testOptions())

	err := l.StartListening("   ", binding("orders"))
	var argErr *errspkg.InvalidArgumentError
	require.True(t, errors.As(err, &argErr))
	assert.Equal(t, "queueName", argErr.Arg)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)

	err = l.StartListening("orders", nil)
	require.True(t, errors.As(err, &argErr))
	assert.Equal(t, "binding", argErr.Arg)

	assert.Empty(t, l.Queues())
}

func TestListener_ProcessesAndDeletesMessages(t *testing.T) {
	q := memory.New(nil)
	seed(t, q, "orders", "a", "b", "c")
	trace := logging.NewTraceRecorder()
	inv := &recordingInvoker{}

	l := newTestListener(t, q, inv, trace, testOptions())
	require.NoError(t, l.StartListening("Orders", binding("orders")))

	require.Eventually(t, func() bool { return inv.count() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return pending(t, q, "orders") == 0 }, waitFor, tick)

	assert.Equal(t, []string{"a", "b", "c"}, inv.Bodies())
	assert.Equal(t, 1, trace.Count(logging.LevelInfo, "Start Listening on queue 'orders'"))
	assert.Equal(t, 3, trace.Count(logging.LevelInfo, "Processing new message from 'orders'"))
	assert.Equal(t, StateListening, l.State("ORDERS"))
}

func TestListener_DrainsMoreThanOneBatch(t *testing.T) {
	q := memory.New(nil)
	seed(t, q, "orders", "1", "2", "3", "4", "5")
	inv := &recordingInvoker{}

	opts := testOptions()
	opts.BatchSize = 2
	opts.PollInterval = time.Hour
	l := newTestListener(t, q, inv, nil, opts)
	require.NoError(t, l.StartListening("orders", binding("orders")))

	// with an hour-long sleep, all five can only arrive in the first drain
	require.Eventually(t, func() bool { return inv.count() == 5 }, waitFor, tick)
}

func TestListener_FailureIsLoggedAndMessageDeleted(t *testing.T) {
	q := memory.New(nil)
	seed(t, q, "orders", "bad", "good")
	trace := logging.NewTraceRecorder()
	inv := &recordingInvoker{fail: func(msg transport.Message) error {
		if string(msg.Body) == "bad" {
			return errors.New("handler failed")
		}
		return nil
	}}

	l := newTestListener(t, q, inv, trace, testOptions())
	require.NoError(t, l.StartListening("orders", binding("orders")))

	require.Eventually(t, func() bool { return inv.count() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return pending(t, q, "orders") == 0 }, waitFor, tick)

	require.Equal(t, 1, trace.Count(logging.LevelError, "Failed to process message from queue orders"))
	for _, e := range trace.Entries() {
		if e.Level == logging.LevelError {
			assert.EqualError(t, e.Cause, "handler failed")
		}
	}
}

func TestListener_MissingQueue(t *testing.T) {
	trace := logging.NewTraceRecorder()
	inv := &recordingInvoker{}
	l := newTestListener(t, memory.New(nil), inv, trace, testOptions())

	require.NoError(t, l.StartListening("ghost", binding("ghost")))

	require.Eventually(t, func() bool {
		return trace.Count(logging.LevelVerbose, "Queue 'ghost' does not exist.") >= 2
	}, waitFor, tick)
	assert.Zero(t, inv.count())
	assert.Equal(t, StateListening, l.State("ghost"))
}

func TestListener_PicksUpQueueCreatedLater(t *testing.T) {
	q := memory.New(nil)
	inv := &recordingInvoker{}
	l := newTestListener(t, q, inv, nil, testOptions())

	require.NoError(t, l.StartListening("late", binding("late")))
	time.Sleep(30 * time.Millisecond)
	seed(t, q, "late", "hello")

	require.Eventually(t, func() bool { return inv.count() == 1 }, waitFor, tick)
}

func TestStartListening_AlreadyListening(t *testing.T) {
	l := newTestListener(t, memory.New(nil), &recordingInvoker{}, nil, testOptions())

	require.NoError(t, l.StartListening("orders", binding("orders")))
	err := l.StartListening(" ORDERS ", binding("orders"))
	assert.ErrorIs(t, err, errspkg.ErrAlreadyListening)
}

func TestStop_SingleQueue(t *testing.T) {
	q := memory.New(nil)
	l := newTestListener(t, q, &recordingInvoker{}, nil, testOptions())

	require.NoError(t, l.StartListening("orders", binding("orders")))
	require.NoError(t, l.StartListening("refunds", binding("refunds")))

	require.NoError(t, l.Stop("orders"))
	require.NoError(t, l.Stop("orders"))
	require.Eventually(t, func() bool { return l.State("orders") == StateStopped }, waitFor, tick)

	assert.Equal(t, StateListening, l.State("refunds"))
	assert.False(t, l.IsStopping())

	// a stopped poller is replaced by a fresh one
	require.NoError(t, l.StartListening("orders", binding("orders")))
	assert.Equal(t, StateListening, l.State("orders"))
}

func TestStop_UnknownQueue(t *testing.T) {
	l := newTestListener(t, memory.New(nil), &recordingInvoker{}, nil, testOptions())
	assert.ErrorIs(t, l.Stop("nothing"), errspkg.ErrQueueNotListening)
	assert.Equal(t, StateIdle, l.State("nothing"))
}

func TestStopAll(t *testing.T) {
	trace := logging.NewTraceRecorder()
	l := newTestListener(t, memory.New(nil), &recordingInvoker{}, trace, testOptions())

	require.NoError(t, l.StartListening("orders", binding("orders")))
	require.NoError(t, l.StartListening("refunds", binding("refunds")))

	l.StopAll()
	l.StopAll()
	assert.True(t, l.IsStopping())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, l.Wait(ctx))

	assert.Equal(t, StateStopped, l.State("orders"))
	assert.Equal(t, StateStopped, l.State("refunds"))
	assert.Equal(t, 1, trace.Count(logging.LevelInfo, "Stop listening to queues"))

	assert.ErrorIs(t, l.StartListening("invoices", binding("invoices")), errspkg.ErrListenerStopping)
	assert.Equal(t, []string{"orders", "refunds"}, l.Queues())
}

func TestStopAll_RejectsBeforeValidation(t *testing.T) {
	l := newTestListener(t, memory.New(nil), &recordingInvoker{}, nil, testOptions())
	l.StopAll()
	assert.ErrorIs(t, l.StartListening("", nil), errspkg.ErrListenerStopping)
}

func TestStop_DoesNotInterruptRunningHandler(t *testing.T) {
	q := memory.New(nil)
	seed(t, q, "orders", "first", "second")
	inv := &recordingInvoker{gate: make(chan struct{}), entered: make(chan struct{}, 2)}

	l := newTestListener(t, q, inv, nil, testOptions())
	require.NoError(t, l.StartListening("orders", binding("orders")))

	select {
	case <-inv.entered:
	case <-time.After(waitFor):
		t.Fatal("handler was never invoked")
	}

	l.StopAll()
	assert.Equal(t, StateStopping, l.State("orders"))

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(shortCtx), context.DeadlineExceeded)

	close(inv.gate)
	require.NoError(t, l.Wait(context.Background()))

	assert.Equal(t, []string{"first"}, inv.Bodies())
	assert.Equal(t, []error{nil}, inv.ctxErrs)
	// the finished message was deleted, the remaining one was left alone
	assert.Equal(t, int64(1), pending(t, q, "orders"))
}

type faultyQueue struct {
	*memory.Transport
	fetchErr   error
	fetchPanic bool
	deleteErr  error
}

func (f *faultyQueue) Exists(context.Context, string) (bool, error) { return true, nil }

func (f *faultyQueue) FetchBatch(ctx context.Context, queue string, max int, lease time.Duration) ([]transport.Message, error) {
	if f.fetchPanic {
		panic("fetch exploded")
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.Transport.FetchBatch(ctx, queue, max, lease)
}

func (f *faultyQueue) Delete(ctx context.Context, queue string, msg transport.Message) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Transport.Delete(ctx, queue, msg)
}

func TestListener_FetchErrorKeepsPolling(t *testing.T) {
	trace := logging.NewTraceRecorder()
	q := &faultyQueue{Transport: memory.New(nil), fetchErr: errors.New("connection refused")}
	l := newTestListener(t, q, &recordingInvoker{}, trace, testOptions())

	require.NoError(t, l.StartListening("orders", binding("orders")))

	require.Eventually(t, func() bool {
		return trace.Count(logging.LevelError, "Failed to fetch messages from queue 'orders'") >= 2
	}, waitFor, tick)
	assert.Equal(t, StateListening, l.State("orders"))
}

func TestListener_DeleteErrorIsLogged(t *testing.T) {
	trace := logging.NewTraceRecorder()
	mem := memory.New(nil)
	seed(t, mem, "orders", "x")
	q := &faultyQueue{Transport: mem, deleteErr: errspkg.ErrMessageNotFound}
	inv := &recordingInvoker{}

	opts := testOptions()
	opts.PollInterval = time.Hour
	l := newTestListener(t, q, inv, trace, opts)
	require.NoError(t, l.StartListening("orders", binding("orders")))

	require.Eventually(t, func() bool { return inv.count() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, e := range trace.Entries() {
			if e.Level == logging.LevelError && errors.Is(e.Cause, errspkg.ErrMessageNotFound) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, StateListening, l.State("orders"))
}

func TestListener_PanicEndsOnlyThatQueue(t *testing.T) {
	trace := logging.NewTraceRecorder()
	q := &faultyQueue{Transport: memory.New(nil), fetchPanic: true}
	l := newTestListener(t, q, &recordingInvoker{}, trace, testOptions())

	require.NoError(t, l.StartListening("boom", binding("boom")))

	require.Eventually(t, func() bool { return l.State("boom") == StateStopped }, waitFor, tick)
	assert.Equal(t, 1, trace.Count(logging.LevelError, "Listener for queue 'boom' terminated unexpectedly"))
	assert.False(t, l.IsStopping())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}

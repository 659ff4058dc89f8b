// Package memory provides an in-process queue transport with real lease
// semantics. It is the default transport for tests and local runs; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/ids"
	"github.com/drblury/queuehost/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// AliasName is accepted for configs written for the channel transport.
const AliasName = "channel"

func init() {
	Register()
}

// Register adds the memory transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
	transport.RegisterWithCapabilities(AliasName, Build, transport.MemoryCapabilities)
}

// Build creates a new, empty memory transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Queue, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

type entry struct {
	msg       transport.Message
	visibleAt time.Time
}

// Transport keeps every queue as an ordered slice guarded by one mutex.
type Transport struct {
	logger watermill.LoggerAdapter
	now    func() time.Time

	mu     sync.Mutex
	queues map[string][]*entry
	closed bool
}

var (
	_ transport.Queue             = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.QueueDeleter      = (*Transport)(nil)
)

// New returns an empty memory transport.
func New(logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		logger: logger,
		now:    time.Now,
		queues: make(map[string][]*entry),
	}
}

func (t *Transport) Exists(ctx context.Context, queue string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, errspkg.ErrTransportClosed
	}
	_, ok := t.queues[queue]
	return ok, nil
}

func (t *Transport) CreateIfMissing(ctx context.Context, queue string) error {
	if queue == "" {
		return errspkg.ErrQueueNameRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errspkg.ErrTransportClosed
	}
	if _, ok := t.queues[queue]; !ok {
		t.queues[queue] = nil
		t.logger.Debug("Created queue", watermill.LogFields{"queue": queue})
	}
	return nil
}

func (t *Transport) Enqueue(ctx context.Context, queue string, body []byte) (transport.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.Message{}, errspkg.ErrTransportClosed
	}
	entries, ok := t.queues[queue]
	if !ok {
		return transport.Message{}, errspkg.ErrQueueNotFound
	}

	now := t.now()
	stored := make([]byte, len(body))
	copy(stored, body)
	e := &entry{
		msg: transport.Message{
			ID:         ids.CreateULID(),
			Body:       stored,
			InsertedAt: now,
		},
		visibleAt: now,
	}
	t.queues[queue] = append(entries, e)
	return e.msg, nil
}

// FetchBatch leases up to max visible messages in insertion order.
func (t *Transport) FetchBatch(ctx context.Context, queue string, max int, lease time.Duration) ([]transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errspkg.ErrTransportClosed
	}
	entries, ok := t.queues[queue]
	if !ok {
		return nil, errspkg.ErrQueueNotFound
	}

	now := t.now()
	var batch []transport.Message
	for _, e := range entries {
		if max > 0 && len(batch) >= max {
			break
		}
		if e.visibleAt.After(now) {
			continue
		}
		e.visibleAt = now.Add(lease)
		e.msg.DequeueCount++
		e.msg.Handle = ids.CreateLeaseHandle(e.msg.ID)
		batch = append(batch, cloneMessage(e.msg))
	}
	return batch, nil
}

// Delete removes msg if msg.Handle is still the current lease.
func (t *Transport) Delete(ctx context.Context, queue string, msg transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errspkg.ErrTransportClosed
	}
	entries, ok := t.queues[queue]
	if !ok {
		return errspkg.ErrQueueNotFound
	}
	for i, e := range entries {
		if e.msg.ID != msg.ID {
			continue
		}
		if e.msg.Handle == "" || e.msg.Handle != msg.Handle {
			return errspkg.ErrMessageNotFound
		}
		t.queues[queue] = append(entries[:i:i], entries[i+1:]...)
		return nil
	}
	return errspkg.ErrMessageNotFound
}

func (t *Transport) GetPendingCount(ctx context.Context, queue string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.queues[queue]
	if !ok {
		return 0, errspkg.ErrQueueNotFound
	}
	return int64(len(entries)), nil
}

func (t *Transport) DeleteQueue(ctx context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, queue)
	return nil
}

// Queues returns the sorted names of all existing queues.
func (t *Transport) Queues() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.queues))
	for name := range t.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.queues = make(map[string][]*entry)
	return nil
}

func cloneMessage(msg transport.Message) transport.Message {
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	msg.Body = body
	return msg
}

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/payload"
)

// Enqueue encodes v the way queue-triggered functions decode it, creates the
// queue if needed and adds the message.
func Enqueue(ctx context.Context, q Queue, queue string, v any) (Message, error) {
	if q == nil {
		return Message{}, errspkg.ErrTransportRequired
	}
	name := NormalizeQueueName(queue)
	if name == "" {
		return Message{}, errspkg.ErrQueueNameRequired
	}
	body, err := payload.Encode(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode message for queue %s: %w", name, err)
	}
	if err := q.CreateIfMissing(ctx, name); err != nil {
		return Message{}, fmt.Errorf("create queue %s: %w", name, err)
	}
	return q.Enqueue(ctx, name, body)
}

// Publisher adapts a Queue to Watermill's message.Publisher so existing
// Watermill producers can feed queue-triggered functions. The topic is used as
// the queue name and the message payload is enqueued unchanged.
type Publisher struct {
	queue Queue

	mu      sync.Mutex
	created map[string]struct{}
	closed  bool
}

var _ message.Publisher = (*Publisher)(nil)

// NewPublisher returns a publisher writing to q. Closing the publisher does
// not close q.
func NewPublisher(q Queue) (*Publisher, error) {
	if q == nil {
		return nil, errspkg.ErrTransportRequired
	}
	return &Publisher{queue: q, created: make(map[string]struct{})}, nil
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	name := NormalizeQueueName(topic)
	if name == "" {
		return errspkg.ErrQueueNameRequired
	}
	if err := p.ensureQueue(name); err != nil {
		return err
	}

	for _, msg := range messages {
		ctx := msg.Context()
		if _, err := p.queue.Enqueue(ctx, name, msg.Payload); err != nil {
			return fmt.Errorf("publish %s to queue %s: %w", msg.UUID, name, err)
		}
	}
	return nil
}

func (p *Publisher) ensureQueue(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errspkg.ErrTransportClosed
	}
	if _, ok := p.created[name]; ok {
		return nil
	}
	if err := p.queue.CreateIfMissing(context.Background(), name); err != nil {
		return fmt.Errorf("create queue %s: %w", name, err)
	}
	p.created[name] = struct{}{}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

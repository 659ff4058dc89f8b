// Package jetstream provides a NATS JetStream queue transport. All queues
// share one work-queue stream; each queue is a durable pull consumer that
// filters on its own subject.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/ids"
	"github.com/drblury/queuehost/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream all queues live in.
	DefaultStreamName = "QUEUEHOST"

	// DefaultMaxDeliver of -1 redelivers until the message is deleted.
	DefaultMaxDeliver = -1

	// DefaultAckWait is the lease applied to new consumers.
	DefaultAckWait = 60 * time.Second

	// DefaultFetchWait bounds how long an empty fetch blocks.
	DefaultFetchWait = 500 * time.Millisecond
)

func init() {
	Register()
}

// Register adds the JetStream transport (and its "jetstream" alias) to the
// default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
	transport.RegisterWithCapabilities("jetstream", Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Queue, error) {
	c := Config{URL: cfg.GetNATSURL()}
	if lc, ok := cfg.(transport.LeaseConfig); ok {
		c.AckWait = lc.GetVisibilityTimeout()
	}
	return New(c, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "QUEUEHOST".
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the lease given to each fetched message. JetStream fixes it
	// when the consumer is created, so the lease passed to FetchBatch is
	// ignored.
	AckWait time.Duration

	// FetchWait is how long FetchBatch waits for at least one message.
	FetchWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// lease is one outstanding delivery waiting for Delete.
type lease struct {
	msg      *nats.Msg
	seq      uint64
	deadline time.Time
}

// Transport implements transport.Queue on top of JetStream pull consumers.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	subMu         sync.Mutex
	subscriptions map[string]*nats.Subscription

	leaseMu sync.Mutex
	leases  map[string]lease
	// latest maps a stream sequence to the handle of its newest delivery
	latest map[uint64]string

	closed   bool
	closedMu sync.RWMutex
}

var (
	_ transport.Queue             = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.QueueDeleter      = (*Transport)(nil)
)

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger.With(watermill.LogFields{"transport": TransportName}),
		now:           time.Now,
		subscriptions: make(map[string]*nats.Subscription),
		leases:        make(map[string]lease),
		latest:        make(map[uint64]string),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		Replicas:  t.config.Replicas,
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return err
		}
		t.logger.Info("JetStream stream exists", watermill.LogFields{"stream": t.config.StreamName})
	}
	return nil
}

func (t *Transport) checkOpen() error {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return errspkg.ErrTransportClosed
	}
	return nil
}

func (t *Transport) Exists(_ context.Context, queue string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	_, err := t.js.ConsumerInfo(t.config.StreamName, durableName(queue))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check queue %s: %w", queue, err)
	}
	return true, nil
}

func (t *Transport) CreateIfMissing(ctx context.Context, queue string) error {
	if queue == "" {
		return errspkg.ErrQueueNameRequired
	}
	exists, err := t.Exists(ctx, queue)
	if err != nil || exists {
		return err
	}

	_, err = t.js.AddConsumer(t.config.StreamName, &nats.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: t.subject(queue),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) Enqueue(ctx context.Context, queue string, body []byte) (transport.Message, error) {
	exists, err := t.Exists(ctx, queue)
	if err != nil {
		return transport.Message{}, err
	}
	if !exists {
		return transport.Message{}, errspkg.ErrQueueNotFound
	}

	msg := transport.Message{ID: ids.CreateULID(), Body: body, InsertedAt: t.now()}
	if _, err := t.js.Publish(t.subject(queue), body, nats.MsgId(msg.ID), nats.Context(ctx)); err != nil {
		return transport.Message{}, fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	return msg, nil
}

// FetchBatch pulls up to max messages from the queue's consumer. An empty
// queue yields an empty batch after FetchWait.
func (t *Transport) FetchBatch(_ context.Context, queue string, max int, _ time.Duration) ([]transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	sub, err := t.subscription(queue)
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(t.config.FetchWait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", queue, err)
	}

	batch := make([]transport.Message, 0, len(msgs))
	for _, m := range msgs {
		meta, err := m.Metadata()
		if err != nil {
			t.logger.Error("Failed to read message metadata", err, watermill.LogFields{"queue": queue})
			continue
		}

		id := m.Header.Get(nats.MsgIdHdr)
		if id == "" {
			id = fmt.Sprintf("%d", meta.Sequence.Stream)
		}
		out := transport.Message{
			ID:           id,
			Handle:       ids.CreateLeaseHandle(id),
			Body:         m.Data,
			DequeueCount: int(meta.NumDelivered),
			InsertedAt:   meta.Timestamp,
		}
		t.track(out.Handle, lease{msg: m, seq: meta.Sequence.Stream, deadline: t.now().Add(t.config.AckWait)})
		batch = append(batch, out)
	}
	return batch, nil
}

func (t *Transport) track(handle string, l lease) {
	t.leaseMu.Lock()
	defer t.leaseMu.Unlock()
	if old, ok := t.latest[l.seq]; ok {
		delete(t.leases, old)
	}
	t.leases[handle] = l
	t.latest[l.seq] = handle
}

// Delete acknowledges msg. Only the newest delivery of a message can be
// acknowledged, and only before its lease runs out.
func (t *Transport) Delete(_ context.Context, queue string, msg transport.Message) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	t.leaseMu.Lock()
	l, ok := t.leases[msg.Handle]
	if ok {
		delete(t.leases, msg.Handle)
		delete(t.latest, l.seq)
	}
	t.leaseMu.Unlock()

	if !ok || t.now().After(l.deadline) {
		return errspkg.ErrMessageNotFound
	}
	if err := l.msg.AckSync(); err != nil {
		return fmt.Errorf("failed to ack message %s on %s: %w", msg.ID, queue, err)
	}
	return nil
}

// GetPendingCount returns the number of messages waiting or leased.
func (t *Transport) GetPendingCount(_ context.Context, queue string) (int64, error) {
	info, err := t.js.ConsumerInfo(t.config.StreamName, durableName(queue))
	if err != nil {
		return 0, err
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

func (t *Transport) DeleteQueue(_ context.Context, queue string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	t.subMu.Lock()
	if sub, ok := t.subscriptions[queue]; ok {
		_ = sub.Unsubscribe()
		delete(t.subscriptions, queue)
	}
	t.subMu.Unlock()

	if err := t.js.DeleteConsumer(t.config.StreamName, durableName(queue)); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}
	return t.js.PurgeStream(t.config.StreamName, &nats.StreamPurgeRequest{Subject: t.subject(queue)})
}

func (t *Transport) subscription(queue string) (*nats.Subscription, error) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	if sub, ok := t.subscriptions[queue]; ok {
		return sub, nil
	}

	durable := durableName(queue)
	sub, err := t.js.PullSubscribe(t.subject(queue), durable, nats.Bind(t.config.StreamName, durable))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, errspkg.ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", queue, err)
	}
	t.subscriptions[queue] = sub
	return sub, nil
}

func (t *Transport) subject(queue string) string {
	return t.config.StreamName + "." + queue
}

// durableName maps a queue to a consumer name. Consumer names may not contain
// dots, wildcards or whitespace.
func durableName(queue string) string {
	return "queuehost_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queue)
}

// Close unsubscribes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = make(map[string]*nats.Subscription)
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTransport() (*Transport, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := New(watermill.NopLogger{})
	tr.now = clock.Now
	return tr, clock
}

func TestRegistration(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has(AliasName))
	assert.Equal(t, "memory", Capabilities().Name)
}

func TestExistsAndCreate(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport()

	exists, err := tr.Exists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))
	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))

	exists, err = tr.Exists(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []string{"orders"}, tr.Queues())

	assert.ErrorIs(t, tr.CreateIfMissing(ctx, ""), errspkg.ErrQueueNameRequired)
}

func TestEnqueueRequiresQueue(t *testing.T) {
	tr, _ := newTestTransport()
	_, err := tr.Enqueue(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, errspkg.ErrQueueNotFound)

	_, err = tr.FetchBatch(context.Background(), "missing", 8, time.Minute)
	assert.ErrorIs(t, err, errspkg.ErrQueueNotFound)
}

func TestFetchBatchOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport()
	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))

	for _, body := range []string{"1", "2", "3"} {
		_, err := tr.Enqueue(ctx, "orders", []byte(body))
		require.NoError(t, err)
	}

	first, err := tr.FetchBatch(ctx, "orders", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "1", string(first[0].Body))
	assert.Equal(t, "2", string(first[1].Body))
	assert.Equal(t, 1, first[0].DequeueCount)
	assert.NotEmpty(t, first[0].Handle)

	second, err := tr.FetchBatch(ctx, "orders", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "3", string(second[0].Body))

	empty, err := tr.FetchBatch(ctx, "orders", 2, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTestTransport()
	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))
	_, err := tr.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)

	first, err := tr.FetchBatch(ctx, "orders", 8, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(30 * time.Second)
	hidden, err := tr.FetchBatch(ctx, "orders", 8, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	clock.Advance(31 * time.Second)
	again, err := tr.FetchBatch(ctx, "orders", 8, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].DequeueCount)
	assert.NotEqual(t, first[0].Handle, again[0].Handle)

	// the stale lease can no longer delete the message
	assert.ErrorIs(t, tr.Delete(ctx, "orders", first[0]), errspkg.ErrMessageNotFound)
	require.NoError(t, tr.Delete(ctx, "orders", again[0]))

	count, err := tr.GetPendingCount(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeleteUnknownMessage(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport()
	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))

	err := tr.Delete(ctx, "orders", transport.Message{ID: "nope", Handle: "nope.1"})
	assert.ErrorIs(t, err, errspkg.ErrMessageNotFound)

	msg, err := tr.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Delete(ctx, "orders", msg), errspkg.ErrMessageNotFound, "never-leased message has no handle")
}

func TestFetchedBodyIsCopied(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTestTransport()
	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))
	_, err := tr.Enqueue(ctx, "orders", []byte("abc"))
	require.NoError(t, err)

	batch, err := tr.FetchBatch(ctx, "orders", 1, time.Second)
	require.NoError(t, err)
	batch[0].Body[0] = 'z'

	clock.Advance(2 * time.Second)
	again, err := tr.FetchBatch(ctx, "orders", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again[0].Body))
}

func TestDeleteQueueAndClose(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport()
	require.NoError(t, tr.CreateIfMissing(ctx, "orders"))
	require.NoError(t, tr.DeleteQueue(ctx, "orders"))

	exists, err := tr.Exists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.Close())
	_, err = tr.Exists(ctx, "orders")
	assert.ErrorIs(t, err, errspkg.ErrTransportClosed)
}

func TestBuildFromRegistry(t *testing.T) {
	q, err := transport.DefaultRegistry.Build(context.Background(), stubConfig{system: "channel"}, nil)
	require.NoError(t, err)
	_, ok := q.(*Transport)
	assert.True(t, ok)
}

type stubConfig struct {
	system string
}

func (s stubConfig) GetQueueSystem() string        { return s.system }
func (s stubConfig) GetSQLiteFile() string         { return "" }
func (s stubConfig) GetPostgresURL() string        { return "" }
func (s stubConfig) GetNATSURL() string            { return "" }
func (s stubConfig) GetAWSRegion() string          { return "" }
func (s stubConfig) GetAWSAccountID() string       { return "" }
func (s stubConfig) GetAWSAccessKeyID() string     { return "" }
func (s stubConfig) GetAWSSecretAccessKey() string { return "" }
func (s stubConfig) GetAWSEndpoint() string        { return "" }

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	queueSystem string
}

func (m *mockConfig) GetQueueSystem() string        { return m.queueSystem }
func (m *mockConfig) GetSQLiteFile() string         { return "" }
func (m *mockConfig) GetPostgresURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockQueue struct{}

func (mockQueue) Exists(context.Context, string) (bool, error) { return true, nil }
func (mockQueue) FetchBatch(context.Context, string, int, time.Duration) ([]Message, error) {
	return nil, nil
}
func (mockQueue) Delete(context.Context, string, Message) error { return nil }
func (mockQueue) CreateIfMissing(context.Context, string) error { return nil }
func (mockQueue) Enqueue(context.Context, string, []byte) (Message, error) {
	return Message{ID: "1"}, nil
}
func (mockQueue) Close() error { return nil }

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Queue, error) {
	return mockQueue{}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilder)
	assert.True(t, reg.Has("test-transport"))
	assert.True(t, reg.Has("TEST-TRANSPORT"), "lookups are case-insensitive")
	assert.Contains(t, reg.Names(), "test-transport")
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	caps := Capabilities{
		Name:         "test-transport",
		Durable:      true,
		MaxBatchSize: 10,
	}
	reg.RegisterWithCapabilities("test-transport", mockBuilder, caps)

	assert.True(t, reg.Has("test-transport"))
	got := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", got.Name)
	assert.True(t, got.Durable)
	assert.Equal(t, 10, got.MaxBatchSize)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.Durable)
	assert.Zero(t, caps.MaxBatchSize)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilder)

	q, err := reg.Build(context.Background(), &mockConfig{queueSystem: "Test-Transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, q)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Build(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestRegistry_Build_UnknownTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("sqlite", mockBuilder)

	_, err := reg.Build(context.Background(), &mockConfig{queueSystem: "unknown-transport"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
	assert.Contains(t, err.Error(), "sqlite")
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()

	expectedErr := errors.New("builder error")
	reg.Register("failing-transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Queue, error) {
		return nil, expectedErr
	})

	_, err := reg.Build(context.Background(), &mockConfig{queueSystem: "failing-transport"}, nil)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	reg.Register("transport2", mockBuilder)
	reg.Register("transport1", mockBuilder)
	reg.Register("transport3", mockBuilder)

	assert.Equal(t, []string{"transport1", "transport2", "transport3"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("transport", mockBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("transport"))
}

func TestBuildWithDefaultRegistry(t *testing.T) {
	_, err := Build(context.Background(), &mockConfig{queueSystem: "nonexistent"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestNormalizeQueueName(t *testing.T) {
	assert.Equal(t, "orders", NormalizeQueueName("  Orders "))
	assert.Equal(t, "", NormalizeQueueName("   "))
}

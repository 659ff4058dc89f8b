// Package transport defines the queue contract the job host polls and the
// registry queue backends register themselves with. Each backend lives in its
// own sub-package and registers itself from init.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Message is one queue message as handed out by FetchBatch. Handle is the
// lease receipt required to delete it.
type Message struct {
	ID           string
	Handle       string
	Body         []byte
	DequeueCount int
	InsertedAt   time.Time
}

// Queue is a lease-based work queue. A fetched message stays invisible to
// other fetchers for the lease duration and reappears unless deleted.
type Queue interface {
	Exists(ctx context.Context, queue string) (bool, error)
	FetchBatch(ctx context.Context, queue string, max int, lease time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue string, msg Message) error
	CreateIfMissing(ctx context.Context, queue string) error
	Enqueue(ctx context.Context, queue string, body []byte) (Message, error)
	Close() error
}

// Builder is the function signature for creating a queue transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Queue, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetQueueSystem returns the transport name.
	GetQueueSystem() string

	GetSQLiteFile() string
	GetPostgresURL() string
	GetNATSURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// LeaseConfig is implemented by configs that carry the host's visibility
// timeout. Transports that fix the lease at queue creation read it here.
type LeaseConfig interface {
	GetVisibilityTimeout() time.Duration
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by transports that can report queue statistics.
type QueueIntrospector interface {
	GetPendingCount(ctx context.Context, queue string) (int64, error)
}

// QueueDeleter is implemented by transports that can drop a whole queue.
type QueueDeleter interface {
	DeleteQueue(ctx context.Context, queue string) error
}

// NormalizeQueueName trims and lower-cases a queue name. Queue names are
// compared case-insensitively everywhere in the host.
func NormalizeQueueName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

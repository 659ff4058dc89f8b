package transport

import "time"

// Capabilities describes the limits and guarantees of a queue backend. The
// host clamps its batch size and lease to these limits.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Durable indicates messages survive a process restart.
	Durable bool

	// SupportsOrdering indicates messages are fetched in enqueue order.
	SupportsOrdering bool

	// SupportsLeaseRenewal indicates the lease is chosen per fetch. When false
	// the lease is fixed when the queue is created.
	SupportsLeaseRenewal bool

	// MaxBatchSize is the largest batch a single fetch may return (0 = unlimited).
	MaxBatchSize int

	// MaxLease is the longest visibility timeout accepted (0 = unlimited).
	MaxLease time.Duration

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// ClampBatchSize limits n to MaxBatchSize.
func (c Capabilities) ClampBatchSize(n int) int {
	if c.MaxBatchSize > 0 && n > c.MaxBatchSize {
		return c.MaxBatchSize
	}
	return n
}

// ClampLease limits d to MaxLease.
func (c Capabilities) ClampLease(d time.Duration) time.Duration {
	if c.MaxLease > 0 && d > c.MaxLease {
		return c.MaxLease
	}
	return d
}

// Predefined capability sets for the built-in transports.
var (
	MemoryCapabilities = Capabilities{
		Name:                 "memory",
		SupportsOrdering:     true,
		SupportsLeaseRenewal: true,
	}

	SQLiteCapabilities = Capabilities{
		Name:                 "sqlite",
		Durable:              true,
		SupportsOrdering:     true,
		SupportsLeaseRenewal: true,
	}

	PostgresCapabilities = Capabilities{
		Name:                 "postgres",
		Durable:              true,
		SupportsOrdering:     true,
		SupportsLeaseRenewal: true,
	}

	// AWSCapabilities for Amazon SQS.
	AWSCapabilities = Capabilities{
		Name:                 "aws",
		Durable:              true,
		SupportsLeaseRenewal: true,
		MaxBatchSize:         10,
		MaxLease:             12 * time.Hour,
		MaxMessageSize:       262144, // 256KB
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		Durable:          true,
		SupportsOrdering: true,
		MaxMessageSize:   1048576, // Default 1MB
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}

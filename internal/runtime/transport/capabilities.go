// Package transport builds the configured queue transport for the job host
// and fits the polling settings to what the backend supports. Backends live
// in github.com/drblury/queuehost/transport/*.
package transport

import (
	"time"

	queuetransport "github.com/drblury/queuehost/transport"
)

// Capabilities is an alias for the transport Capabilities.
type Capabilities = queuetransport.Capabilities

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return queuetransport.GetCapabilities(transportName)
}

// Limits are the polling settings after clamping to a backend.
type Limits struct {
	BatchSize         int
	VisibilityTimeout time.Duration
	// Clamped reports whether either value was reduced.
	Clamped bool
}

// Clamp fits batchSize and visibilityTimeout to caps.
func Clamp(caps Capabilities, batchSize int, visibilityTimeout time.Duration) Limits {
	l := Limits{
		BatchSize:         caps.ClampBatchSize(batchSize),
		VisibilityTimeout: caps.ClampLease(visibilityTimeout),
	}
	l.Clamped = l.BatchSize != batchSize || l.VisibilityTimeout != visibilityTimeout
	return l
}

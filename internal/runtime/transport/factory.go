package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/queuehost/internal/runtime/config"
	queuetransport "github.com/drblury/queuehost/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/queuehost/transport/transports"
)

// Transport is a built queue together with the limits of its backend.
type Transport struct {
	Queue        queuetransport.Queue
	Capabilities Capabilities
}

// Factory abstracts how the job host initialises its queue transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns the built-in transport factory that uses the
// transport registry.
func DefaultFactory() Factory {
	return defaultFactory{registry: queuetransport.DefaultRegistry}
}

// RegistryFactory returns a factory that builds from registry instead of the
// default one.
func RegistryFactory(registry *queuetransport.Registry) Factory {
	return defaultFactory{registry: registry}
}

type defaultFactory struct {
	registry *queuetransport.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	q, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	caps := f.registry.GetCapabilities(conf.GetQueueSystem())
	if provider, ok := q.(queuetransport.CapabilitiesProvider); ok {
		caps = provider.Capabilities()
	}

	return Transport{Queue: q, Capabilities: caps}, nil
}

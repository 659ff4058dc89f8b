// Package transports imports all built-in queue backends for registration.
// Import it for its side effects to make every backend available by name.
package transports

import (
	_ "github.com/drblury/queuehost/transport/aws"
	_ "github.com/drblury/queuehost/transport/jetstream"
	_ "github.com/drblury/queuehost/transport/memory"
	_ "github.com/drblury/queuehost/transport/postgres"
	_ "github.com/drblury/queuehost/transport/sqlite"
)

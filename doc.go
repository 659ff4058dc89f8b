// Package queuehost runs queue-triggered functions locally. It discovers
// exported functions bound to a queue name, polls each queue in the
// background, hands every message to its function and deletes it once the
// function returned. It stands in for a managed queue-triggered job runtime
// during development and in small deployments.
//
// A minimal setup fills Config, declares a Module with QueueTrigger entries,
// creates a Host with NewJobHost and calls RunAndBlock:
//
//	func ProcessOrder(ctx context.Context, o Order) error { ... }
//
//	mod := queuehost.NewModule("orders", queuehost.QueueTrigger("orders", ProcessOrder))
//	host, err := queuehost.NewJobHost(ctx, &queuehost.Config{QueueSystem: "sqlite", SQLiteFile: "jobs.db"}, logger, queuehost.HostOptions{}, mod)
//	if err != nil { ... }
//	err = host.RunAndBlock(ctx)
//
// # Handlers
//
// A handler is an exported package-level function taking one payload
// parameter, optionally preceded by a context.Context, and returning nothing,
// an error or a <-chan error for asynchronous work. Payloads are protobuf
// JSON for proto.Message types, passed through unchanged for []byte and
// string, and JSON otherwise. Unexported functions are skipped silently so
// helpers can live next to handlers. Methods and function literals are not
// eligible.
//
// # Transports
//
// The queue backend is picked by Config.QueueSystem:
//   - memory (alias channel): in-process queues for tests and local runs
//   - sqlite: embedded persistent queue
//   - postgres: PostgreSQL queue using SELECT ... FOR UPDATE SKIP LOCKED
//   - aws (alias sqs): Amazon SQS, with LocalStack support through AWSEndpoint
//   - nats-jetstream (alias jetstream): NATS JetStream work-queue stream
//
// Further backends can be added with RegisterTransport.
//
// # Delivery
//
// Messages are fetched in batches with a visibility timeout and deleted after
// the handler finished, whether or not it failed. Failures are reported to
// the TraceWriter and to the optional JobHooks; there is no retry. Stopping a
// host lets the message in flight finish before the poll loop exits.
package queuehost

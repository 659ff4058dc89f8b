// Package postgres provides a PostgreSQL-backed queue transport. Concurrent
// hosts may poll the same queue: leases are taken with FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/ids"
	"github.com/drblury/queuehost/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	DefaultSchemaName   = "queuehost"
	DefaultMaxOpenConns = 10
	DefaultMaxIdleConns = 5
)

func init() {
	Register()
}

// Register adds the PostgreSQL transport (and its "postgresql" alias) to the
// default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Queue, error) {
	return New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema to use for tables. Defaults to "queuehost".
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	return c
}

// Transport keeps queues and messages in one schema.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	q      queries

	closedMu sync.RWMutex
	closed   bool
}

var (
	_ transport.Queue             = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.QueueDeleter      = (*Transport)(nil)
)

// New connects to PostgreSQL and creates the schema if needed.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	t := &Transport{
		db:     db,
		config: cfg,
		logger: logger.With(watermill.LogFields{"transport": TransportName}),
		q:      newQueries(cfg.SchemaName),
	}

	if err := t.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return t, nil
}

// queries holds the SQL statements with the schema name already quoted in.
type queries struct {
	exists          string
	createQueue     string
	insert          string
	lease           string
	deleteMessage   string
	count           string
	dropMessages    string
	dropQueue       string
	createStatement []string
}

func newQueries(schemaName string) queries {
	s := pq.QuoteIdentifier(schemaName)
	return queries{
		exists:      fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s.queues WHERE name = $1)`, s),
		createQueue: fmt.Sprintf(`INSERT INTO %s.queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, s),
		insert: fmt.Sprintf(`
			INSERT INTO %s.messages (uuid, queue, payload)
			VALUES ($1, $2, $3)
			RETURNING created_at`, s),
		lease: fmt.Sprintf(`
			UPDATE %[1]s.messages AS m
			SET visible_at = NOW() + ($3::double precision * INTERVAL '1 millisecond'),
			    receipt = m.uuid || '.' || $4::text || m.id::text,
			    dequeue_count = m.dequeue_count + 1
			WHERE m.id IN (
				SELECT id FROM %[1]s.messages
				WHERE queue = $1 AND visible_at <= NOW()
				ORDER BY id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING m.id, m.uuid, m.payload, m.created_at, m.dequeue_count, m.receipt`, s),
		deleteMessage: fmt.Sprintf(`DELETE FROM %s.messages WHERE queue = $1 AND uuid = $2 AND receipt = $3`, s),
		count:         fmt.Sprintf(`SELECT COUNT(*) FROM %s.messages WHERE queue = $1`, s),
		dropMessages:  fmt.Sprintf(`DELETE FROM %s.messages WHERE queue = $1`, s),
		dropQueue:     fmt.Sprintf(`DELETE FROM %s.queues WHERE name = $1`, s),
		createStatement: []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.queues (
				name TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s.messages (
				id BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL UNIQUE,
				queue TEXT NOT NULL REFERENCES %[1]s.queues(name) ON DELETE CASCADE,
				payload BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				receipt TEXT,
				dequeue_count INTEGER NOT NULL DEFAULT 0
			)`, s),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_messages_queue_visible ON %s.messages (queue, visible_at, id)`, s),
		},
	}
}

func (t *Transport) initSchema(ctx context.Context) error {
	for _, stmt := range t.q.createStatement {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
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

func (t *Transport) Exists(ctx context.Context, queue string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	var exists bool
	if err := t.db.QueryRowContext(ctx, t.q.exists, queue).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check queue %s: %w", queue, err)
	}
	return exists, nil
}

func (t *Transport) CreateIfMissing(ctx context.Context, queue string) error {
	if queue == "" {
		return errspkg.ErrQueueNameRequired
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, t.q.createQueue, queue); err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) Enqueue(ctx context.Context, queue string, body []byte) (transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return transport.Message{}, err
	}
	if body == nil {
		body = []byte{}
	}
	msg := transport.Message{ID: ids.CreateULID(), Body: body}
	err := t.db.QueryRowContext(ctx, t.q.insert, msg.ID, queue, body).Scan(&msg.InsertedAt)
	if err != nil {
		var pqErr *pq.Error
		// 23503: foreign_key_violation, the queue row is missing
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return transport.Message{}, errspkg.ErrQueueNotFound
		}
		return transport.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// FetchBatch leases up to max visible messages. Rows locked by another
// fetcher are skipped rather than waited on.
func (t *Transport) FetchBatch(ctx context.Context, queue string, max int, lease time.Duration) ([]transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	rows, err := t.db.QueryContext(ctx, t.q.lease, queue, max, lease.Milliseconds(), ids.CreateULID())
	if err != nil {
		return nil, fmt.Errorf("failed to lease messages: %w", err)
	}
	defer rows.Close()

	type leased struct {
		id  int64
		msg transport.Message
	}
	var out []leased
	for rows.Next() {
		var l leased
		if err := rows.Scan(&l.id, &l.msg.ID, &l.msg.Body, &l.msg.InsertedAt, &l.msg.DequeueCount, &l.msg.Handle); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	batch := make([]transport.Message, len(out))
	for i, l := range out {
		batch[i] = l.msg
	}
	return batch, nil
}

// Delete removes msg if msg.Handle still holds the lease.
func (t *Transport) Delete(ctx context.Context, queue string, msg transport.Message) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	result, err := t.db.ExecContext(ctx, t.q.deleteMessage, queue, msg.ID, msg.Handle)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errspkg.ErrMessageNotFound
	}
	return nil
}

// GetPendingCount returns the number of messages in queue, leased or not.
func (t *Transport) GetPendingCount(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, t.q.count, queue).Scan(&count)
	return count, err
}

func (t *Transport) DeleteQueue(ctx context.Context, queue string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, t.q.dropMessages, queue); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, t.q.dropQueue, queue); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the transport and releases resources.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	t.closedMu.Unlock()
	return t.db.Close()
}

// GetDB returns the underlying database connection for advanced use cases.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// Package sqlite provides a SQLite-backed queue transport. Leases are stored
// as a visible_at timestamp plus a receipt per fetch.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/internal/runtime/ids"
	"github.com/drblury/queuehost/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

func init() {
	Register()
}

// Register adds the SQLite transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Queue, error) {
	return New(ctx, Config{FilePath: cfg.GetSQLiteFile()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "queuehost.db"
	}
	return c
}

// Transport stores queues and messages in two tables of one database.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	closedMu sync.RWMutex
	closed   bool
}

var (
	_ transport.Queue             = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.QueueDeleter      = (*Transport)(nil)
)

// New opens the database and creates the schema if needed.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// one connection keeps ":memory:" databases shared and serializes leases
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:     db,
		config: cfg,
		logger: logger.With(watermill.LogFields{"transport": TransportName}),
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := t.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queues (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		queue TEXT NOT NULL REFERENCES queues(name) ON DELETE CASCADE,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		visible_at INTEGER NOT NULL,
		receipt TEXT,
		dequeue_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue_visible ON messages(queue, visible_at, id);
	`
	_, err := t.db.ExecContext(ctx, schema)
	return err
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
	var count int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE name = ?`, queue).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check queue %s: %w", queue, err)
	}
	return count > 0, nil
}

func (t *Transport) CreateIfMissing(ctx context.Context, queue string) error {
	if queue == "" {
		return errspkg.ErrQueueNameRequired
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx, `INSERT OR IGNORE INTO queues (name, created_at) VALUES (?, ?)`, queue, t.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) Enqueue(ctx context.Context, queue string, body []byte) (transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return transport.Message{}, err
	}
	exists, err := t.Exists(ctx, queue)
	if err != nil {
		return transport.Message{}, err
	}
	if !exists {
		return transport.Message{}, errspkg.ErrQueueNotFound
	}

	if body == nil {
		body = []byte{}
	}
	now := t.now()
	msg := transport.Message{ID: ids.CreateULID(), Body: body, InsertedAt: now}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO messages (uuid, queue, payload, created_at, visible_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, queue, body, now.UnixNano(), now.UnixNano())
	if err != nil {
		return transport.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// FetchBatch leases up to max visible messages in insertion order inside one
// transaction.
func (t *Transport) FetchBatch(ctx context.Context, queue string, max int, lease time.Duration) ([]transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			t.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	now := t.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, uuid, payload, created_at, dequeue_count
		FROM messages
		WHERE queue = ? AND visible_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, queue, now.UnixNano(), max)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	type row struct {
		id  int64
		msg transport.Message
	}
	var fetched []row
	for rows.Next() {
		var (
			r         row
			createdAt int64
		)
		if err := rows.Scan(&r.id, &r.msg.ID, &r.msg.Body, &createdAt, &r.msg.DequeueCount); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		r.msg.InsertedAt = time.Unix(0, createdAt).UTC()
		fetched = append(fetched, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visibleAt := now.Add(lease).UnixNano()
	batch := make([]transport.Message, 0, len(fetched))
	for _, r := range fetched {
		r.msg.Handle = ids.CreateLeaseHandle(r.msg.ID)
		r.msg.DequeueCount++
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET visible_at = ?, receipt = ?, dequeue_count = ? WHERE id = ?
		`, visibleAt, r.msg.Handle, r.msg.DequeueCount, r.id); err != nil {
			return nil, fmt.Errorf("failed to lease message: %w", err)
		}
		batch = append(batch, r.msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return batch, nil
}

// Delete removes msg if msg.Handle still holds the lease.
func (t *Transport) Delete(ctx context.Context, queue string, msg transport.Message) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	result, err := t.db.ExecContext(ctx, `
		DELETE FROM messages WHERE queue = ? AND uuid = ? AND receipt = ?
	`, queue, msg.ID, msg.Handle)
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
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue = ?`, queue).Scan(&count)
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE queue = ?`, queue); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE name = ?`, queue); err != nil {
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

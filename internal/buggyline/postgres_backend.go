package buggyline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOperationQueueTable = "buggyline_op_queue"
	postgresResponseCacheTable  = "buggyline_response_cache"
	postgresQueueKey            = "default"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresCore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresCore(dsn string) (*postgresCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{dsn: dsn, openDB: sql.Open}, nil
}

func (c *postgresCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					op_id TEXT NOT NULL UNIQUE,
					payload TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresOperationQueueTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
				postgresQuoteIdentifier(postgresOperationQueueTable+"_queue_key_seq_idx"),
				postgresQuoteIdentifier(postgresOperationQueueTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					url TEXT PRIMARY KEY,
					payload TEXT NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(postgresResponseCacheTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// PostgresOperationQueue shares one durable queue across kiosk clients
// that point at the same database.
type PostgresOperationQueue struct {
	core     *postgresCore
	queueKey string
	capacity int
}

func NewPostgresOperationQueue(dsn string, capacity int) (OperationQueue, error) {
	core, err := newPostgresCore(dsn)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &PostgresOperationQueue{core: core, queueKey: postgresQueueKey, capacity: capacity}, nil
}

func (q *PostgresOperationQueue) Enqueue(op QueuedOperation) (QueuedOperation, error) {
	op, err := prepareOperation(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	if err := q.core.ensureReady(); err != nil {
		return QueuedOperation{}, err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.core.db.BeginTx(ctx, nil)
	if err != nil {
		return QueuedOperation{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	lockKey := postgresLockKey(postgresOperationQueueTable, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return QueuedOperation{}, err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return QueuedOperation{}, err
	}
	if depth >= q.capacity {
		return QueuedOperation{}, ErrQueueFull
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (queue_key, op_id, payload, created_at) VALUES ($1, $2, $3, NOW())",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, op.ID, string(payload)); err != nil {
		return QueuedOperation{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueuedOperation{}, err
	}
	committed = true
	return op, nil
}

func (q *PostgresOperationQueue) ListPending() ([]QueuedOperation, error) {
	if err := q.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY seq ASC",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	rows, err := q.core.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]QueuedOperation, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var op QueuedOperation
		if err := json.Unmarshal([]byte(payload), &op); err != nil || op.ID == "" {
			continue
		}
		items = append(items, op)
	}
	return items, rows.Err()
}

func (q *PostgresOperationQueue) Remove(opID string) error {
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND op_id = $2",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	result, err := q.core.db.ExecContext(ctx, query, q.queueKey, opID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresOperationQueue) IncrementRetry(opID string) (int, error) {
	if err := q.core.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.core.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	selectQuery := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 AND op_id = $2 FOR UPDATE",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, q.queueKey, opID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var op QueuedOperation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return 0, err
	}
	op.RetryCount++
	updated, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET payload = $1 WHERE queue_key = $2 AND op_id = $3",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	if _, err := tx.ExecContext(ctx, updateQuery, string(updated), q.queueKey, opID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return op.RetryCount, nil
}

func (q *PostgresOperationQueue) Depth() int {
	if err := q.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1",
		postgresQuoteIdentifier(postgresOperationQueueTable))
	var depth int
	if err := q.core.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresOperationQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresOperationQueue) Close() error {
	return q.core.close()
}

type PostgresResponseCache struct {
	core *postgresCore
}

func NewPostgresResponseCache(dsn string) (ResponseCache, error) {
	core, err := newPostgresCore(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresResponseCache{core: core}, nil
}

func (c *PostgresResponseCache) Put(resp CachedResponse, ttl time.Duration) error {
	resp, err := prepareCachedResponse(resp, ttl)
	if err != nil {
		return err
	}
	if err := c.core.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (url, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (url)
		DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		postgresQuoteIdentifier(postgresResponseCacheTable))
	_, err = c.core.db.ExecContext(ctx, query, resp.URL, string(payload), resp.ExpiresAt)
	return err
}

func (c *PostgresResponseCache) Get(url string) (CachedResponse, bool) {
	url = strings.TrimSpace(url)
	if err := c.core.ensureReady(); err != nil {
		return CachedResponse{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE url = $1",
		postgresQuoteIdentifier(postgresResponseCacheTable))
	var payload string
	if err := c.core.db.QueryRowContext(ctx, query, url).Scan(&payload); err != nil {
		return CachedResponse{}, false
	}
	var resp CachedResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return CachedResponse{}, false
	}
	if resp.Expired(time.Now().UTC()) {
		_ = c.Delete(url)
		return CachedResponse{}, false
	}
	return resp, true
}

func (c *PostgresResponseCache) Delete(url string) error {
	if err := c.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE url = $1",
		postgresQuoteIdentifier(postgresResponseCacheTable))
	_, err := c.core.db.ExecContext(ctx, query, strings.TrimSpace(url))
	return err
}

func (c *PostgresResponseCache) Prune() int {
	if err := c.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= NOW()",
		postgresQuoteIdentifier(postgresResponseCacheTable))
	result, err := c.core.db.ExecContext(ctx, query)
	if err != nil {
		return 0
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	return int(affected)
}

func (c *PostgresResponseCache) Close() error {
	return c.core.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}

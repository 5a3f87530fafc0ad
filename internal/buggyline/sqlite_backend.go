package buggyline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteOperationQueueTable = "buggyline_op_queue"
	sqliteResponseCacheTable  = "buggyline_response_cache"
	sqliteOperationTimeout    = 5 * time.Second
)

type sqliteCore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLiteCore(dsn string) (*sqliteCore, error) {
	path, err := sqliteFilePath(dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteCore{dsn: path, openDB: sql.Open}, nil
}

func sqliteFilePath(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func (c *sqliteCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		if err := os.MkdirAll(filepath.Dir(c.dsn), 0o755); err != nil {
			c.initErr = err
			return
		}
		db, err := c.openDB("sqlite3", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		// sqlite serializes writers; a single pooled connection avoids
		// SQLITE_BUSY under concurrent drain and enqueue.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + sqliteOperationQueueTable + ` (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				op_id TEXT NOT NULL UNIQUE,
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ` + sqliteResponseCacheTable + ` (
				url TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				expires_at TEXT NOT NULL
			)`,
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

func (c *sqliteCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

type SQLiteOperationQueue struct {
	core     *sqliteCore
	capacity int
}

func NewSQLiteOperationQueue(dsn string, capacity int) (OperationQueue, error) {
	core, err := newSQLiteCore(dsn)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &SQLiteOperationQueue{core: core, capacity: capacity}, nil
}

func (q *SQLiteOperationQueue) Enqueue(op QueuedOperation) (QueuedOperation, error) {
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
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
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
	var depth int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+sqliteOperationQueueTable).Scan(&depth); err != nil {
		return QueuedOperation{}, err
	}
	if depth >= q.capacity {
		return QueuedOperation{}, ErrQueueFull
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+sqliteOperationQueueTable+` (op_id, payload, created_at) VALUES (?, ?, ?)`,
		op.ID, string(payload), op.CreatedAt)
	if err != nil {
		return QueuedOperation{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueuedOperation{}, err
	}
	committed = true
	return op, nil
}

func (q *SQLiteOperationQueue) ListPending() ([]QueuedOperation, error) {
	if err := q.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	rows, err := q.core.db.QueryContext(ctx,
		`SELECT payload FROM `+sqliteOperationQueueTable+` ORDER BY seq ASC`)
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

func (q *SQLiteOperationQueue) Remove(opID string) error {
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	result, err := q.core.db.ExecContext(ctx,
		`DELETE FROM `+sqliteOperationQueueTable+` WHERE op_id = ?`, opID)
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

func (q *SQLiteOperationQueue) IncrementRetry(opID string) (int, error) {
	if err := q.core.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
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
	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM `+sqliteOperationQueueTable+` WHERE op_id = ?`, opID).Scan(&payload)
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+sqliteOperationQueueTable+` SET payload = ? WHERE op_id = ?`,
		string(updated), opID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return op.RetryCount, nil
}

func (q *SQLiteOperationQueue) Depth() int {
	if err := q.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var depth int
	if err := q.core.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+sqliteOperationQueueTable).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *SQLiteOperationQueue) Capacity() int {
	return q.capacity
}

func (q *SQLiteOperationQueue) Close() error {
	return q.core.close()
}

type SQLiteResponseCache struct {
	core *sqliteCore
}

func NewSQLiteResponseCache(dsn string) (ResponseCache, error) {
	core, err := newSQLiteCore(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteResponseCache{core: core}, nil
}

func (c *SQLiteResponseCache) Put(resp CachedResponse, ttl time.Duration) error {
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
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err = c.core.db.ExecContext(ctx,
		`INSERT INTO `+sqliteResponseCacheTable+` (url, payload, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		resp.URL, string(payload), resp.ExpiresAt)
	return err
}

func (c *SQLiteResponseCache) Get(url string) (CachedResponse, bool) {
	url = strings.TrimSpace(url)
	if err := c.core.ensureReady(); err != nil {
		return CachedResponse{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := c.core.db.QueryRowContext(ctx,
		`SELECT payload FROM `+sqliteResponseCacheTable+` WHERE url = ?`, url).Scan(&payload)
	if err != nil {
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

func (c *SQLiteResponseCache) Delete(url string) error {
	if err := c.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err := c.core.db.ExecContext(ctx,
		`DELETE FROM `+sqliteResponseCacheTable+` WHERE url = ?`, strings.TrimSpace(url))
	return err
}

func (c *SQLiteResponseCache) Prune() int {
	if err := c.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	result, err := c.core.db.ExecContext(ctx,
		`DELETE FROM `+sqliteResponseCacheTable+` WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	return int(affected)
}

func (c *SQLiteResponseCache) Close() error {
	return c.core.close()
}

package buggyline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// OperationQueue holds mutating calls that failed for lack of
// connectivity, in original enqueue order. Implementations must survive
// process restarts unless explicitly in-memory.
type OperationQueue interface {
	Enqueue(op QueuedOperation) (QueuedOperation, error)
	ListPending() ([]QueuedOperation, error)
	Remove(opID string) error
	IncrementRetry(opID string) (int, error)
	Depth() int
	Capacity() int
	Close() error
}

// QueuePathProvider is implemented by queues backed by a local file so
// the background worker can watch the path for out-of-band appends.
type QueuePathProvider interface {
	QueuePath() string
}

type inMemoryOperationQueue struct {
	mu       sync.Mutex
	capacity int
	items    []QueuedOperation
}

func NewInMemoryOperationQueue(capacity int) OperationQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &inMemoryOperationQueue{capacity: capacity, items: []QueuedOperation{}}
}

func (q *inMemoryOperationQueue) Enqueue(op QueuedOperation) (QueuedOperation, error) {
	op, err := prepareOperation(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return QueuedOperation{}, ErrQueueFull
	}
	q.items = append(q.items, op)
	return op, nil
}

func (q *inMemoryOperationQueue) ListPending() ([]QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedOperation, len(q.items))
	copy(out, q.items)
	return out, nil
}

func (q *inMemoryOperationQueue) Remove(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == opID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (q *inMemoryOperationQueue) IncrementRetry(opID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == opID {
			q.items[i].RetryCount++
			return q.items[i].RetryCount, nil
		}
	}
	return 0, ErrNotFound
}

func (q *inMemoryOperationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryOperationQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryOperationQueue) Close() error {
	return nil
}

type fileOperationQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []QueuedOperation
}

type fileOperationQueueState struct {
	Items []QueuedOperation `json:"items"`
}

func NewFileOperationQueue(path string, capacity int) (OperationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 256
	}
	q := &fileOperationQueue{path: path, capacity: capacity, items: []QueuedOperation{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileOperationQueue) QueuePath() string {
	return q.path
}

func (q *fileOperationQueue) Enqueue(op QueuedOperation) (QueuedOperation, error) {
	op, err := prepareOperation(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return QueuedOperation{}, ErrQueueFull
	}
	q.items = append(q.items, op)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return QueuedOperation{}, err
	}
	return op, nil
}

func (q *fileOperationQueue) ListPending() ([]QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.reloadLocked(); err != nil {
		return nil, err
	}
	out := make([]QueuedOperation, len(q.items))
	copy(out, q.items)
	return out, nil
}

func (q *fileOperationQueue) Remove(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == opID {
			removed := item
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.saveLocked(); err != nil {
				q.items = append(q.items[:i], append([]QueuedOperation{removed}, q.items[i:]...)...)
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

func (q *fileOperationQueue) IncrementRetry(opID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == opID {
			q.items[i].RetryCount++
			if err := q.saveLocked(); err != nil {
				q.items[i].RetryCount--
				return 0, err
			}
			return q.items[i].RetryCount, nil
		}
	}
	return 0, ErrNotFound
}

func (q *fileOperationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileOperationQueue) Capacity() int {
	return q.capacity
}

func (q *fileOperationQueue) Close() error {
	return nil
}

func (q *fileOperationQueue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state fileOperationQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Items == nil {
		state.Items = []QueuedOperation{}
	}
	q.items = state.Items
	return nil
}

// reloadLocked picks up appends made by another process sharing the same
// queue file (a second open tab, in browser terms).
func (q *fileOperationQueue) reloadLocked() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state fileOperationQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Items != nil {
		q.items = state.Items
	}
	return nil
}

func (q *fileOperationQueue) saveLocked() error {
	state := fileOperationQueueState{Items: q.items}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(q.path, data, 0o644)
}

func prepareOperation(op QueuedOperation) (QueuedOperation, error) {
	op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
	op.URL = strings.TrimSpace(op.URL)
	if op.Method == "" || op.URL == "" {
		return QueuedOperation{}, ErrInvalidInput
	}
	if op.ID == "" {
		op.ID = "op_" + uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.CreatedAt == "" {
		op.CreatedAt = nowRFC3339()
	}
	return op, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

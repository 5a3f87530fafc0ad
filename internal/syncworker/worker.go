// Package syncworker drains the offline operation queue against the
// backend. One drain pass runs at a time regardless of how many
// triggers fire; operations replay in enqueue order and leave the
// queue only on a confirmed outcome.
package syncworker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/resortops/buggyline/internal/backendhttp"
	"github.com/resortops/buggyline/internal/buggyline"
)

// Replayer re-sends one queued operation. Implemented by the backend
// HTTP client; faked in tests.
type Replayer interface {
	Replay(ctx context.Context, op buggyline.QueuedOperation) error
}

// FailedOperation is a queued mutation the backend definitively
// rejected or that exhausted its retries. It stays visible until
// acknowledged; a failed mutation is never silently dropped.
type FailedOperation struct {
	Operation buggyline.QueuedOperation `json:"operation"`
	Reason    string                    `json:"reason"`
	FailedAt  string                    `json:"failedAt"`
}

// Message is the async channel from the worker to the foreground: a
// replay succeeded, an operation failed for good, or a background
// notification click needs routing.
type Message struct {
	Kind      string                      `json:"kind"`
	Operation *buggyline.QueuedOperation  `json:"operation,omitempty"`
	Failed    *FailedOperation            `json:"failed,omitempty"`
	Target    *buggyline.NavigationTarget `json:"target,omitempty"`
}

const (
	MessageOpReplayed = "op_replayed"
	MessageOpFailed   = "op_failed"
	MessageClick      = "click"
)

type Options struct {
	// MaxRetries is per operation; past it the op is surfaced as failed.
	MaxRetries int
	// RetryDelay spaces drain passes after a transient failure.
	RetryDelay time.Duration
	Logger     buggyline.Logger
}

type Worker struct {
	queue    buggyline.OperationQueue
	replayer Replayer
	logger   buggyline.Logger

	maxRetries int
	retryDelay time.Duration

	trigger chan struct{}
	inbox   chan Message

	mu       sync.Mutex
	draining bool
	rerun    bool
	failed   []FailedOperation
}

func New(queue buggyline.OperationQueue, replayer Replayer, opts Options) *Worker {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Worker{
		queue:      queue,
		replayer:   replayer,
		logger:     opts.Logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		trigger:    make(chan struct{}, 1),
		inbox:      make(chan Message, 64),
	}
}

// Kick requests a drain. Coalesces: any number of kicks while a pass
// runs result in exactly one follow-up pass.
func (w *Worker) Kick() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Listen exposes the worker-to-foreground message stream.
func (w *Worker) Listen() <-chan Message {
	return w.inbox
}

// Failed returns the operations awaiting user attention.
func (w *Worker) Failed() []FailedOperation {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]FailedOperation, len(w.failed))
	copy(out, w.failed)
	return out
}

// AcknowledgeFailed clears one surfaced failure.
func (w *Worker) AcknowledgeFailed(opID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, failed := range w.failed {
		if failed.Operation.ID == opID {
			w.failed = append(w.failed[:i], w.failed[i+1:]...)
			return nil
		}
	}
	return buggyline.ErrNotFound
}

// PostClick forwards a routed background click to the foreground.
func (w *Worker) PostClick(target buggyline.NavigationTarget) {
	w.post(Message{Kind: MessageClick, Target: &target})
}

// Run services drain triggers until ctx is cancelled. If the queue is
// file-backed it also watches the queue file so appends from another
// process wake the worker without a kick.
func (w *Worker) Run(ctx context.Context) error {
	watcher := w.watchQueueFile(ctx)
	if watcher != nil {
		defer watcher.Close()
	}
	w.Kick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.trigger:
			w.Drain(ctx)
		}
	}
}

// Drain runs one replay pass. Concurrent calls collapse into the
// running pass plus at most one rerun, so two triggers firing at once
// cannot replay the same operation twice.
func (w *Worker) Drain(ctx context.Context) {
	w.mu.Lock()
	if w.draining {
		w.rerun = true
		w.mu.Unlock()
		return
	}
	w.draining = true
	w.mu.Unlock()

	for {
		w.drainOnce(ctx)

		w.mu.Lock()
		if !w.rerun {
			w.draining = false
			w.mu.Unlock()
			return
		}
		w.rerun = false
		w.mu.Unlock()
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	pending, err := w.queue.ListPending()
	if err != nil {
		w.logf("list pending failed: %v", err)
		return
	}
	for _, op := range pending {
		if ctx.Err() != nil {
			return
		}
		err := w.replayer.Replay(ctx, op)
		if err == nil {
			if removeErr := w.queue.Remove(op.ID); removeErr != nil && !errors.Is(removeErr, buggyline.ErrNotFound) {
				w.logf("remove %s after success failed: %v", op.ID, removeErr)
			}
			w.logf("replayed %s %s", op.Method, op.URL)
			w.post(Message{Kind: MessageOpReplayed, Operation: &op})
			continue
		}

		var httpErr *backendhttp.HTTPError
		if errors.As(err, &httpErr) && httpErr.Permanent() {
			// The backend understood and said no. Retrying cannot help,
			// and the rest of the queue is still sendable.
			w.failOp(op, err.Error())
			continue
		}

		count, retryErr := w.queue.IncrementRetry(op.ID)
		if retryErr != nil && !errors.Is(retryErr, buggyline.ErrNotFound) {
			w.logf("increment retry %s failed: %v", op.ID, retryErr)
			return
		}
		if count >= w.maxRetries {
			w.failOp(op, "retries exhausted: "+err.Error())
			continue
		}
		// Transient failure: the backend is likely unreachable, so the
		// rest of the queue would fail too. Stop and wait for the next
		// trigger.
		w.logf("replay %s %s failed (attempt %d): %v", op.Method, op.URL, count, err)
		w.scheduleRetry(ctx)
		return
	}
}

func (w *Worker) failOp(op buggyline.QueuedOperation, reason string) {
	if err := w.queue.Remove(op.ID); err != nil && !errors.Is(err, buggyline.ErrNotFound) {
		w.logf("remove failed op %s: %v", op.ID, err)
	}
	failed := FailedOperation{
		Operation: op,
		Reason:    reason,
		FailedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	w.mu.Lock()
	w.failed = append(w.failed, failed)
	w.mu.Unlock()
	w.logf("operation %s %s failed permanently: %s", op.Method, op.URL, reason)
	w.post(Message{Kind: MessageOpFailed, Failed: &failed})
}

func (w *Worker) scheduleRetry(ctx context.Context) {
	go func() {
		timer := time.NewTimer(w.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			w.Kick()
		}
	}()
}

func (w *Worker) watchQueueFile(ctx context.Context) *fsnotify.Watcher {
	provider, ok := w.queue.(buggyline.QueuePathProvider)
	if !ok {
		return nil
	}
	path := provider.QueuePath()
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logf("queue file watch unavailable: %v", err)
		return nil
	}
	// Watch the directory: the queue file is written via rename, which
	// would silently kill a watch on the file itself, and the file may
	// not exist until the first enqueue.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		w.logf("watch %s failed: %v", path, err)
		watcher.Close()
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.Kick()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logf("queue watch error: %v", err)
			}
		}
	}()
	return watcher
}

func (w *Worker) post(msg Message) {
	select {
	case w.inbox <- msg:
	default:
		w.logf("foreground inbox full; dropping %s message", msg.Kind)
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

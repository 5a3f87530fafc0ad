package syncworker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resortops/buggyline/internal/backendhttp"
	"github.com/resortops/buggyline/internal/buggyline"
)

type fakeReplayer struct {
	mu       sync.Mutex
	replayed []buggyline.QueuedOperation
	errs     map[string]error
	inflight int32
	maxSeen  int32
	delay    time.Duration
}

func (f *fakeReplayer) Replay(ctx context.Context, op buggyline.QueuedOperation) error {
	current := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[op.ID]; ok {
		return err
	}
	f.replayed = append(f.replayed, op)
	return nil
}

func (f *fakeReplayer) replayedOps() []buggyline.QueuedOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]buggyline.QueuedOperation, len(f.replayed))
	copy(out, f.replayed)
	return out
}

func TestDrainReplaysInEnqueueOrder(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	first, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "POST", URL: "/api/requests"})
	second, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "PUT", URL: "/api/requests/req_1/accept"})
	third, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "PUT", URL: "/api/requests/req_1/complete"})

	replayer := &fakeReplayer{}
	worker := New(queue, replayer, Options{})
	worker.Drain(context.Background())

	got := replayer.replayedOps()
	if len(got) != 3 || got[0].ID != first.ID || got[1].ID != second.ID || got[2].ID != third.ID {
		t.Fatalf("replay order wrong: %+v", got)
	}
	if queue.Depth() != 0 {
		t.Fatalf("queue should be empty after successful drain, depth=%d", queue.Depth())
	}
}

func TestDrainSingleFlight(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	for i := 0; i < 5; i++ {
		queue.Enqueue(buggyline.QueuedOperation{Method: "POST", URL: "/api/requests"})
	}
	replayer := &fakeReplayer{delay: 5 * time.Millisecond}
	worker := New(queue, replayer, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Drain(context.Background())
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&replayer.maxSeen); max != 1 {
		t.Fatalf("drain must be single-flight, saw %d concurrent replays", max)
	}
	if got := len(replayer.replayedOps()); got != 5 {
		t.Fatalf("each op replays exactly once, got %d", got)
	}
}

func TestDrainStopsOnTransientFailure(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	first, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "POST", URL: "/api/requests"})
	queue.Enqueue(buggyline.QueuedOperation{Method: "PUT", URL: "/api/requests/req_1/accept"})

	replayer := &fakeReplayer{errs: map[string]error{first.ID: errors.New("connection refused")}}
	worker := New(queue, replayer, Options{RetryDelay: time.Hour})
	worker.Drain(context.Background())

	if got := len(replayer.replayedOps()); got != 0 {
		t.Fatalf("later ops must wait behind a transient failure, got %d replays", got)
	}
	pending, _ := queue.ListPending()
	if len(pending) != 2 {
		t.Fatalf("nothing should leave the queue on a transient failure, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Fatalf("retry count should tick, got %d", pending[0].RetryCount)
	}
}

func TestDrainSurfacesPermanentRejection(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	op, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "PUT", URL: "/api/requests/req_1/accept"})

	replayer := &fakeReplayer{errs: map[string]error{
		op.ID: &backendhttp.HTTPError{StatusCode: http.StatusConflict, Message: "already taken"},
	}}
	worker := New(queue, replayer, Options{})
	worker.Drain(context.Background())

	if queue.Depth() != 0 {
		t.Fatalf("permanently rejected op must leave the queue")
	}
	failed := worker.Failed()
	if len(failed) != 1 || failed[0].Operation.ID != op.ID {
		t.Fatalf("rejection must surface as failed: %+v", failed)
	}

	select {
	case msg := <-worker.Listen():
		if msg.Kind != MessageOpFailed || msg.Failed == nil {
			t.Fatalf("foreground should hear about the failure: %+v", msg)
		}
	default:
		t.Fatalf("no failure message posted")
	}

	if err := worker.AcknowledgeFailed(op.ID); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if len(worker.Failed()) != 0 {
		t.Fatalf("acknowledged failure should clear")
	}
}

func TestDrainContinuesPastPermanentRejection(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	bad, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "PUT", URL: "/api/requests/req_1/accept"})
	good, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "PUT", URL: "/api/requests/req_2/complete"})

	replayer := &fakeReplayer{errs: map[string]error{
		bad.ID: &backendhttp.HTTPError{StatusCode: http.StatusBadRequest, Message: "unknown request"},
	}}
	worker := New(queue, replayer, Options{})
	worker.Drain(context.Background())

	// The backend answered, so the rest of the queue is sendable.
	got := replayer.replayedOps()
	if len(got) != 1 || got[0].ID != good.ID {
		t.Fatalf("ops behind a rejected one must still replay: %+v", got)
	}
	if queue.Depth() != 0 {
		t.Fatalf("queue should drain fully, depth=%d", queue.Depth())
	}
	if failed := worker.Failed(); len(failed) != 1 || failed[0].Operation.ID != bad.ID {
		t.Fatalf("only the rejected op should surface: %+v", failed)
	}
}

func TestDrainExhaustsRetries(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	op, _ := queue.Enqueue(buggyline.QueuedOperation{Method: "POST", URL: "/api/requests"})

	replayer := &fakeReplayer{errs: map[string]error{op.ID: errors.New("timeout")}}
	worker := New(queue, replayer, Options{MaxRetries: 2, RetryDelay: time.Hour})

	worker.Drain(context.Background())
	worker.Drain(context.Background())

	if queue.Depth() != 0 {
		t.Fatalf("op past max retries must leave the queue")
	}
	failed := worker.Failed()
	if len(failed) != 1 || failed[0].Operation.ID != op.ID {
		t.Fatalf("exhausted op must surface as failed: %+v", failed)
	}
}

func TestRunWakesOnQueueFileChange(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/op-queue.json"
	queue, err := buggyline.NewFileOperationQueue(path, 16)
	if err != nil {
		t.Fatalf("file queue: %v", err)
	}

	replayer := &fakeReplayer{}
	worker := New(queue, replayer, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	// Another process appends to the same queue file.
	other, err := buggyline.NewFileOperationQueue(path, 16)
	if err != nil {
		t.Fatalf("second queue handle: %v", err)
	}
	if _, err := other.Enqueue(buggyline.QueuedOperation{Method: "POST", URL: "/api/requests"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(replayer.replayedOps()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file change never woke the worker")
}

func TestKickCoalesces(t *testing.T) {
	queue := buggyline.NewInMemoryOperationQueue(16)
	replayer := &fakeReplayer{}
	worker := New(queue, replayer, Options{})
	for i := 0; i < 100; i++ {
		worker.Kick()
	}
	// The trigger channel holds at most one pending drain.
	select {
	case <-worker.trigger:
	default:
		t.Fatalf("expected one pending trigger")
	}
	select {
	case <-worker.trigger:
		t.Fatalf("kicks should coalesce into one trigger")
	default:
	}
}

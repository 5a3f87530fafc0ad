package buggyline

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildOperationQueueFromDSN(t *testing.T) {
	queue, err := BuildOperationQueueFromDSN("memory://", 8)
	if err != nil {
		t.Fatalf("memory queue failed: %v", err)
	}
	if queue.Capacity() != 8 {
		t.Fatalf("capacity not honored: %d", queue.Capacity())
	}

	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err = BuildOperationQueueFromDSN("file://"+path, 8)
	if err != nil {
		t.Fatalf("file queue failed: %v", err)
	}
	if _, err := queue.Enqueue(QueuedOperation{Method: "POST", URL: "/requests"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if _, err := BuildOperationQueueFromDSN("redis://localhost", 8); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("redis should be ErrNotImplemented, got %v", err)
	}
	if _, err := BuildOperationQueueFromDSN("carrier-pigeon://", 8); err == nil {
		t.Fatalf("unknown scheme should fail")
	}
}

func TestBuildResponseCacheFromDSN(t *testing.T) {
	if _, err := BuildResponseCacheFromDSN("memory://"); err != nil {
		t.Fatalf("memory cache failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cache.json")
	if _, err := BuildResponseCacheFromDSN("file://" + path); err != nil {
		t.Fatalf("file cache failed: %v", err)
	}
	if _, err := BuildResponseCacheFromDSN("nats://localhost"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("nats should be ErrNotImplemented, got %v", err)
	}
}

func TestBackendRegistryOverridesScheme(t *testing.T) {
	RegisterOperationQueueFactory("testqueue", func(dsn string, capacity int) (OperationQueue, error) {
		return NewInMemoryOperationQueue(capacity), nil
	})
	queue, err := BuildOperationQueueFromDSN("testqueue://anything", 3)
	if err != nil {
		t.Fatalf("registered factory not used: %v", err)
	}
	if queue.Capacity() != 3 {
		t.Fatalf("capacity not passed through: %d", queue.Capacity())
	}
}

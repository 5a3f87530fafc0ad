package buggyline

import (
	"path/filepath"
	"testing"
	"time"
)

func TestResponseCachePutGet(t *testing.T) {
	cache := NewInMemoryResponseCache()
	err := cache.Put(CachedResponse{
		URL:         "/requests/pending",
		StatusCode:  200,
		ContentType: "application/json",
		Body:        []byte(`[{"id":"req_1"}]`),
	}, time.Minute)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, ok := cache.Get("/requests/pending")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if string(got.Body) != `[{"id":"req_1"}]` || got.StatusCode != 200 {
		t.Fatalf("unexpected cached response: %+v", got)
	}
}

func TestResponseCacheExpiry(t *testing.T) {
	cache := NewInMemoryResponseCache()
	if err := cache.Put(CachedResponse{URL: "/buggies", Body: []byte("[]")}, time.Millisecond); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, ok := cache.Get("/buggies"); ok {
		t.Fatalf("expired entry should miss")
	}
	if pruned := cache.Prune(); pruned != 1 {
		t.Fatalf("prune should drop the expired entry, got %d", pruned)
	}
}

func TestFileResponseCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	cache, err := NewFileResponseCache(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := cache.Put(CachedResponse{URL: "/requests/active", Body: []byte(`{"id":"req_9"}`)}, time.Hour); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reopened, err := NewFileResponseCache(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok := reopened.Get("/requests/active")
	if !ok || string(got.Body) != `{"id":"req_9"}` {
		t.Fatalf("cached response should survive restart: ok=%v %+v", ok, got)
	}
	if err := reopened.Delete("/requests/active"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok := reopened.Get("/requests/active"); ok {
		t.Fatalf("deleted entry should miss")
	}
}

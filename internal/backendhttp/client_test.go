package backendhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resortops/buggyline/internal/buggyline"
)

func TestCreateRequestSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var input CreateRequestInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			t.Errorf("bad body: %v", err)
		}
		json.NewEncoder(w).Encode(buggyline.Request{ID: "req_1", Status: buggyline.StatusPending, LocationRef: input.Location})
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Token: "tok"})
	req, err := client.CreateRequest(context.Background(), CreateRequestInput{Location: "Main Pool"}, "key-123")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if req.ID != "req_1" || req.LocationRef != "Main Pool" {
		t.Fatalf("unexpected response: %+v", req)
	}
	if gotKey != "key-123" {
		t.Fatalf("idempotency key not sent, got %q", gotKey)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("bearer token not sent, got %q", gotAuth)
	}
}

func TestCreateRequestRequiresLocation(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://unused"})
	if _, err := client.CreateRequest(context.Background(), CreateRequestInput{}, ""); !errors.Is(err, buggyline.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	if _, err := client.PendingRequests(context.Background()); err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoSurfacesPermanentErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"forbidden","message":"not your request"}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, BaseDelay: time.Millisecond})
	_, err := client.CompleteRequest(context.Background(), "req_1", "")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if !httpErr.Permanent() || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error: %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("permanent failures must not retry, got %d attempts", calls)
	}
}

func TestGetServesCacheWhileOffline(t *testing.T) {
	hits := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[{"id":"req_1","status":"pending","locationRef":"Spa"}]`))
	}))

	cache := buggyline.NewInMemoryResponseCache()
	client := NewClient(Options{
		BaseURL:    server.URL,
		Cache:      cache,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	})
	first, err := client.PendingRequests(context.Background())
	if err != nil || len(first) != 1 {
		t.Fatalf("warm fetch failed: %v %+v", err, first)
	}

	server.Close()
	second, err := client.PendingRequests(context.Background())
	if err != nil {
		t.Fatalf("offline fetch should serve cache: %v", err)
	}
	if len(second) != 1 || second[0].ID != "req_1" {
		t.Fatalf("unexpected cached result: %+v", second)
	}
}

func TestReplayCarriesStoredIdempotencyKey(t *testing.T) {
	var gotKey, gotMethod, gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotMethod = r.Method
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	err := client.Replay(context.Background(), buggyline.QueuedOperation{
		ID:             "op_1",
		Method:         http.MethodPut,
		URL:            "/api/requests/req_1/accept",
		Body:           `{"driver_id":"drv_1"}`,
		IdempotencyKey: "idem-9",
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if gotKey != "idem-9" || gotMethod != http.MethodPut || gotPath != "/api/requests/req_1/accept" {
		t.Fatalf("replay wire mismatch: key=%q method=%q path=%q", gotKey, gotMethod, gotPath)
	}
	if gotBody != `{"driver_id":"drv_1"}` {
		t.Fatalf("replay body mismatch: %q", gotBody)
	}
}

func TestPollerFeedsReconciler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/requests/pending":
			w.Write([]byte(`[{"id":"req_1","status":"pending","locationRef":"Lobby"}]`))
		case "/api/buggies":
			w.Write([]byte(`[{"id":"b1","status":"available"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	rec := buggyline.NewReconciler(buggyline.ReconcilerOptions{Role: buggyline.RoleAdmin})
	poller := NewPoller(client, rec, PollerOptions{Role: buggyline.RoleAdmin, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := rec.Status()
		if status.RequestCount == 1 && status.BuggyCount == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("poll snapshot never landed: %+v", rec.Status())
}

func TestPollerGuestWaitsForScope(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"id":"req_5","status":"accepted","locationRef":"Spa"}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	rec := buggyline.NewReconciler(buggyline.ReconcilerOptions{Role: buggyline.RoleGuest})
	poller := NewPoller(client, rec, PollerOptions{Role: buggyline.RoleGuest, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("guest poller must not poll before a scope is set")
	}

	rec.SetScope("req_5")
	poller.SetScope("req_5")
	poller.Refetch()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req, ok := rec.Request("req_5"); ok && req.Status == buggyline.StatusAccepted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scoped guest poll never landed")
}

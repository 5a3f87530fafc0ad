package buggyline

import (
	"errors"
	"testing"
)

func TestNormalizeRequestStatusCollapsesCasing(t *testing.T) {
	cases := map[string]RequestStatus{
		"pending":     StatusPending,
		"PENDING":     StatusPending,
		"  Accepted ": StatusAccepted,
		"IN_PROGRESS": StatusInProgress,
		"completed":   StatusCompleted,
		"CANCELLED":   StatusCancelled,
	}
	for raw, want := range cases {
		got, ok := NormalizeRequestStatus(raw)
		if !ok || got != want {
			t.Fatalf("normalize %q: got %q ok=%v, want %q", raw, got, ok, want)
		}
	}
	if _, ok := NormalizeRequestStatus("enroute"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestStatusOrderIsTotal(t *testing.T) {
	order := []RequestStatus{StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("status order not strictly increasing at %s", order[i])
		}
	}
	if RequestStatus("bogus").Rank() != -1 {
		t.Fatalf("unknown status should rank -1")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]RequestStatus{
		{StatusPending, StatusAccepted},
		{StatusAccepted, StatusInProgress},
		{StatusAccepted, StatusCompleted},
		{StatusInProgress, StatusCompleted},
		{StatusPending, StatusCancelled},
		{StatusAccepted, StatusCancelled},
		{StatusInProgress, StatusCancelled},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	denied := [][2]RequestStatus{
		{StatusAccepted, StatusPending},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusCompleted},
		{StatusCompleted, StatusAccepted},
		{StatusPending, StatusInProgress},
		{StatusPending, StatusPending},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestDedupKeyShape(t *testing.T) {
	key := DedupKey(" req_1 ", "request_accepted", "ACCEPTED")
	if key != "req_1|request_accepted|accepted" {
		t.Fatalf("unexpected dedup key %q", key)
	}
}

func TestBuggyStaffed(t *testing.T) {
	buggy := Buggy{ID: "b1", Status: BuggyBusy, DriverRef: "d1"}
	if !buggy.Staffed() {
		t.Fatalf("busy buggy with driver should be staffed")
	}
	buggy.Status = BuggyOffline
	if buggy.Staffed() {
		t.Fatalf("offline buggy must not count as staffed even with a lingering driver ref")
	}
}

func TestStaleTransitionErrorIs(t *testing.T) {
	err := &StaleTransitionError{EntityID: "req_1", Current: StatusAccepted, Incoming: StatusPending}
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("stale transition error should match sentinel")
	}
}

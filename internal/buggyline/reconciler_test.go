package buggyline

import (
	"errors"
	"testing"
	"time"
)

func liveEvent(t *testing.T, name string, payload map[string]any) NotificationEvent {
	t.Helper()
	event, err := NormalizeLiveEvent(name, payload)
	if err != nil {
		t.Fatalf("normalize %s failed: %v", name, err)
	}
	return event
}

func TestReconcilerDedupAcrossChannels(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin})

	live := liveEvent(t, "request_accepted", map[string]any{"request_id": "req_1"})
	changed, err := rec.Apply(live)
	if err != nil || !changed {
		t.Fatalf("first delivery should apply: changed=%v err=%v", changed, err)
	}

	push, err := NormalizePushMessage(PushMessage{Data: PushData{Type: "request_accepted", RequestID: "req_1"}})
	if err != nil {
		t.Fatalf("push normalize failed: %v", err)
	}
	changed, err = rec.Apply(push)
	if changed || !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("redundant delivery must dedup: changed=%v err=%v", changed, err)
	}

	status := rec.Status()
	if status.AppliedTotal != 1 || status.DedupedTotal != 1 {
		t.Fatalf("unexpected counters: %+v", status)
	}
	if req, ok := rec.Request("req_1"); !ok || req.Status != StatusAccepted {
		t.Fatalf("request state wrong after dedup: %+v ok=%v", req, ok)
	}
}

func TestReconcilerRejectsBackwardTransitions(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin})

	if _, err := rec.Apply(liveEvent(t, "request_completed", map[string]any{"request_id": "req_1"})); err != nil {
		t.Fatalf("completed should apply on a fresh request: %v", err)
	}

	changed, err := rec.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "req_1"}))
	if changed || !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("late accepted after completed must be stale: changed=%v err=%v", changed, err)
	}
	var stale *StaleTransitionError
	if !errors.As(err, &stale) || stale.Current != StatusCompleted || stale.Incoming != StatusAccepted {
		t.Fatalf("stale error should carry both statuses: %+v", stale)
	}
	if req, _ := rec.Request("req_1"); req.Status != StatusCompleted {
		t.Fatalf("state must stay completed, got %s", req.Status)
	}
}

func TestReconcilerContradictionResolvesByOrderNotArrival(t *testing.T) {
	// Two contradictory deliveries of the same tick. Whichever arrives
	// first, the higher-ranked status wins.
	forward := NewReconciler(ReconcilerOptions{Role: RoleAdmin})
	if _, err := forward.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "r", "location": "Pool"})); err != nil {
		t.Fatalf("pending apply failed: %v", err)
	}
	if _, err := forward.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "r"})); err != nil {
		t.Fatalf("accepted apply failed: %v", err)
	}
	if req, _ := forward.Request("r"); req.Status != StatusAccepted {
		t.Fatalf("forward arrival: want accepted, got %s", req.Status)
	}

	reversed := NewReconciler(ReconcilerOptions{Role: RoleAdmin})
	if _, err := reversed.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "r"})); err != nil {
		t.Fatalf("accepted apply failed: %v", err)
	}
	if _, err := reversed.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "r", "location": "Pool"})); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("late pending must be stale, got %v", err)
	}
	if req, _ := reversed.Request("r"); req.Status != StatusAccepted {
		t.Fatalf("reversed arrival: want accepted, got %s", req.Status)
	}
}

func TestReconcilerCancelledIsTerminal(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin})
	if _, err := rec.Apply(liveEvent(t, "request_cancelled", map[string]any{"request_id": "req_1"})); err != nil {
		t.Fatalf("cancel apply failed: %v", err)
	}
	if _, err := rec.Apply(liveEvent(t, "request_completed", map[string]any{"request_id": "req_1"})); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("completed after cancelled must be stale, got %v", err)
	}
}

func TestReconcilerGuestScope(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleGuest, ScopeID: "req_mine"})

	changed, err := rec.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "req_other"}))
	if changed || err != nil {
		t.Fatalf("out-of-scope event should be ignored: changed=%v err=%v", changed, err)
	}
	if _, err := rec.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "req_mine"})); err != nil {
		t.Fatalf("in-scope apply failed: %v", err)
	}
	view := rec.View()
	if len(view.Requests) != 1 || view.Requests[0].ID != "req_mine" {
		t.Fatalf("guest view should carry exactly its own request: %+v", view.Requests)
	}
	if rec.Status().IgnoredTotal != 1 {
		t.Fatalf("ignored counter should record the out-of-scope event")
	}
}

func TestReconcilerGuestScopeAssignedLate(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleGuest})
	if changed, _ := rec.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "req_42"})); changed {
		t.Fatalf("events before the backend assigns an id must be ignored")
	}
	rec.SetScope("req_42")
	if changed, err := rec.Apply(liveEvent(t, "request_completed", map[string]any{"request_id": "req_42"})); !changed || err != nil {
		t.Fatalf("post-scope apply failed: changed=%v err=%v", changed, err)
	}
}

func TestReconcilerDriverView(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleDriver, DriverRef: "drv_1"})

	if _, err := rec.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "req_a", "location": "Lobby"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := rec.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "req_b", "location": "Spa"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	taken := liveEvent(t, "request_taken", map[string]any{"request_id": "req_a"})
	taken.Payload["driver_ref"] = "drv_1"
	if _, err := rec.Apply(taken); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	view := rec.View()
	if view.PendingCount != 1 || len(view.Requests) != 1 || view.Requests[0].ID != "req_b" {
		t.Fatalf("driver pending list wrong: %+v", view)
	}
	if view.ActiveRequest == nil || view.ActiveRequest.ID != "req_a" {
		t.Fatalf("driver active request wrong: %+v", view.ActiveRequest)
	}
}

func TestReconcilerBuggyOfflineClearsLocation(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin})

	if _, err := rec.Apply(liveEvent(t, "buggy_status_changed", map[string]any{
		"buggy_id":      "b1",
		"status":        "busy",
		"location_name": "North Gate",
		"location_id":   "loc_7",
		"driver_id":     "drv_1",
	})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := rec.Apply(liveEvent(t, "buggy_status_changed", map[string]any{
		"buggy_id": "b1",
		"status":   "offline",
	})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	buggy, ok := rec.Buggy("b1")
	if !ok {
		t.Fatalf("buggy missing")
	}
	if buggy.Status != BuggyOffline || buggy.CurrentLocationRef != "" || buggy.LocationName != "" {
		t.Fatalf("offline must clear location atomically: %+v", buggy)
	}
	if buggy.Staffed() {
		t.Fatalf("offline buggy must not be staffed")
	}

	changed, err := rec.Apply(liveEvent(t, "driver_location_updated", map[string]any{
		"buggy_id":    "b1",
		"location_id": "loc_9",
	}))
	if changed || err != nil {
		t.Fatalf("location update for an offline buggy must be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestReconcilerForceLogout(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleDriver, DriverRef: "drv_1"})
	event := liveEvent(t, "force_logout", map[string]any{"message": "shift ended"})
	if changed, err := rec.Apply(event); !changed || err != nil {
		t.Fatalf("force_logout apply failed: changed=%v err=%v", changed, err)
	}
	view := rec.View()
	if !view.ForcedLogout || view.LogoutMessage != "shift ended" {
		t.Fatalf("forced logout not projected: %+v", view)
	}
}

func TestReconcilerBadgeSkipsPollChannel(t *testing.T) {
	session, err := NewSessionStore("")
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin, Session: session})

	if _, err := rec.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "req_1", "location": "Pool"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if session.Badge() != 1 {
		t.Fatalf("live delivery should bump badge, got %d", session.Badge())
	}

	rec.ApplyPollSnapshot([]Request{{ID: "req_2", Status: StatusPending, LocationRef: "Spa"}}, nil)
	if session.Badge() != 1 {
		t.Fatalf("poll fold must not bump badge, got %d", session.Badge())
	}
	if _, ok := rec.Request("req_2"); !ok {
		t.Fatalf("poll snapshot should have landed req_2")
	}
}

func TestReconcilerPollSnapshotHonorsMonotonicity(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin})
	if _, err := rec.Apply(liveEvent(t, "request_completed", map[string]any{"request_id": "req_1"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	// A lagging poll snapshot still claims accepted; it must lose.
	rec.ApplyPollSnapshot([]Request{{ID: "req_1", Status: StatusAccepted}}, nil)
	if req, _ := rec.Request("req_1"); req.Status != StatusCompleted {
		t.Fatalf("stale poll snapshot overwrote state: %s", req.Status)
	}
	if rec.Status().StaleTotal == 0 {
		t.Fatalf("stale counter should record the lagging snapshot")
	}
}

func TestReconcilerAnomalyStreakForcesRefetch(t *testing.T) {
	refetched := make(chan struct{}, 1)
	rec := NewReconciler(ReconcilerOptions{
		Role:             RoleAdmin,
		AnomalyThreshold: 3,
		OnRefetch:        func() { refetched <- struct{}{} },
	})
	if _, err := rec.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "req_1"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec.Apply(liveEvent(t, "request_accepted", map[string]any{"request_id": "req_1"}))
	}
	select {
	case <-refetched:
	case <-time.After(2 * time.Second):
		t.Fatalf("anomaly streak did not trigger a refetch")
	}
}

func TestReconcilerReconnectAfterOutageForcesRefetch(t *testing.T) {
	refetched := make(chan struct{}, 1)
	rec := NewReconciler(ReconcilerOptions{
		Role:             RoleAdmin,
		OfflineThreshold: time.Millisecond,
		OnRefetch:        func() { refetched <- struct{}{} },
	})
	rec.NoteDisconnected()
	time.Sleep(5 * time.Millisecond)
	rec.NoteConnected()
	select {
	case <-refetched:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect after outage did not trigger a refetch")
	}

	// A short blip must not.
	rec.NoteConnected()
	select {
	case <-refetched:
		t.Fatalf("reconnect without a recorded outage refetched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconcilerSubscribersSeeAppliedEvents(t *testing.T) {
	rec := NewReconciler(ReconcilerOptions{Role: RoleAdmin})
	var views []RoleView
	rec.Subscribe(func(view RoleView) { views = append(views, view) })

	if _, err := rec.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "req_1", "location": "Pool"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	rec.Apply(liveEvent(t, "new_request", map[string]any{"request_id": "req_1", "location": "Pool"}))

	if len(views) != 1 {
		t.Fatalf("subscriber should fire once per applied event, got %d", len(views))
	}
	if views[0].PendingCount != 1 {
		t.Fatalf("view should count the pending request: %+v", views[0])
	}
}

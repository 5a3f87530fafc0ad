package buggyline

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSessionStorePermissionLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := NewSessionStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !store.MayPrompt() {
		t.Fatalf("fresh store should allow a prompt")
	}
	if err := store.RecordDecision(PermissionDenied, false); err != nil {
		t.Fatalf("record denied failed: %v", err)
	}
	if store.MayPrompt() {
		t.Fatalf("denied must suppress automatic prompts")
	}
	if err := store.RecordDecision(PermissionGranted, false); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("automatic flow must not escape denied, got %v", err)
	}
	if err := store.RecordDecision(PermissionGranted, true); err != nil {
		t.Fatalf("user-initiated retry failed: %v", err)
	}

	reopened, err := NewSessionStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Permission().Status != PermissionGranted {
		t.Fatalf("decision should survive restart, got %q", reopened.Permission().Status)
	}
}

func TestSessionStoreRejectsUnknownStatus(t *testing.T) {
	store, err := NewSessionStore("")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.RecordDecision(PermissionStatus("maybe"), true); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSessionStoreBadge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := NewSessionStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	store.IncrementBadge()
	store.IncrementBadge()
	if store.Badge() != 2 {
		t.Fatalf("badge should be 2, got %d", store.Badge())
	}

	reopened, err := NewSessionStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Badge() != 2 {
		t.Fatalf("badge should survive restart, got %d", reopened.Badge())
	}
	if err := reopened.ClearBadge(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if reopened.Badge() != 0 {
		t.Fatalf("badge should be cleared")
	}
}

package buggyline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionStore persists the per-device state that must survive reloads:
// the push permission decision and the unread badge counter. Neither is
// shared across devices.
type SessionStore struct {
	path string

	mu    sync.Mutex
	state sessionState
}

type sessionState struct {
	Permission PermissionState `json:"permission"`
	Badge      int             `json:"badge"`
}

// NewSessionStore opens (or initializes) the store at path. An empty
// path yields a memory-only store that forgets on restart.
func NewSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{
		path: strings.TrimSpace(path),
		state: sessionState{
			Permission: PermissionState{Channel: "push", Status: PermissionDefault},
		},
	}
	if s.path == "" {
		return s, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Permission.Status == "" {
		state.Permission = PermissionState{Channel: "push", Status: PermissionDefault}
	}
	s.state = state
	return s, nil
}

func (s *SessionStore) Permission() PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Permission
}

// MayPrompt reports whether an automatic permission prompt is allowed.
// Once denied, only an explicit user-initiated retry may prompt again.
func (s *SessionStore) MayPrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Permission.Status == PermissionDefault
}

func (s *SessionStore) MarkPrompted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Permission.LastPromptedAt = nowRFC3339()
	return s.saveLocked()
}

// RecordDecision stores the user's answer to a permission prompt.
// Transitions out of denied require userInitiated, mirroring the rule
// that denied is terminal for automatic flows.
func (s *SessionStore) RecordDecision(status PermissionStatus, userInitiated bool) error {
	switch status {
	case PermissionGranted, PermissionDenied, PermissionDefault:
	default:
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Permission.Status == PermissionDenied && !userInitiated {
		return ErrPermissionDenied
	}
	s.state.Permission.Status = status
	s.state.Permission.Channel = "push"
	return s.saveLocked()
}

func (s *SessionStore) Badge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Badge
}

func (s *SessionStore) IncrementBadge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Badge++
	_ = s.saveLocked()
	return s.state.Badge
}

func (s *SessionStore) ClearBadge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Badge = 0
	return s.saveLocked()
}

func (s *SessionStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

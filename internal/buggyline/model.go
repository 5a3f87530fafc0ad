package buggyline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrQueueFull        = errors.New("queue full")
	ErrNotImplemented   = errors.New("not implemented")
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrStaleTransition  = errors.New("stale transition")
	ErrPermissionDenied = errors.New("push permission denied")
)

type Role string

const (
	RoleGuest  Role = "guest"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleGuest:
		return RoleGuest, nil
	case RoleDriver:
		return RoleDriver, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: role %q", ErrInvalidInput, raw)
	}
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// statusRank is the total order used for conflict resolution across
// channels. Arrival time and channel identity never participate.
var statusRank = map[RequestStatus]int{
	StatusPending:    0,
	StatusAccepted:   1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusCancelled:  4,
}

func (s RequestStatus) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// NormalizeRequestStatus maps the mixed casing observed on the wire
// (pending vs PENDING) onto the canonical lowercase form.
func NormalizeRequestStatus(raw string) (RequestStatus, bool) {
	status := RequestStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := statusRank[status]; !ok {
		return "", false
	}
	return status, true
}

// CanTransition reports whether moving from one request status to another
// follows the lifecycle: pending -> accepted -> (in_progress) -> completed,
// with cancellation allowed from any non-terminal state.
func CanTransition(from, to RequestStatus) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusAccepted:
		return from == StatusPending
	case StatusInProgress:
		return from == StatusAccepted
	case StatusCompleted:
		return from == StatusAccepted || from == StatusInProgress
	case StatusCancelled:
		return !from.Terminal()
	default:
		return false
	}
}

type BuggyStatus string

const (
	BuggyAvailable BuggyStatus = "available"
	BuggyBusy      BuggyStatus = "busy"
	BuggyOffline   BuggyStatus = "offline"
)

func NormalizeBuggyStatus(raw string) (BuggyStatus, bool) {
	status := BuggyStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case BuggyAvailable, BuggyBusy, BuggyOffline:
		return status, true
	default:
		return "", false
	}
}

type Channel string

const (
	ChannelLive Channel = "live"
	ChannelPush Channel = "push"
	ChannelPoll Channel = "poll"
)

// Request is the client-side projection of a shuttle request. The backend
// of record owns the entity; projections are only ever refreshed by
// reconciled events and archived, never deleted, once referenced.
type Request struct {
	ID          string        `json:"id"`
	Status      RequestStatus `json:"status"`
	LocationRef string        `json:"locationRef"`
	GuestName   string        `json:"guestName,omitempty"`
	RoomNumber  string        `json:"roomNumber,omitempty"`
	Phone       string        `json:"phone,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	DriverRef   string        `json:"driverRef,omitempty"`
	BuggyRef    string        `json:"buggyRef,omitempty"`
	RequestedAt string        `json:"requestedAt,omitempty"`
	AcceptedAt  string        `json:"acceptedAt,omitempty"`
	CompletedAt string        `json:"completedAt,omitempty"`
}

type Buggy struct {
	ID                 string      `json:"id"`
	Status             BuggyStatus `json:"status"`
	DriverRef          string      `json:"driverRef,omitempty"`
	DriverName         string      `json:"driverName,omitempty"`
	CurrentLocationRef string      `json:"currentLocationRef,omitempty"`
	LocationName       string      `json:"locationName,omitempty"`
}

// Staffed reports whether the buggy currently has an active driver
// session. A lingering driverRef on an offline buggy is history, not
// staffing.
func (b Buggy) Staffed() bool {
	return b.DriverRef != "" && b.Status != BuggyOffline
}

const (
	EventNewRequest            = "new_request"
	EventRequestTaken          = "request_taken"
	EventRequestAccepted       = "request_accepted"
	EventRequestCompleted      = "request_completed"
	EventRequestCancelled      = "request_cancelled"
	EventStatusUpdate          = "status_update"
	EventBuggyStatusChanged    = "buggy_status_changed"
	EventDriverLocationUpdated = "driver_location_updated"
	EventForceLogout           = "force_logout"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func NormalizePriority(raw string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// NotificationEvent is a normalized fact asserted by any of the three
// delivery channels. Identical dedup keys must produce identical,
// idempotent state changes regardless of which channel got there first.
type NotificationEvent struct {
	EventType    string         `json:"eventType"`
	RequestID    string         `json:"requestId,omitempty"`
	BuggyID      string         `json:"buggyId,omitempty"`
	TargetStatus string         `json:"targetStatus,omitempty"`
	ReceivedVia  Channel        `json:"receivedVia"`
	ReceivedAt   string         `json:"receivedAt"`
	DedupKey     string         `json:"dedupKey"`
	Priority     Priority       `json:"priority,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// DedupKey derives the idempotency identity of an event: entity id plus
// event type plus the status it asserts.
func DedupKey(entityID, eventType, targetStatus string) string {
	return strings.TrimSpace(entityID) + "|" + strings.TrimSpace(eventType) + "|" + strings.ToLower(strings.TrimSpace(targetStatus))
}

// QueuedOperation is a mutating call that could not be sent for lack of
// connectivity. It is destroyed on a confirmed 2xx or surfaced as a
// failure past max retries; never silently dropped.
type QueuedOperation struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Body           string            `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CreatedAt      string            `json:"createdAt"`
	RetryCount     int               `json:"retryCount"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type PermissionStatus string

const (
	PermissionDefault PermissionStatus = "default"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
)

type PermissionState struct {
	Channel        string           `json:"channel"`
	Status         PermissionStatus `json:"status"`
	LastPromptedAt string           `json:"lastPromptedAt,omitempty"`
}

// StaleTransitionError carries the regression the reconciler refused to
// apply. It indicates out-of-order delivery, not a real failure.
type StaleTransitionError struct {
	EntityID string
	Current  RequestStatus
	Incoming RequestStatus
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for %s: %s behind %s", e.EntityID, e.Incoming, e.Current)
}

func (e *StaleTransitionError) Is(target error) bool {
	return target == ErrStaleTransition
}

// Logger is the minimal logging contract injected into long-running
// components. A nil Logger silences the component.
type Logger interface {
	Printf(format string, args ...any)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

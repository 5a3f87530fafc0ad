package buggyline

import (
	"fmt"
	"strconv"
	"strings"
)

// PushMessage is the platform push payload shape.
type PushMessage struct {
	Notification PushNotification `json:"notification"`
	Data         PushData         `json:"data"`
}

type PushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Image string `json:"image,omitempty"`
}

type PushData struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id,omitempty"`
	Priority     string `json:"priority,omitempty"`
	LocationName string `json:"location_name,omitempty"`
	RoomNumber   string `json:"room_number,omitempty"`
	GuestName    string `json:"guest_name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// CollapseTag groups platform notifications for the same logical event
// so repeated pushes replace instead of stack. A UX concern, distinct
// from the dedup key.
func (m PushMessage) CollapseTag() string {
	if m.Data.RequestID != "" {
		return "request-" + m.Data.RequestID
	}
	return "buggyline-" + strings.ToLower(strings.TrimSpace(m.Data.Type))
}

// impliedRequestStatus maps a request-scoped event type onto the status
// it asserts. status_update pushes carry no explicit status and assert
// nothing; they only refresh the projection.
func impliedRequestStatus(eventType string) (RequestStatus, bool) {
	switch eventType {
	case EventNewRequest:
		return StatusPending, true
	case EventRequestTaken, EventRequestAccepted:
		return StatusAccepted, true
	case EventRequestCompleted:
		return StatusCompleted, true
	case EventRequestCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// NormalizeLiveEvent validates and converts a raw live-channel payload
// into a NotificationEvent. All casing variants collapse to canonical
// lowercase here; nothing downstream sees PENDING again.
func NormalizeLiveEvent(eventName string, payload map[string]any) (NotificationEvent, error) {
	eventName = strings.ToLower(strings.TrimSpace(eventName))
	if eventName == "" {
		return NotificationEvent{}, ErrInvalidInput
	}
	if err := ValidateLiveEventPayload(eventName, payload); err != nil {
		return NotificationEvent{}, err
	}

	event := NotificationEvent{
		EventType:   eventName,
		ReceivedVia: ChannelLive,
		ReceivedAt:  nowRFC3339(),
		Priority:    PriorityNormal,
		Payload:     payload,
	}

	switch eventName {
	case EventNewRequest, EventRequestTaken, EventRequestAccepted,
		EventRequestCompleted, EventRequestCancelled:
		event.RequestID = stringField(payload, "request_id")
		if event.RequestID == "" {
			return NotificationEvent{}, fmt.Errorf("%w: %s without request_id", ErrInvalidInput, eventName)
		}
		status, _ := impliedRequestStatus(eventName)
		event.TargetStatus = string(status)
		event.DedupKey = DedupKey(event.RequestID, eventName, event.TargetStatus)
		if eventName == EventNewRequest {
			event.Priority = PriorityHigh
		}
	case EventBuggyStatusChanged:
		event.BuggyID = stringField(payload, "buggy_id")
		status, ok := NormalizeBuggyStatus(stringField(payload, "status"))
		if !ok {
			return NotificationEvent{}, fmt.Errorf("%w: buggy status %q", ErrInvalidInput, stringField(payload, "status"))
		}
		event.TargetStatus = string(status)
		event.DedupKey = DedupKey(event.BuggyID, eventName, event.TargetStatus)
	case EventDriverLocationUpdated:
		event.BuggyID = stringField(payload, "buggy_id")
		// No status asserted; the location id is the fact, so it takes
		// the status slot of the dedup key.
		locationID := stringField(payload, "location_id")
		event.DedupKey = DedupKey(event.BuggyID, eventName, locationID)
	case EventForceLogout:
		event.DedupKey = DedupKey("session", eventName, nowRFC3339())
	default:
		// Unknown event names are normalized but carry no assertion;
		// the reconciler logs and drops them.
		event.DedupKey = DedupKey("unknown", eventName, "")
	}
	return event, nil
}

// NormalizePushMessage converts a push payload into a NotificationEvent
// with the same dedup identity a live delivery of the same fact would
// have produced.
func NormalizePushMessage(msg PushMessage) (NotificationEvent, error) {
	eventType := strings.ToLower(strings.TrimSpace(msg.Data.Type))
	if eventType == "" {
		return NotificationEvent{}, ErrInvalidInput
	}
	event := NotificationEvent{
		EventType:   eventType,
		RequestID:   strings.TrimSpace(msg.Data.RequestID),
		ReceivedVia: ChannelPush,
		ReceivedAt:  nowRFC3339(),
		Priority:    NormalizePriority(msg.Data.Priority),
		Payload: map[string]any{
			"request_id":    msg.Data.RequestID,
			"location":      msg.Data.LocationName,
			"guest_name":    msg.Data.GuestName,
			"room_number":   msg.Data.RoomNumber,
			"phone":         msg.Data.Phone,
			"notes":         msg.Data.Notes,
			"_notification": map[string]any{"title": msg.Notification.Title, "body": msg.Notification.Body},
		},
	}
	if status, ok := impliedRequestStatus(eventType); ok {
		if event.RequestID == "" {
			return NotificationEvent{}, fmt.Errorf("%w: push %s without request_id", ErrInvalidInput, eventType)
		}
		event.TargetStatus = string(status)
		event.DedupKey = DedupKey(event.RequestID, eventType, event.TargetStatus)
		return event, nil
	}
	// status_update and anything else assert no status; identity falls
	// back to the request plus type.
	event.DedupKey = DedupKey(event.RequestID, eventType, "")
	return event, nil
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch value := payload[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	default:
		return ""
	}
}

package buggyline

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxAppliedKeys   = 4096
	defaultAnomalyThreshold = 8
	defaultOfflineThreshold = 30 * time.Second
)

type ReconcilerOptions struct {
	Role      Role
	ScopeID   string
	DriverRef string
	Session   *SessionStore
	Logger    Logger

	// OnRefetch is invoked (from its own goroutine) when confidence in
	// the incremental channels degrades and a full poll refresh is due.
	OnRefetch func()

	// AnomalyThreshold is the consecutive dedup/stale count that trips
	// a refetch. OfflineThreshold is how long a disconnect must last
	// before reconnecting forces one.
	AnomalyThreshold int
	OfflineThreshold time.Duration
	MaxAppliedKeys   int
}

// RoleView is the canonical per-role projection handed to UI renderers.
type RoleView struct {
	Role          Role      `json:"role"`
	Requests      []Request `json:"requests"`
	Buggies       []Buggy   `json:"buggies,omitempty"`
	ActiveRequest *Request  `json:"activeRequest,omitempty"`
	PendingCount  int       `json:"pendingCount"`
	ForcedLogout  bool      `json:"forcedLogout,omitempty"`
	LogoutMessage string    `json:"logoutMessage,omitempty"`
}

type ReconcilerStatus struct {
	AppliedTotal   uint64 `json:"appliedTotal"`
	DedupedTotal   uint64 `json:"dedupedTotal"`
	StaleTotal     uint64 `json:"staleTotal"`
	MalformedTotal uint64 `json:"malformedTotal"`
	IgnoredTotal   uint64 `json:"ignoredTotal"`
	RefetchTotal   uint64 `json:"refetchTotal"`
	RequestCount   int    `json:"requestCount"`
	BuggyCount     int    `json:"buggyCount"`
	Badge          int    `json:"badge"`
	ForcedLogout   bool   `json:"forcedLogout"`
}

// Reconciler merges NotificationEvents from the live, push and poll
// channels into one canonical store. It is the only writer of that
// store; every other component reads snapshots and routes mutations
// through events.
type Reconciler struct {
	mu        sync.RWMutex
	role      Role
	scopeID   string
	driverRef string

	requests map[string]Request
	buggies  map[string]Buggy

	applied      map[string]struct{}
	appliedOrder []string
	maxApplied   int

	subscribers []func(RoleView)

	appliedTotal   uint64
	dedupedTotal   uint64
	staleTotal     uint64
	malformedTotal uint64
	ignoredTotal   uint64
	refetchTotal   uint64

	anomalyStreak    int
	anomalyThreshold int

	offlineThreshold time.Duration
	disconnectedAt   time.Time

	forcedLogout  bool
	logoutMessage string

	session   *SessionStore
	logger    Logger
	onRefetch func()
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	threshold := opts.AnomalyThreshold
	if threshold <= 0 {
		threshold = defaultAnomalyThreshold
	}
	offline := opts.OfflineThreshold
	if offline <= 0 {
		offline = defaultOfflineThreshold
	}
	maxApplied := opts.MaxAppliedKeys
	if maxApplied <= 0 {
		maxApplied = defaultMaxAppliedKeys
	}
	return &Reconciler{
		role:             opts.Role,
		scopeID:          opts.ScopeID,
		driverRef:        opts.DriverRef,
		requests:         map[string]Request{},
		buggies:          map[string]Buggy{},
		applied:          map[string]struct{}{},
		maxApplied:       maxApplied,
		anomalyThreshold: threshold,
		offlineThreshold: offline,
		session:          opts.Session,
		logger:           opts.Logger,
		onRefetch:        opts.OnRefetch,
	}
}

// Subscribe registers a callback invoked with a fresh RoleView after
// every applied event. Callbacks run outside the store lock.
func (r *Reconciler) Subscribe(fn func(RoleView)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Apply runs the three reconciliation rules in order: dedup, status
// order, role projection. It returns true when canonical state changed.
// Duplicate and stale events return their sentinel errors; callers
// treat both as benign.
func (r *Reconciler) Apply(event NotificationEvent) (bool, error) {
	r.mu.Lock()

	if event.EventType == "" {
		r.malformedTotal++
		r.mu.Unlock()
		return false, ErrInvalidInput
	}

	if event.EventType == EventForceLogout {
		r.forcedLogout = true
		r.logoutMessage = stringField(event.Payload, "message")
		view := r.viewLocked()
		subs := append([]func(RoleView){}, r.subscribers...)
		r.mu.Unlock()
		for _, fn := range subs {
			fn(view)
		}
		return true, nil
	}

	if !r.relevantLocked(event) {
		r.ignoredTotal++
		r.mu.Unlock()
		return false, nil
	}

	// Rule 1: dedup. Identical keys from any channel apply once.
	if event.DedupKey != "" {
		if _, seen := r.applied[event.DedupKey]; seen {
			r.dedupedTotal++
			r.noteAnomalyLocked()
			r.mu.Unlock()
			r.debugf("duplicate event ignored: %s", event.DedupKey)
			return false, ErrDuplicateEvent
		}
	}

	// Rule 2: status-order validation.
	if event.RequestID != "" && event.TargetStatus != "" {
		target, ok := NormalizeRequestStatus(event.TargetStatus)
		if !ok {
			r.malformedTotal++
			r.mu.Unlock()
			return false, ErrInvalidInput
		}
		if current, exists := r.requests[event.RequestID]; exists {
			if current.Status.Terminal() || target.Rank() < current.Status.Rank() {
				r.staleTotal++
				r.noteAnomalyLocked()
				staleErr := &StaleTransitionError{
					EntityID: event.RequestID,
					Current:  current.Status,
					Incoming: target,
				}
				r.mu.Unlock()
				r.warnf("%v (via %s)", staleErr, event.ReceivedVia)
				return false, staleErr
			}
		}
	}

	changed := r.applyLocked(event)
	if !changed {
		r.mu.Unlock()
		return false, nil
	}

	if event.DedupKey != "" {
		r.markAppliedLocked(event.DedupKey)
	}
	r.appliedTotal++
	r.anomalyStreak = 0
	if r.session != nil && event.ReceivedVia != ChannelPoll {
		r.session.IncrementBadge()
	}
	view := r.viewLocked()
	subs := append([]func(RoleView){}, r.subscribers...)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
	return true, nil
}

// ApplyPollSnapshot folds a full poll result through the normal apply
// path so monotonicity and dedup hold across channels.
func (r *Reconciler) ApplyPollSnapshot(requests []Request, buggies []Buggy) {
	for _, req := range requests {
		status, ok := NormalizeRequestStatus(string(req.Status))
		if !ok || req.ID == "" {
			continue
		}
		payload := map[string]any{
			"request_id":   req.ID,
			"location":     req.LocationRef,
			"guest_name":   req.GuestName,
			"room_number":  req.RoomNumber,
			"phone":        req.Phone,
			"notes":        req.Notes,
			"driver_ref":   req.DriverRef,
			"buggy_ref":    req.BuggyRef,
			"requested_at": req.RequestedAt,
		}
		_, _ = r.Apply(NotificationEvent{
			EventType:    EventStatusUpdate,
			RequestID:    req.ID,
			TargetStatus: string(status),
			ReceivedVia:  ChannelPoll,
			ReceivedAt:   nowRFC3339(),
			DedupKey:     DedupKey(req.ID, EventStatusUpdate, string(status)),
			Payload:      payload,
		})
	}
	for _, buggy := range buggies {
		status, ok := NormalizeBuggyStatus(string(buggy.Status))
		if !ok || buggy.ID == "" {
			continue
		}
		_, _ = r.Apply(NotificationEvent{
			EventType:    EventBuggyStatusChanged,
			BuggyID:      buggy.ID,
			TargetStatus: string(status),
			ReceivedVia:  ChannelPoll,
			ReceivedAt:   nowRFC3339(),
			DedupKey:     DedupKey(buggy.ID, EventBuggyStatusChanged, string(status)),
			Payload: map[string]any{
				"buggy_id":      buggy.ID,
				"status":        string(status),
				"location_name": buggy.LocationName,
				"driver_name":   buggy.DriverName,
				"driver_id":     buggy.DriverRef,
				"location_id":   buggy.CurrentLocationRef,
			},
		})
	}
}

// NoteDisconnected and NoteConnected feed channel health into the
// confidence tracking. A reconnect after a long outage forces a full
// refetch; incremental replay alone cannot prove nothing was missed.
func (r *Reconciler) NoteDisconnected() {
	r.mu.Lock()
	if r.disconnectedAt.IsZero() {
		r.disconnectedAt = time.Now().UTC()
	}
	r.mu.Unlock()
}

func (r *Reconciler) NoteConnected() {
	r.mu.Lock()
	since := r.disconnectedAt
	r.disconnectedAt = time.Time{}
	threshold := r.offlineThreshold
	r.mu.Unlock()
	if !since.IsZero() && time.Since(since) >= threshold {
		r.triggerRefetch("reconnected after prolonged outage")
	}
}

// SetScope narrows a guest session onto its request id once the backend
// has assigned one (the id is unknown while the create is still queued).
func (r *Reconciler) SetScope(scopeID string) {
	r.mu.Lock()
	r.scopeID = scopeID
	r.mu.Unlock()
}

func (r *Reconciler) View() RoleView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked()
}

func (r *Reconciler) Status() ReconcilerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	badge := 0
	if r.session != nil {
		badge = r.session.Badge()
	}
	return ReconcilerStatus{
		AppliedTotal:   r.appliedTotal,
		DedupedTotal:   r.dedupedTotal,
		StaleTotal:     r.staleTotal,
		MalformedTotal: r.malformedTotal,
		IgnoredTotal:   r.ignoredTotal,
		RefetchTotal:   r.refetchTotal,
		RequestCount:   len(r.requests),
		BuggyCount:     len(r.buggies),
		Badge:          badge,
		ForcedLogout:   r.forcedLogout,
	}
}

func (r *Reconciler) Request(id string) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	return req, ok
}

func (r *Reconciler) Buggy(id string) (Buggy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buggy, ok := r.buggies[id]
	return buggy, ok
}

// relevantLocked implements rule 3, role projection, at the ingress
// side: facts outside the session's scope are not tracked at all.
func (r *Reconciler) relevantLocked(event NotificationEvent) bool {
	switch r.role {
	case RoleGuest:
		return event.RequestID != "" && event.RequestID == r.scopeID
	case RoleDriver:
		if event.BuggyID != "" {
			return true
		}
		return event.RequestID != ""
	case RoleAdmin:
		return event.RequestID != "" || event.BuggyID != ""
	default:
		return false
	}
}

func (r *Reconciler) applyLocked(event NotificationEvent) bool {
	switch {
	case event.RequestID != "":
		return r.applyRequestLocked(event)
	case event.BuggyID != "":
		return r.applyBuggyLocked(event)
	default:
		r.ignoredTotal++
		return false
	}
}

func (r *Reconciler) applyRequestLocked(event NotificationEvent) bool {
	req, exists := r.requests[event.RequestID]
	if !exists {
		req = Request{ID: event.RequestID, Status: StatusPending}
	}
	if event.TargetStatus != "" {
		status, ok := NormalizeRequestStatus(event.TargetStatus)
		if !ok {
			return false
		}
		req.Status = status
	}
	if v := stringField(event.Payload, "location"); v != "" {
		req.LocationRef = v
	}
	if v := stringField(event.Payload, "guest_name"); v != "" {
		req.GuestName = v
	}
	if v := stringField(event.Payload, "room_number"); v != "" {
		req.RoomNumber = v
	}
	if v := stringField(event.Payload, "phone"); v != "" {
		req.Phone = v
	}
	if v := stringField(event.Payload, "notes"); v != "" {
		req.Notes = v
	}
	if v := stringField(event.Payload, "requested_at"); v != "" {
		req.RequestedAt = v
	}
	if v := entityRefField(event.Payload, "driver", "driver_ref"); v != "" {
		req.DriverRef = v
	}
	if v := entityRefField(event.Payload, "buggy", "buggy_ref"); v != "" {
		req.BuggyRef = v
	}
	switch req.Status {
	case StatusAccepted:
		if req.AcceptedAt == "" {
			req.AcceptedAt = event.ReceivedAt
		}
	case StatusCompleted:
		if req.CompletedAt == "" {
			req.CompletedAt = event.ReceivedAt
		}
	}
	r.requests[event.RequestID] = req
	return true
}

func (r *Reconciler) applyBuggyLocked(event NotificationEvent) bool {
	buggy, exists := r.buggies[event.BuggyID]
	if !exists {
		buggy = Buggy{ID: event.BuggyID, Status: BuggyAvailable}
	}
	switch event.EventType {
	case EventBuggyStatusChanged:
		status, ok := NormalizeBuggyStatus(event.TargetStatus)
		if !ok {
			return false
		}
		buggy.Status = status
		if status == BuggyOffline {
			// Location clears atomically with the status change. The
			// driver ref may linger for history but Staffed() is false.
			buggy.CurrentLocationRef = ""
			buggy.LocationName = ""
		} else {
			if v := stringField(event.Payload, "location_name"); v != "" {
				buggy.LocationName = v
			}
			if v := stringField(event.Payload, "location_id"); v != "" {
				buggy.CurrentLocationRef = v
			}
			if v := stringField(event.Payload, "driver_name"); v != "" {
				buggy.DriverName = v
			}
			if v := stringField(event.Payload, "driver_id"); v != "" {
				buggy.DriverRef = v
			}
		}
	case EventDriverLocationUpdated:
		if buggy.Status == BuggyOffline {
			// An offline buggy has no current location by invariant.
			return false
		}
		if v := stringField(event.Payload, "location_id"); v != "" {
			buggy.CurrentLocationRef = v
		}
	default:
		return false
	}
	r.buggies[event.BuggyID] = buggy
	return true
}

func (r *Reconciler) viewLocked() RoleView {
	view := RoleView{
		Role:          r.role,
		ForcedLogout:  r.forcedLogout,
		LogoutMessage: r.logoutMessage,
	}
	switch r.role {
	case RoleGuest:
		if req, ok := r.requests[r.scopeID]; ok {
			view.Requests = []Request{req}
			if req.Status == StatusPending {
				view.PendingCount = 1
			}
		}
	case RoleDriver:
		for _, req := range r.requests {
			if req.Status == StatusPending {
				view.Requests = append(view.Requests, req)
				view.PendingCount++
				continue
			}
			if r.driverRef != "" && req.DriverRef == r.driverRef && !req.Status.Terminal() {
				active := req
				view.ActiveRequest = &active
			}
		}
		sortRequests(view.Requests)
	case RoleAdmin:
		for _, req := range r.requests {
			view.Requests = append(view.Requests, req)
			if req.Status == StatusPending {
				view.PendingCount++
			}
		}
		sortRequests(view.Requests)
		for _, buggy := range r.buggies {
			view.Buggies = append(view.Buggies, buggy)
		}
		sort.Slice(view.Buggies, func(i, j int) bool { return view.Buggies[i].ID < view.Buggies[j].ID })
	}
	return view
}

func (r *Reconciler) markAppliedLocked(key string) {
	r.applied[key] = struct{}{}
	r.appliedOrder = append(r.appliedOrder, key)
	for len(r.appliedOrder) > r.maxApplied {
		oldest := r.appliedOrder[0]
		r.appliedOrder = r.appliedOrder[1:]
		delete(r.applied, oldest)
	}
}

func (r *Reconciler) noteAnomalyLocked() {
	r.anomalyStreak++
	if r.anomalyStreak >= r.anomalyThreshold {
		r.anomalyStreak = 0
		go r.triggerRefetch("anomaly streak")
	}
}

func (r *Reconciler) triggerRefetch(reason string) {
	r.mu.Lock()
	r.refetchTotal++
	fn := r.onRefetch
	r.mu.Unlock()
	r.debugf("forcing canonical refetch: %s", reason)
	if fn != nil {
		fn()
	}
}

func (r *Reconciler) debugf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("debug: "+format, args...)
}

func (r *Reconciler) warnf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("warn: "+format, args...)
}

func sortRequests(requests []Request) {
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].RequestedAt != requests[j].RequestedAt {
			return requests[i].RequestedAt < requests[j].RequestedAt
		}
		return requests[i].ID < requests[j].ID
	})
}

// entityRefField accepts both flat ids and nested objects for driver
// and buggy references, which the wire mixes freely.
func entityRefField(payload map[string]any, objectKey, flatKey string) string {
	if payload == nil {
		return ""
	}
	if v := stringField(payload, flatKey); v != "" {
		return v
	}
	switch value := payload[objectKey].(type) {
	case string:
		return value
	case map[string]any:
		if id := stringField(value, "id"); id != "" {
			return id
		}
		return stringField(value, "name")
	default:
		return ""
	}
}

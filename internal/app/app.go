// Package app assembles one session of the dispatch client: the three
// delivery channels, the reconciler that merges them, the offline
// queue, and the worker that drains it. Construction is explicit;
// nothing here reaches for globals.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/resortops/buggyline/internal/backendhttp"
	"github.com/resortops/buggyline/internal/buggyline"
	"github.com/resortops/buggyline/internal/livechan"
	"github.com/resortops/buggyline/internal/pushchan"
	"github.com/resortops/buggyline/internal/syncworker"
)

type Options struct {
	Role      buggyline.Role
	ScopeID   string
	DriverRef string

	BackendURL string
	LiveURL    string
	AuthToken  string

	// QueueDSN and CacheDSN select storage backends by scheme:
	// file://, memory://, sqlite://, postgres://.
	QueueDSN      string
	CacheDSN      string
	QueueCapacity int
	SessionPath   string

	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       buggyline.Logger

	// Push plumbing; all optional. Without them the push channel is
	// simply absent and the other two channels carry the session.
	Tokens   pushchan.TokenSource
	Notifier pushchan.Notifier
}

// App owns every long-lived component of a session.
type App struct {
	role      buggyline.Role
	driverRef string
	logger    buggyline.Logger

	session    *buggyline.SessionStore
	queue      buggyline.OperationQueue
	cache      buggyline.ResponseCache
	client     *backendhttp.Client
	reconciler *buggyline.Reconciler
	live       *livechan.Client
	poller     *backendhttp.Poller
	worker     *syncworker.Worker
	push       *pushchan.Manager
	router     *buggyline.ClickRouter

	mu      sync.Mutex
	scopeID string
	started time.Time
}

func New(opts Options) (*App, error) {
	if _, err := buggyline.ParseRole(string(opts.Role)); err != nil {
		return nil, err
	}
	session, err := buggyline.NewSessionStore(opts.SessionPath)
	if err != nil {
		return nil, err
	}
	queue, err := buggyline.BuildOperationQueueFromDSN(opts.QueueDSN, opts.QueueCapacity)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		// The factories treat an empty DSN as "none configured"; a
		// session always needs a queue, so fall back to memory.
		queue = buggyline.NewInMemoryOperationQueue(opts.QueueCapacity)
	}
	cache, err := buggyline.BuildResponseCacheFromDSN(opts.CacheDSN)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = buggyline.NewInMemoryResponseCache()
	}

	client := backendhttp.NewClient(backendhttp.Options{
		BaseURL:    opts.BackendURL,
		Token:      opts.AuthToken,
		HTTPClient: opts.HTTPClient,
		Cache:      cache,
	})

	a := &App{
		role:      opts.Role,
		driverRef: opts.DriverRef,
		logger:    opts.Logger,
		session:   session,
		queue:     queue,
		cache:     cache,
		client:    client,
		router:    buggyline.NewClickRouter(nil),
		scopeID:   opts.ScopeID,
		started:   time.Now().UTC(),
	}

	a.reconciler = buggyline.NewReconciler(buggyline.ReconcilerOptions{
		Role:      opts.Role,
		ScopeID:   opts.ScopeID,
		DriverRef: opts.DriverRef,
		Session:   session,
		Logger:    opts.Logger,
		OnRefetch: a.refetch,
	})

	a.poller = backendhttp.NewPoller(client, a.reconciler, backendhttp.PollerOptions{
		Role:     opts.Role,
		ScopeID:  opts.ScopeID,
		Interval: opts.PollInterval,
		Logger:   opts.Logger,
	})

	a.worker = syncworker.New(queue, client, syncworker.Options{Logger: opts.Logger})

	if strings.TrimSpace(opts.LiveURL) != "" {
		live, err := livechan.New(livechan.Options{
			URL:        opts.LiveURL,
			Role:       string(opts.Role),
			ScopeID:    opts.ScopeID,
			AuthToken:  opts.AuthToken,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		a.live = live
		a.wireLiveEvents()
	}

	a.push, err = pushchan.New(pushchan.Options{
		Role:       opts.Role,
		Session:    session,
		Tokens:     opts.Tokens,
		Registrar:  client,
		Notifier:   opts.Notifier,
		Reconciler: a.reconciler,
		Router:     a.router,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// wireLiveEvents registers exactly one handler per known event name.
// Handlers normalize at the boundary and hand off to the reconciler;
// dedup and stale results are expected operating conditions.
func (a *App) wireLiveEvents() {
	names := []string{
		buggyline.EventNewRequest,
		buggyline.EventRequestTaken,
		buggyline.EventRequestAccepted,
		buggyline.EventRequestCompleted,
		buggyline.EventRequestCancelled,
		buggyline.EventBuggyStatusChanged,
		buggyline.EventDriverLocationUpdated,
		buggyline.EventForceLogout,
	}
	for _, name := range names {
		eventName := name
		a.live.On(eventName, func(payload map[string]any) {
			event, err := buggyline.NormalizeLiveEvent(eventName, payload)
			if err != nil {
				a.logf("malformed %s event dropped: %v", eventName, err)
				return
			}
			if _, err := a.reconciler.Apply(event); err != nil {
				if errors.Is(err, buggyline.ErrDuplicateEvent) || errors.Is(err, buggyline.ErrStaleTransition) {
					return
				}
				a.logf("apply %s failed: %v", eventName, err)
			}
		})
	}
	// Forced logout is terminal: tear the live channel down so the
	// backoff loop stops reconnecting a revoked session.
	a.reconciler.Subscribe(func(view buggyline.RoleView) {
		if view.ForcedLogout {
			if err := a.live.Close(); err != nil {
				a.logf("close live channel after forced logout: %v", err)
			}
		}
	})
	a.live.OnStatusChange(func(status livechan.Status) {
		switch status {
		case livechan.StatusConnected:
			a.reconciler.NoteConnected()
			// Connectivity is back; queued mutations can drain.
			a.worker.Kick()
		case livechan.StatusDisconnected:
			a.reconciler.NoteDisconnected()
		}
	})
}

// Run starts the channel loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if a.live != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.live.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.poller.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.worker.Run(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close releases storage handles. Run must have returned first.
func (a *App) Close() error {
	var firstErr error
	if a.live != nil {
		if err := a.live.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RequestPickup creates a shuttle request. Online it returns the
// backend's answer and narrows the guest scope onto the new id;
// offline the mutation is queued and replayed later.
func (a *App) RequestPickup(ctx context.Context, input backendhttp.CreateRequestInput) (buggyline.Request, bool, error) {
	req, err := a.client.CreateRequest(ctx, input, "")
	if err == nil {
		a.setScope(ctx, req.ID)
		a.reconciler.ApplyPollSnapshot([]buggyline.Request{req}, nil)
		return req, false, nil
	}
	if !isQueueable(err) {
		return buggyline.Request{}, false, err
	}
	queued, qErr := a.enqueue(ctx, http.MethodPost, "/api/requests", input)
	if qErr != nil {
		return buggyline.Request{}, false, qErr
	}
	a.logf("request pickup queued as %s", queued.ID)
	return buggyline.Request{Status: buggyline.StatusPending, LocationRef: input.Location}, true, nil
}

// AcceptRequest claims a pending request for this driver.
func (a *App) AcceptRequest(ctx context.Context, requestID string) (bool, error) {
	_, err := a.client.AcceptRequest(ctx, requestID, a.driverRef, "")
	if err == nil {
		a.poller.Refetch()
		return false, nil
	}
	if !isQueueable(err) {
		return false, err
	}
	body := map[string]any{"driver_id": a.driverRef}
	if _, qErr := a.enqueue(ctx, http.MethodPut, "/api/requests/"+requestID+"/accept", body); qErr != nil {
		return false, qErr
	}
	return true, nil
}

// CompleteRequest marks the active ride done.
func (a *App) CompleteRequest(ctx context.Context, requestID string) (bool, error) {
	return a.mutateRequest(ctx, requestID, "complete")
}

// CancelRequest withdraws a request that has not completed.
func (a *App) CancelRequest(ctx context.Context, requestID string) (bool, error) {
	if req, ok := a.reconciler.Request(requestID); ok && req.Status.Terminal() {
		return false, buggyline.ErrInvalidState
	}
	return a.mutateRequest(ctx, requestID, "cancel")
}

func (a *App) mutateRequest(ctx context.Context, requestID, action string) (bool, error) {
	url := "/api/requests/" + requestID + "/" + action
	var err error
	switch action {
	case "complete":
		_, err = a.client.CompleteRequest(ctx, requestID, "")
	case "cancel":
		_, err = a.client.CancelRequest(ctx, requestID, "")
	default:
		return false, buggyline.ErrInvalidInput
	}
	if err == nil {
		a.poller.Refetch()
		return false, nil
	}
	if !isQueueable(err) {
		return false, err
	}
	if _, qErr := a.enqueue(ctx, http.MethodPut, url, nil); qErr != nil {
		return false, qErr
	}
	return true, nil
}

func (a *App) enqueue(_ context.Context, method, url string, body any) (buggyline.QueuedOperation, error) {
	op := buggyline.QueuedOperation{Method: method, URL: url}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return buggyline.QueuedOperation{}, err
		}
		op.Body = string(data)
	}
	queued, err := a.queue.Enqueue(op)
	if err != nil {
		return buggyline.QueuedOperation{}, err
	}
	a.worker.Kick()
	return queued, nil
}

func (a *App) setScope(ctx context.Context, scopeID string) {
	if scopeID == "" || a.role != buggyline.RoleGuest {
		return
	}
	a.mu.Lock()
	a.scopeID = scopeID
	a.mu.Unlock()
	a.reconciler.SetScope(scopeID)
	a.poller.SetScope(scopeID)
	if a.live != nil {
		if err := a.live.SetScope(ctx, scopeID); err != nil {
			a.logf("announce scope failed: %v", err)
		}
	}
}

// EnablePush walks permission, token and registration for the push
// channel. ErrPushDisabled is an acceptable steady state.
func (a *App) EnablePush(ctx context.Context, prompt pushchan.Prompter, userInitiated bool) error {
	return a.push.Enable(ctx, prompt, userInitiated)
}

// HandlePushMessage ingests one push delivery from the platform layer.
func (a *App) HandlePushMessage(msg buggyline.PushMessage, foreground bool) error {
	if foreground {
		return a.push.HandleForeground(msg)
	}
	if err := a.push.HandleBackground(msg); err != nil {
		return err
	}
	// Background events still belong in canonical state; the reconciler
	// drops them again if the live channel already delivered.
	event, err := buggyline.NormalizePushMessage(msg)
	if err != nil {
		return err
	}
	if _, err := a.reconciler.Apply(event); err != nil &&
		!errors.Is(err, buggyline.ErrDuplicateEvent) && !errors.Is(err, buggyline.ErrStaleTransition) {
		return err
	}
	return nil
}

// Click routes a notification tap and forwards background clicks to
// the foreground via the worker message stream.
func (a *App) Click(msg buggyline.PushMessage, foreground bool) (buggyline.NavigationTarget, error) {
	target, err := a.push.Click(msg)
	if err != nil {
		return buggyline.NavigationTarget{}, err
	}
	if !foreground {
		a.worker.PostClick(target)
	}
	if err := a.session.ClearBadge(); err != nil {
		a.logf("clear badge failed: %v", err)
	}
	return target, nil
}

func (a *App) View() buggyline.RoleView {
	return a.reconciler.View()
}

func (a *App) PendingOps() ([]buggyline.QueuedOperation, error) {
	return a.queue.ListPending()
}

func (a *App) FailedOps() []syncworker.FailedOperation {
	return a.worker.Failed()
}

func (a *App) AcknowledgeFailedOp(opID string) error {
	return a.worker.AcknowledgeFailed(opID)
}

func (a *App) Session() *buggyline.SessionStore {
	return a.session
}

func (a *App) Messages() <-chan syncworker.Message {
	return a.worker.Listen()
}

// SyncNow triggers both recovery paths at once: drain the queue and
// refresh canonical state.
func (a *App) SyncNow() {
	a.worker.Kick()
	a.poller.Refetch()
}

// Status is the health snapshot served by the control API.
type Status struct {
	Role          buggyline.Role             `json:"role"`
	UptimeSeconds int64                      `json:"uptimeSeconds"`
	Live          string                     `json:"live"`
	QueueDepth    int                        `json:"queueDepth"`
	QueueCapacity int                        `json:"queueCapacity"`
	FailedOps     int                        `json:"failedOps"`
	Badge         int                        `json:"badge"`
	Permission    buggyline.PermissionState  `json:"permission"`
	Reconciler    buggyline.ReconcilerStatus `json:"reconciler"`
}

func (a *App) Status() Status {
	liveStatus := string(livechan.StatusDisconnected)
	if a.live != nil {
		liveStatus = string(a.live.Status())
	}
	return Status{
		Role:          a.role,
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		Live:          liveStatus,
		QueueDepth:    a.queue.Depth(),
		QueueCapacity: a.queue.Capacity(),
		FailedOps:     len(a.worker.Failed()),
		Badge:         a.session.Badge(),
		Permission:    a.session.Permission(),
		Reconciler:    a.reconciler.Status(),
	}
}

func (a *App) refetch() {
	a.poller.Refetch()
}

// isQueueable reports whether a failed mutation belongs in the offline
// queue. Only connectivity-shaped failures qualify: local validation
// errors and definitive backend rejections would replay to the same
// answer, so they surface to the caller instead.
func isQueueable(err error) bool {
	if errors.Is(err, buggyline.ErrInvalidInput) || errors.Is(err, buggyline.ErrInvalidState) {
		return false
	}
	var httpErr *backendhttp.HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Permanent()
	}
	return true
}

func (a *App) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

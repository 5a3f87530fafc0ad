package backendhttp

import (
	"context"
	"sync"
	"time"

	"github.com/resortops/buggyline/internal/buggyline"
)

// Poller is the slow safety-net channel. It periodically refetches the
// canonical lists and folds them through the reconciler, which treats
// them like any other delivery. An explicit Refetch serves the
// reconciler's confidence recovery.
type Poller struct {
	client     *Client
	reconciler *buggyline.Reconciler
	role       buggyline.Role
	interval   time.Duration
	logger     buggyline.Logger

	mu      sync.Mutex
	scopeID string
	kick    chan struct{}
}

type PollerOptions struct {
	Role     buggyline.Role
	ScopeID  string
	Interval time.Duration
	Logger   buggyline.Logger
}

func NewPoller(client *Client, reconciler *buggyline.Reconciler, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		client:     client,
		reconciler: reconciler,
		role:       opts.Role,
		interval:   interval,
		logger:     opts.Logger,
		scopeID:    opts.ScopeID,
		kick:       make(chan struct{}, 1),
	}
}

// SetScope points a guest poller at its request once the id is known.
func (p *Poller) SetScope(scopeID string) {
	p.mu.Lock()
	p.scopeID = scopeID
	p.mu.Unlock()
}

// Refetch requests an immediate poll pass. Safe from any goroutine;
// coalesces with an already-pending request.
func (p *Poller) Refetch() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-p.kick:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	switch p.role {
	case buggyline.RoleGuest:
		p.mu.Lock()
		scope := p.scopeID
		p.mu.Unlock()
		if scope == "" {
			return
		}
		req, err := p.client.GuestRequest(ctx, scope)
		if err != nil {
			p.logf("poll guest request %s failed: %v", scope, err)
			return
		}
		p.reconciler.ApplyPollSnapshot([]buggyline.Request{req}, nil)
	case buggyline.RoleDriver:
		pending, err := p.client.PendingRequests(ctx)
		if err != nil {
			p.logf("poll pending requests failed: %v", err)
			return
		}
		p.reconciler.ApplyPollSnapshot(pending, nil)
	case buggyline.RoleAdmin:
		pending, err := p.client.PendingRequests(ctx)
		if err != nil {
			p.logf("poll pending requests failed: %v", err)
			return
		}
		buggies, err := p.client.Buggies(ctx)
		if err != nil {
			p.logf("poll buggies failed: %v", err)
			buggies = nil
		}
		p.reconciler.ApplyPollSnapshot(pending, buggies)
	}
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

// Package pushchan manages the push notification channel: permission
// state, token registration with the backend, and the two delivery
// paths. Foreground pushes feed the reconciler directly; background
// pushes are displayed and handed to the worker on click.
package pushchan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resortops/buggyline/internal/buggyline"
)

var (
	ErrPushDisabled = errors.New("pushchan: push channel disabled")
	ErrTokenTimeout = errors.New("pushchan: token acquisition timed out")
)

// TokenSource yields the device push token from the platform messaging
// layer. Acquisition can hang on flaky networks, so callers bound it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Registrar stores the token with the backend. Implemented by the
// backend HTTP client.
type Registrar interface {
	RegisterPushToken(ctx context.Context, role buggyline.Role, token string) error
}

// Notifier shows a platform notification. The collapse tag makes
// repeated notifications for the same fact replace instead of stack.
type Notifier interface {
	Display(collapseTag string, notification buggyline.PushNotification) error
}

// Prompter asks the user for push permission and returns the decision.
type Prompter func(ctx context.Context) (buggyline.PermissionStatus, error)

type Options struct {
	Role       buggyline.Role
	Session    *buggyline.SessionStore
	Tokens     TokenSource
	Registrar  Registrar
	Notifier   Notifier
	Reconciler *buggyline.Reconciler
	Router     *buggyline.ClickRouter
	Logger     buggyline.Logger

	// TokenTimeout caps one token acquisition. RegisterRetries and
	// RegisterDelay bound backend registration; the delay is fixed, not
	// exponential, because registration is a one-shot setup call.
	TokenTimeout    time.Duration
	RegisterRetries int
	RegisterDelay   time.Duration
}

type Manager struct {
	role       buggyline.Role
	session    *buggyline.SessionStore
	tokens     TokenSource
	registrar  Registrar
	notifier   Notifier
	reconciler *buggyline.Reconciler
	router     *buggyline.ClickRouter
	logger     buggyline.Logger

	tokenTimeout    time.Duration
	registerRetries int
	registerDelay   time.Duration
}

func New(opts Options) (*Manager, error) {
	if opts.Session == nil {
		return nil, errors.New("pushchan: session store required")
	}
	tokenTimeout := opts.TokenTimeout
	if tokenTimeout <= 0 {
		tokenTimeout = 15 * time.Second
	}
	registerRetries := opts.RegisterRetries
	if registerRetries <= 0 {
		registerRetries = 3
	}
	registerDelay := opts.RegisterDelay
	if registerDelay <= 0 {
		registerDelay = 2 * time.Second
	}
	return &Manager{
		role:            opts.Role,
		session:         opts.Session,
		tokens:          opts.Tokens,
		registrar:       opts.Registrar,
		notifier:        opts.Notifier,
		reconciler:      opts.Reconciler,
		router:          opts.Router,
		logger:          opts.Logger,
		tokenTimeout:    tokenTimeout,
		registerRetries: registerRetries,
		registerDelay:   registerDelay,
	}, nil
}

// Enable walks the full setup: permission, token, registration. With
// permission denied and userInitiated false it returns
// ErrPushDisabled without prompting; the app keeps running on the
// other two channels.
func (m *Manager) Enable(ctx context.Context, prompt Prompter, userInitiated bool) error {
	switch m.session.Permission().Status {
	case buggyline.PermissionGranted:
	case buggyline.PermissionDenied:
		if !userInitiated {
			return ErrPushDisabled
		}
		if err := m.promptAndRecord(ctx, prompt, true); err != nil {
			return err
		}
	default:
		if !m.session.MayPrompt() && !userInitiated {
			return ErrPushDisabled
		}
		if err := m.promptAndRecord(ctx, prompt, userInitiated); err != nil {
			return err
		}
	}

	token, err := m.acquireToken(ctx)
	if err != nil {
		return err
	}
	return m.register(ctx, token)
}

func (m *Manager) promptAndRecord(ctx context.Context, prompt Prompter, userInitiated bool) error {
	if prompt == nil {
		return ErrPushDisabled
	}
	if err := m.session.MarkPrompted(); err != nil {
		return err
	}
	status, err := prompt(ctx)
	if err != nil {
		return err
	}
	if err := m.session.RecordDecision(status, userInitiated); err != nil {
		return err
	}
	if status != buggyline.PermissionGranted {
		m.logf("push permission %s; channel stays off", status)
		return ErrPushDisabled
	}
	return nil
}

func (m *Manager) acquireToken(ctx context.Context) (string, error) {
	if m.tokens == nil {
		return "", ErrPushDisabled
	}
	tokenCtx, cancel := context.WithTimeout(ctx, m.tokenTimeout)
	defer cancel()
	token, err := m.tokens.Token(tokenCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tokenCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTokenTimeout
		}
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: empty token", buggyline.ErrInvalidInput)
	}
	return token, nil
}

func (m *Manager) register(ctx context.Context, token string) error {
	if m.registrar == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < m.registerRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(m.registerDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if lastErr = m.registrar.RegisterPushToken(ctx, m.role, token); lastErr == nil {
			m.logf("push token registered")
			return nil
		}
		m.logf("push token registration failed (attempt %d): %v", attempt+1, lastErr)
	}
	return lastErr
}

// HandleForeground processes a push that arrived while the app is
// visible: normalize, reconcile, and display locally. Dedup and stale
// outcomes are benign; the fact already arrived some other way.
func (m *Manager) HandleForeground(msg buggyline.PushMessage) error {
	event, err := buggyline.NormalizePushMessage(msg)
	if err != nil {
		return err
	}
	if m.reconciler != nil {
		if _, err := m.reconciler.Apply(event); err != nil {
			if errors.Is(err, buggyline.ErrDuplicateEvent) || errors.Is(err, buggyline.ErrStaleTransition) {
				return nil
			}
			return err
		}
	}
	m.display(msg)
	return nil
}

// HandleBackground processes a push with no app in the foreground: the
// platform notification is the only surface, so it always displays.
func (m *Manager) HandleBackground(msg buggyline.PushMessage) error {
	if _, err := buggyline.NormalizePushMessage(msg); err != nil {
		return err
	}
	m.display(msg)
	return nil
}

// Click routes a tap on a displayed notification.
func (m *Manager) Click(msg buggyline.PushMessage) (buggyline.NavigationTarget, error) {
	if m.router == nil {
		return buggyline.NavigationTarget{}, buggyline.ErrNotImplemented
	}
	return m.router.RouteClick(m.role, msg.Data.Type, msg.Data)
}

func (m *Manager) display(msg buggyline.PushMessage) {
	if m.notifier == nil {
		return
	}
	notification := msg.Notification
	if notification.Title == "" {
		notification.Title = defaultTitle(msg.Data.Type)
	}
	if err := m.notifier.Display(msg.CollapseTag(), notification); err != nil {
		m.logf("notification display failed: %v", err)
	}
}

func defaultTitle(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case buggyline.EventNewRequest:
		return "New shuttle request"
	case buggyline.EventRequestAccepted, buggyline.EventRequestTaken:
		return "Your buggy is on the way"
	case buggyline.EventRequestCompleted:
		return "Ride completed"
	case buggyline.EventRequestCancelled:
		return "Request cancelled"
	default:
		return "Buggyline"
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

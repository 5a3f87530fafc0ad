package buggyline

import (
	"strings"
)

// NavigationTarget is the outcome of routing a notification click. The
// focus-over-open policy is encoded here once and applies identically to
// foreground clicks and background worker clicks; the table is the single
// source of truth for both contexts.
type NavigationTarget struct {
	View      string `json:"view"`
	Path      string `json:"path"`
	FocusOnly bool   `json:"focusOnly"`
}

const (
	ViewDriverDashboard = "driver_dashboard"
	ViewGuestStatus     = "guest_status"
	ViewAdminFleet      = "admin_fleet"
	ViewLogin           = "login"
)

type routeKey struct {
	role      Role
	eventType string
}

// clickRoutes is the static (role, event type) routing table. Unlisted
// combinations fall back to the role's home view.
var clickRoutes = map[routeKey]string{
	{RoleDriver, EventNewRequest}:       ViewDriverDashboard,
	{RoleDriver, EventRequestTaken}:     ViewDriverDashboard,
	{RoleDriver, EventRequestCancelled}: ViewDriverDashboard,
	{RoleDriver, EventStatusUpdate}:     ViewDriverDashboard,

	{RoleGuest, EventStatusUpdate}:      ViewGuestStatus,
	{RoleGuest, EventRequestAccepted}:   ViewGuestStatus,
	{RoleGuest, EventRequestCompleted}:  ViewGuestStatus,
	{RoleGuest, EventRequestCancelled}:  ViewGuestStatus,

	{RoleAdmin, EventNewRequest}:         ViewAdminFleet,
	{RoleAdmin, EventRequestAccepted}:    ViewAdminFleet,
	{RoleAdmin, EventRequestCompleted}:   ViewAdminFleet,
	{RoleAdmin, EventRequestCancelled}:   ViewAdminFleet,
	{RoleAdmin, EventBuggyStatusChanged}: ViewAdminFleet,
}

var roleHomeViews = map[Role]string{
	RoleGuest:  ViewGuestStatus,
	RoleDriver: ViewDriverDashboard,
	RoleAdmin:  ViewAdminFleet,
}

// OpenViewChecker reports whether a window matching the view and path is
// already open; the router prefers focusing it over opening a new one.
type OpenViewChecker func(view, path string) bool

type ClickRouter struct {
	isOpen OpenViewChecker
}

func NewClickRouter(isOpen OpenViewChecker) *ClickRouter {
	return &ClickRouter{isOpen: isOpen}
}

// RouteClick computes the navigation target for a user interaction with
// a delivered notification.
func (c *ClickRouter) RouteClick(role Role, eventType string, data PushData) (NavigationTarget, error) {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == EventForceLogout {
		return NavigationTarget{View: ViewLogin, Path: "/login"}, nil
	}
	view, ok := clickRoutes[routeKey{role, eventType}]
	if !ok {
		view, ok = roleHomeViews[role]
		if !ok {
			return NavigationTarget{}, ErrInvalidInput
		}
	}
	target := NavigationTarget{View: view, Path: viewPath(view, data)}
	if c.isOpen != nil && c.isOpen(target.View, target.Path) {
		target.FocusOnly = true
	}
	return target, nil
}

func viewPath(view string, data PushData) string {
	switch view {
	case ViewGuestStatus:
		if data.RequestID != "" {
			return "/guest/status/" + data.RequestID
		}
		return "/guest"
	case ViewDriverDashboard:
		return "/driver/dashboard"
	case ViewAdminFleet:
		return "/admin/fleet"
	default:
		return "/"
	}
}

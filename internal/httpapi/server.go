// Package httpapi is the local control surface of a running session:
// health and status probes, the request operations, push-message
// ingest from the platform bridge, click routing, and inspection of
// the offline queue.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resortops/buggyline/internal/app"
	"github.com/resortops/buggyline/internal/backendhttp"
	"github.com/resortops/buggyline/internal/buggyline"
	"github.com/resortops/buggyline/internal/syncworker"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	app         *app.App
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(a *app.App) *Server {
	return NewServerWithConfig(a, ServerConfig{})
}

func NewServerWithConfig(a *app.App, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{app: a, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	var allowed []buggyline.Role
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "view" && r.Method == http.MethodGet:
		route = "view"
	case len(parts) == 2 && parts[1] == "requests" && r.Method == http.MethodPost:
		route = "create_request"
		allowed = []buggyline.Role{buggyline.RoleGuest, buggyline.RoleAdmin}
	case len(parts) == 4 && parts[1] == "requests" && parts[3] == "accept" && r.Method == http.MethodPut:
		route = "accept_request"
		allowed = []buggyline.Role{buggyline.RoleDriver}
	case len(parts) == 4 && parts[1] == "requests" && parts[3] == "complete" && r.Method == http.MethodPut:
		route = "complete_request"
		allowed = []buggyline.Role{buggyline.RoleDriver, buggyline.RoleAdmin}
	case len(parts) == 4 && parts[1] == "requests" && parts[3] == "cancel" && r.Method == http.MethodPut:
		route = "cancel_request"
	case len(parts) == 3 && parts[1] == "ops" && parts[2] == "pending" && r.Method == http.MethodGet:
		route = "ops_pending"
	case len(parts) == 3 && parts[1] == "ops" && parts[2] == "failed" && r.Method == http.MethodGet:
		route = "ops_failed"
	case len(parts) == 5 && parts[1] == "ops" && parts[2] == "failed" && parts[4] == "ack" && r.Method == http.MethodPost:
		route = "ops_failed_ack"
	case len(parts) == 3 && parts[1] == "push" && parts[2] == "ingest" && r.Method == http.MethodPost:
		route = "push_ingest"
	case len(parts) == 3 && parts[1] == "push" && parts[2] == "click" && r.Method == http.MethodPost:
		route = "push_click"
	case len(parts) == 2 && parts[1] == "permission" && r.Method == http.MethodGet:
		route = "permission"
	case len(parts) == 2 && parts[1] == "permission" && r.Method == http.MethodPost:
		route = "permission_decide"
	case len(parts) == 3 && parts[1] == "badge" && parts[2] == "clear" && r.Method == http.MethodPost:
		route = "badge_clear"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, allowed...)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "bgl_" + uuid.NewString()
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.app.Status())
	case "view":
		writeJSON(w, http.StatusOK, s.app.View())
	case "create_request":
		s.handleCreateRequest(w, r, correlationID)
	case "accept_request":
		s.handleRequestAction(w, r, parts[2], "accept", correlationID)
	case "complete_request":
		s.handleRequestAction(w, r, parts[2], "complete", correlationID)
	case "cancel_request":
		s.handleRequestAction(w, r, parts[2], "cancel", correlationID)
	case "ops_pending":
		s.handleOpsPending(w, correlationID)
	case "ops_failed":
		failed := s.app.FailedOps()
		if failed == nil {
			failed = []syncworker.FailedOperation{}
		}
		writeJSON(w, http.StatusOK, failed)
	case "ops_failed_ack":
		s.handleFailedAck(w, parts[3], correlationID)
	case "push_ingest":
		s.handlePushIngest(w, r, correlationID)
	case "push_click":
		s.handlePushClick(w, r, correlationID)
	case "permission":
		writeJSON(w, http.StatusOK, s.app.Session().Permission())
	case "permission_decide":
		s.handlePermissionDecide(w, r, correlationID)
	case "badge_clear":
		s.handleBadgeClear(w, correlationID)
	case "sync":
		s.app.SyncNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, correlationID string) {
	var input backendhttp.CreateRequestInput
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	req, queued, err := s.app.RequestPickup(r.Context(), input)
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	status := http.StatusCreated
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"request": req, "queued": queued})
}

func (s *Server) handleRequestAction(w http.ResponseWriter, r *http.Request, requestID, action, correlationID string) {
	if strings.TrimSpace(requestID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing request id", correlationID)
		return
	}
	var queued bool
	var err error
	switch action {
	case "accept":
		queued, err = s.app.AcceptRequest(r.Context(), requestID)
	case "complete":
		queued, err = s.app.CompleteRequest(r.Context(), requestID)
	case "cancel":
		queued, err = s.app.CancelRequest(r.Context(), requestID)
	}
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"requestId": requestID, "queued": queued})
}

func (s *Server) handleOpsPending(w http.ResponseWriter, correlationID string) {
	ops, err := s.app.PendingOps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if ops == nil {
		ops = []buggyline.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleFailedAck(w http.ResponseWriter, opID, correlationID string) {
	if err := s.app.AcknowledgeFailedOp(opID); err != nil {
		if errors.Is(err, buggyline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handlePushIngest(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := buggyline.ValidatePushMessagePayload(raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var msg buggyline.PushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid push message", correlationID)
		return
	}
	foreground := r.URL.Query().Get("foreground") != "false"
	if err := s.app.HandlePushMessage(msg, foreground); err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handlePushClick(w http.ResponseWriter, r *http.Request, correlationID string) {
	var msg buggyline.PushMessage
	if !s.decodeJSONBody(w, r, correlationID, &msg) {
		return
	}
	foreground := r.URL.Query().Get("foreground") != "false"
	target, err := s.app.Click(msg, foreground)
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handlePermissionDecide(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Status        string `json:"status"`
		UserInitiated bool   `json:"userInitiated"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	err := s.app.Session().RecordDecision(buggyline.PermissionStatus(body.Status), body.UserInitiated)
	if err != nil {
		if errors.Is(err, buggyline.ErrPermissionDenied) {
			writeError(w, http.StatusConflict, "permission_denied", "denied is terminal without an explicit user retry", correlationID)
			return
		}
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Session().Permission())
}

func (s *Server) handleBadgeClear(w http.ResponseWriter, correlationID string) {
	if err := s.app.Session().ClearBadge(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"badge": 0})
}

func (s *Server) writeAppError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *backendhttp.HTTPError
	switch {
	case errors.Is(err, buggyline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, buggyline.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, buggyline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, buggyline.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		writeError(w, httpErr.StatusCode, "backend_error", httpErr.Message, correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, out any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]string{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

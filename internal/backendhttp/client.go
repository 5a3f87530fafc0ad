// Package backendhttp is the REST client for the dispatch backend. It
// retries transient failures with capped exponential backoff, honors
// Retry-After, stamps idempotency keys on mutations, and keeps a read
// cache so list views survive going offline.
package backendhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/resortops/buggyline/internal/buggyline"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether the backend definitively rejected the call.
// A permanent rejection must not be retried; the operation surfaces as
// failed instead.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	// Cache, when set, stores successful GET bodies and serves them
	// when the network is unreachable.
	Cache    buggyline.ResponseCache
	CacheTTL time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      buggyline.ResponseCache
	cacheTTL   time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		cache:      opts.Cache,
		cacheTTL:   cacheTTL,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type CreateRequestInput struct {
	Location   string `json:"location"`
	GuestName  string `json:"guest_name,omitempty"`
	RoomNumber string `json:"room_number,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (c *Client) CreateRequest(ctx context.Context, input CreateRequestInput, idempotencyKey string) (buggyline.Request, error) {
	if strings.TrimSpace(input.Location) == "" {
		return buggyline.Request{}, fmt.Errorf("%w: location required", buggyline.ErrInvalidInput)
	}
	var out buggyline.Request
	err := c.doJSON(ctx, http.MethodPost, "/api/requests", mutationHeaders(idempotencyKey), input, &out)
	return out, err
}

func (c *Client) AcceptRequest(ctx context.Context, requestID, driverRef, idempotencyKey string) (buggyline.Request, error) {
	var out buggyline.Request
	body := map[string]any{"driver_id": driverRef}
	err := c.doJSON(ctx, http.MethodPut, "/api/requests/"+requestID+"/accept", mutationHeaders(idempotencyKey), body, &out)
	return out, err
}

func (c *Client) CompleteRequest(ctx context.Context, requestID, idempotencyKey string) (buggyline.Request, error) {
	var out buggyline.Request
	err := c.doJSON(ctx, http.MethodPut, "/api/requests/"+requestID+"/complete", mutationHeaders(idempotencyKey), nil, &out)
	return out, err
}

func (c *Client) CancelRequest(ctx context.Context, requestID, idempotencyKey string) (buggyline.Request, error) {
	var out buggyline.Request
	err := c.doJSON(ctx, http.MethodPut, "/api/requests/"+requestID+"/cancel", mutationHeaders(idempotencyKey), nil, &out)
	return out, err
}

func (c *Client) PendingRequests(ctx context.Context) ([]buggyline.Request, error) {
	var out []buggyline.Request
	err := c.getJSON(ctx, "/api/requests/pending", &out)
	return out, err
}

func (c *Client) GuestRequest(ctx context.Context, requestID string) (buggyline.Request, error) {
	var out buggyline.Request
	err := c.getJSON(ctx, "/api/requests/"+requestID, &out)
	return out, err
}

func (c *Client) ActiveRequest(ctx context.Context, driverRef string) (buggyline.Request, error) {
	var out buggyline.Request
	err := c.getJSON(ctx, "/api/drivers/"+driverRef+"/active-request", &out)
	return out, err
}

func (c *Client) Buggies(ctx context.Context) ([]buggyline.Buggy, error) {
	var out []buggyline.Buggy
	err := c.getJSON(ctx, "/api/buggies", &out)
	return out, err
}

func (c *Client) RegisterPushToken(ctx context.Context, role buggyline.Role, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: push token required", buggyline.ErrInvalidInput)
	}
	body := map[string]any{"role": string(role), "token": token}
	return c.doJSON(ctx, http.MethodPost, "/api/push/register", nil, body, nil)
}

// Replay re-sends a queued operation verbatim, carrying its stored
// idempotency key so the backend can drop duplicates from earlier
// attempts that died after the server applied them.
func (c *Client) Replay(ctx context.Context, op buggyline.QueuedOperation) error {
	headers := map[string]string{}
	for key, value := range op.Headers {
		headers[key] = value
	}
	if op.IdempotencyKey != "" {
		headers["Idempotency-Key"] = op.IdempotencyKey
	}
	var body any
	if op.Body != "" {
		body = json.RawMessage(op.Body)
	}
	return c.doJSON(ctx, op.Method, op.URL, headers, body, nil)
}

func mutationHeaders(idempotencyKey string) map[string]string {
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = uuid.NewString()
	}
	return map[string]string{"Idempotency-Key": idempotencyKey}
}

// getJSON is doJSON plus the read cache: hits refresh the cache, and a
// network failure falls back to the last cached body if one is fresh.
func (c *Client) getJSON(ctx context.Context, requestPath string, out any) error {
	payload, err := c.do(ctx, http.MethodGet, requestPath, nil, nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return err
		}
		if c.cache != nil {
			if cached, ok := c.cache.Get(requestPath); ok {
				if out == nil || len(cached.Body) == 0 {
					return nil
				}
				return json.Unmarshal(cached.Body, out)
			}
		}
		return err
	}
	if c.cache != nil {
		_ = c.cache.Put(buggyline.CachedResponse{
			URL:         requestPath,
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        payload,
		}, c.cacheTTL)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body, out any) error {
	payload, err := c.do(ctx, method, requestPath, headers, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *Client) do(ctx context.Context, method, requestPath string, headers map[string]string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payloadBytes, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "bgl_" + uuid.NewString()
}

// Package webhook delivers signed event notifications to configured HTTP
// endpoints with retries, and keeps a bounded in-memory delivery log.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Endpoint is a delivery destination.
type Endpoint struct {
	URL    string `json:"url"`
	Secret string `json:"-"`
}

// Event is the envelope POSTed to every endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records a single POST of an event to an endpoint.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Delivery log
// ---------------------------------------------------------------------------

const defaultLogSize = 200

// deliveryLog is a ring of the most recent attempts.
type deliveryLog struct {
	mu    sync.RWMutex
	items []*DeliveryAttempt
	next  int
	full  bool
}

func newDeliveryLog(size int) *deliveryLog {
	return &deliveryLog{items: make([]*DeliveryAttempt, size)}
}

func (l *deliveryLog) record(a *DeliveryAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[l.next] = a
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
}

// recent returns up to limit attempts, newest first.
func (l *deliveryLog) recent(limit int) []*DeliveryAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := l.next
	if l.full {
		n = len(l.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*DeliveryAttempt, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.items)) % len(l.items)
		out = append(out, l.items[idx])
	}
	return out
}

// ---------------------------------------------------------------------------
// Signing
// ---------------------------------------------------------------------------

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. The number of delays is
// the number of retries.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = d }
}

// Notifier fans events out to its endpoints.
type Notifier struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	log         *deliveryLog
	logger      zerolog.Logger
	wg          sync.WaitGroup
	now         func() time.Time
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func NewNotifier(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("endpoint %s: secret is required", ep.URL)
		}
	}
	n := &Notifier{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 10 * time.Second, time.Minute},
		log:         newDeliveryLog(defaultLogSize),
		logger:      logger.With().Str("component", "webhook").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Publish delivers one event to every endpoint, retrying failures, and
// returns the final attempt per endpoint.
func (n *Notifier) Publish(ctx context.Context, eventType string, payload any) ([]*DeliveryAttempt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{ID: uuid.New().String(), Type: eventType, Payload: body, Timestamp: n.now()}

	results := make([]*DeliveryAttempt, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		results = append(results, n.deliverWithRetry(ctx, ep, ev))
	}
	return results, nil
}

// PublishAsync runs Publish in the background. Close waits for it.
func (n *Notifier) PublishAsync(eventType string, payload any) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.Publish(context.Background(), eventType, payload); err != nil {
			n.logger.Error().Err(err).Str("event_type", eventType).Msg("webhook publish failed")
		}
	}()
}

// Close waits for background deliveries or until ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries returns recent delivery attempts, newest first.
func (n *Notifier) Deliveries(limit int) []*DeliveryAttempt {
	return n.log.recent(limit)
}

func (n *Notifier) deliverWithRetry(ctx context.Context, ep Endpoint, ev Event) *DeliveryAttempt {
	attempt := n.deliver(ctx, ep, ev, 1)
	for i, delay := range n.retryDelays {
		if attempt.Status == "success" {
			break
		}
		select {
		case <-ctx.Done():
			return attempt
		case <-time.After(delay):
		}
		attempt = n.deliver(ctx, ep, ev, i+2)
	}
	if attempt.Status != "success" {
		n.logger.Warn().
			Str("url", ep.URL).
			Str("event_type", ev.Type).
			Int("attempts", attempt.Attempt).
			Str("error", attempt.Error).
			Msg("webhook delivery gave up")
	}
	return attempt
}

// deliver signs the envelope and POSTs it once, recording the result.
func (n *Notifier) deliver(ctx context.Context, ep Endpoint, ev Event, attemptNo int) *DeliveryAttempt {
	payload, _ := json.Marshal(ev)
	sig := SignPayload(payload, ep.Secret)
	now := n.now()

	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		EventID:   ev.ID,
		EventType: ev.Type,
		URL:       ep.URL,
		Attempt:   attemptNo,
		Status:    "failed",
		CreatedAt: now,
	}
	defer n.log.record(attempt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

type Handler struct {
	notifier *Notifier
}

func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhooks/deliveries", h.ListDeliveries, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > defaultLogSize {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(defaultLogSize))
		}
		limit = n
	}
	items := h.notifier.Deliveries(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deliveries": items,
		"count":      len(items),
	})
}

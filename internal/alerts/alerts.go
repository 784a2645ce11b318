// Package alerts delivers webhook notifications when an analysis
// produces a flagged verdict. Subscribers register a URL plus a minimum
// rating; deliveries are signed with HMAC-SHA256 and retried a few
// times before giving up.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/retry"
	"github.com/movesentry/movesentry/internal/security"
	"github.com/movesentry/movesentry/internal/verdict"
)

const (
	eventHeader     = "X-MoveSentry-Event"
	timestampHeader = "X-MoveSentry-Timestamp"
	signatureHeader = "X-MoveSentry-Signature"

	// eventVerdictFlagged is the only event type emitted today.
	eventVerdictFlagged = "verdict.flagged"

	deliveryAttempts = 3
	deliveryTimeout  = 10 * time.Second
)

// ErrNotFound is returned when no subscription exists for an id.
var ErrNotFound = errors.New("subscription not found")

// Alert is the delivered payload: a compact summary of one flagged
// analysis, with the share id pointing at the full document.
type Alert struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	ShareID    string         `json:"shareId"`
	Network    string         `json:"network"`
	Function   string         `json:"function"`
	Sender     string         `json:"sender,omitempty"`
	Rating     verdict.Rating `json:"rating"`
	Score      float64        `json:"score"`
	Findings   int            `json:"findings"`
	TopFinding string         `json:"topFinding,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Subscription is a registered webhook target.
type Subscription struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Secret      string         `json:"-"` // per-subscription HMAC key
	MinRating   verdict.Rating `json:"minRating"`
	Networks    []string       `json:"networks,omitempty"` // empty matches all
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastSuccess *time.Time     `json:"lastSuccess,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
}

// ratingFromString normalizes rating text from storage or request
// input. Unknown values map to the empty rating, which matches treats
// as the default threshold.
func ratingFromString(s string) verdict.Rating {
	r := verdict.Rating(strings.ToLower(strings.TrimSpace(s)))
	if verdict.Rank(r) < 0 {
		return ""
	}
	return r
}

// matches reports whether the subscription wants this alert.
func (s *Subscription) matches(a *Alert) bool {
	min := s.MinRating
	if min == "" {
		min = verdict.RatingHigh
	}
	if verdict.Rank(a.Rating) < verdict.Rank(min) {
		return false
	}
	if len(s.Networks) == 0 {
		return true
	}
	for _, n := range s.Networks {
		if n == a.Network {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher fans alerts out to matching subscriptions.
type Dispatcher struct {
	store        Store
	client       *http.Client
	secret       string // fallback HMAC key for subscriptions without one
	log          *slog.Logger
	urlValidator func(string) error
	retryDelay   time.Duration
	wg           sync.WaitGroup
}

// NewDispatcher creates a dispatcher. secret is the service-wide HMAC
// key used when a subscription has no secret of its own.
func NewDispatcher(store Store, secret string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: deliveryTimeout},
		secret:       secret,
		log:          log,
		urlValidator: security.ValidateWebhookURL,
		retryDelay:   500 * time.Millisecond,
	}
}

// Dispatch sends the alert to every matching active subscription.
// Deliveries run in the background; the returned error covers only the
// subscription lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if alert.Event == "" {
		alert.Event = eventVerdictFlagged
	}

	for _, sub := range subs {
		if !sub.matches(alert) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(sub, alert)
		}(sub)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(sub *Subscription, alert *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(alert)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("failed to marshal alert: %v", err))
		return
	}
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	err = retry.Do(ctx, deliveryAttempts, d.retryDelay, func() error {
		return d.post(ctx, sub, alert, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, alert *Alert, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, alert.Event)
	req.Header.Set(timestampHeader, fmt.Sprintf("%d", alert.Timestamp.Unix()))

	secret := sub.Secret
	if secret == "" {
		secret = d.secret
	}
	if secret != "" {
		req.Header.Set(signatureHeader, Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// 4xx means the receiver rejected the delivery; retrying the
		// same payload cannot help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.AlertDeliveriesTotal.WithLabelValues("ok").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.log.WarnContext(ctx, "failed to update subscription", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		d.log.WarnContext(ctx, "failed to update subscription", "id", sub.ID, "error", err)
	}
	d.log.WarnContext(ctx, "alert delivery failed", "id", sub.ID, "url", sub.URL, "error", msg)
}

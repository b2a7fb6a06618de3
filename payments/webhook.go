package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature is returned for missing or mismatched signatures.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrSignatureExpired is returned when the signed timestamp is outside
	// the tolerance window.
	ErrSignatureExpired = errors.New("webhook timestamp outside tolerance")
)

// =============================================================================
// SIGNATURE
// =============================================================================

// Sign computes the "t=...,v1=..." header for payload. Used by tests and by
// tooling that replays events.
func Sign(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, computeSignature(ts, payload, secret))
}

// VerifySignature checks a "t=<unix>,v1=<hex hmac-sha256>" header against
// payload. Any v1 entry may match, which allows secret rotation.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" || header == "" {
		return ErrInvalidSignature
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}

	expected, _ := hex.DecodeString(computeSignature(timestamp, payload, secret))
	for _, sig := range signatures {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func computeSignature(timestamp string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// =============================================================================
// EVENTS
// =============================================================================

const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

// Event is the subset of a provider event the bridge needs.
type Event struct {
	ID       string
	Type     string
	IntentID string
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a provider event body.
func ParseEvent(payload []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, errors.New("event id and type are required")
	}
	return Event{ID: env.ID, Type: env.Type, IntentID: env.Data.Object.ID}, nil
}

// Outcome maps the event type; ok is false for event types we ignore.
func (e Event) Outcome() (Outcome, bool) {
	switch e.Type {
	case EventIntentSucceeded:
		return OutcomeSucceeded, true
	case EventIntentFailed:
		return OutcomeFailed, true
	}
	return "", false
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Resolver is what webhooks feed.
type Resolver interface {
	Resolve(ctx context.Context, reference string, outcome Outcome) (Resolution, error)
}

// Webhooks verifies, deduplicates and dispatches provider events.
type Webhooks struct {
	resolver  Resolver
	cache     EventCache
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type WebhookOption func(*Webhooks)

func WithEventCache(c EventCache) WebhookOption { return func(w *Webhooks) { w.cache = c } }

func WithTolerance(d time.Duration) WebhookOption { return func(w *Webhooks) { w.tolerance = d } }

func WithWebhookLogger(l *slog.Logger) WebhookOption { return func(w *Webhooks) { w.logger = l } }

func WithWebhookClock(now func() time.Time) WebhookOption { return func(w *Webhooks) { w.now = now } }

func NewWebhooks(resolver Resolver, secret string, opts ...WebhookOption) *Webhooks {
	w := &Webhooks{
		resolver:  resolver,
		cache:     NopEventCache{},
		secret:    secret,
		tolerance: DefaultTolerance,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "payment_webhook")
	return w
}

// WebhookResult describes what a delivery did.
type WebhookResult struct {
	Event      Event
	Ignored    bool // unknown event type
	Duplicate  bool
	Resolution *Resolution
}

// Handle verifies the signature and resolves the referenced payment. The
// event cache is a fast path only; the bridge stays the exactly-once guard,
// so cache errors are logged and processing continues.
func (w *Webhooks) Handle(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if err := VerifySignature(payload, signature, w.secret, w.tolerance, w.now()); err != nil {
		w.logger.Warn("rejected webhook", "err", err)
		return WebhookResult{}, err
	}
	ev, err := ParseEvent(payload)
	if err != nil {
		return WebhookResult{}, err
	}
	out := WebhookResult{Event: ev}
	log := w.logger.With("event_id", ev.ID, "event_type", ev.Type)

	outcome, ok := ev.Outcome()
	if !ok {
		log.Debug("ignoring event type")
		out.Ignored = true
		return out, nil
	}

	seen, err := w.cache.Seen(ctx, ev.ID)
	if err != nil {
		log.Warn("event cache lookup failed", "err", err)
	}
	if seen {
		log.Info("duplicate webhook delivery")
		out.Duplicate = true
		return out, nil
	}

	res, err := w.resolver.Resolve(ctx, ev.IntentID, outcome)
	if err != nil {
		return out, err
	}
	out.Resolution = &res
	out.Duplicate = res.Duplicate

	if err := w.cache.Mark(ctx, ev.ID); err != nil {
		log.Warn("event cache write failed", "err", err)
	}
	return out, nil
}

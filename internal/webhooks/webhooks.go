// Package webhooks delivers signed event notifications to registered HTTP
// endpoints. Registration is SSRF-guarded; deliveries drain from a bounded
// queue on dedicated workers so a slow endpoint never blocks a caller.
package webhooks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/identity"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

// Registration and delivery limits.
const (
	MaxWebhooks         = 100
	MaxFilterPatternLen = 100
	DefaultQueueSize    = 1000
	DefaultMaxAttempts  = 5
	ResponseBodyLimit   = 1000
)

// DefaultDeliveryRetentionMs bounds how long finished deliveries are kept.
const DefaultDeliveryRetentionMs = int64(24 * 3600 * 1000)

var filterPatternRe = regexp.MustCompile(`^[A-Za-z0-9._:*-]+$`)

// Recorder is the activity sink capability.
type Recorder interface {
	Record(typ string, opts activity.RecordOptions) (int64, error)
}

// Options tunes the delivery pipeline; zero values take the defaults.
type Options struct {
	QueueSize      int
	MaxAttempts    int
	RequestTimeout time.Duration
	RetryBase      time.Duration
	RetentionMs    int64
	Client         *http.Client
}

// Hooks is the webhooks component.
type Hooks struct {
	store       *storage.Store
	rec         Recorder
	log         zerolog.Logger
	queue       chan string
	client      *http.Client
	maxAttempts int
	retryBase   time.Duration
	retentionMs int64
}

// New constructs the webhooks component. rec may be nil. Start the workers
// with Run.
func New(store *storage.Store, logger zerolog.Logger, rec Recorder, opts Options) *Hooks {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetentionMs <= 0 {
		opts.RetentionMs = DefaultDeliveryRetentionMs
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.RequestTimeout}
	}
	return &Hooks{
		store:       store,
		rec:         rec,
		log:         logger.With().Str("component", "webhooks").Logger(),
		queue:       make(chan string, opts.QueueSize),
		client:      client,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		retentionMs: opts.RetentionMs,
	}
}

// Webhook is one registration.
type Webhook struct {
	ID            string   `json:"id"`
	URL           string   `json:"url"`
	Events        []string `json:"events"`
	FilterPattern string   `json:"filterPattern,omitempty"`
	Secret        string   `json:"-"`
	Active        bool     `json:"active"`
	SuccessCount  int64    `json:"successCount"`
	FailureCount  int64    `json:"failureCount"`
	CreatedAt     int64    `json:"createdAt"`
}

// RegisterOptions carries the optional registration fields.
type RegisterOptions struct {
	Events        []string
	FilterPattern string
	Secret        string
}

// Register validates and stores a webhook.
func (h *Hooks) Register(rawURL string, opts RegisterOptions) (*Webhook, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	events, err := validateEvents(opts.Events)
	if err != nil {
		return nil, err
	}
	if opts.FilterPattern != "" {
		if len(opts.FilterPattern) > MaxFilterPatternLen || !filterPatternRe.MatchString(opts.FilterPattern) {
			return nil, types.E(types.CodeValidation, "invalid filter pattern %q", opts.FilterPattern)
		}
	}

	var count int
	if err := h.store.DB().QueryRow(`SELECT COUNT(*) FROM webhooks`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count webhooks: %w", err)
	}
	if count >= MaxWebhooks {
		return nil, types.E(types.CodeValidation, "webhook limit (%d) reached", MaxWebhooks)
	}

	hook := &Webhook{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Events:    events,
		Active:    true,
		CreatedAt: h.store.Now(),
	}
	eventsJSON, _ := json.Marshal(events)
	_, err = h.store.DB().Exec(
		`INSERT INTO webhooks (id, url, events, filter_pattern, secret, active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		hook.ID, rawURL, string(eventsJSON),
		nullable(opts.FilterPattern), nullable(opts.Secret), hook.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}
	hook.FilterPattern = opts.FilterPattern
	hook.Secret = opts.Secret
	return hook, nil
}

func validateEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return []string{types.EventWildcard}, nil
	}
	for _, e := range events {
		if e == types.EventWildcard {
			continue
		}
		if !types.KnownEvent(e) {
			return nil, types.E(types.CodeInvalidEvent, "unknown event %q", e)
		}
	}
	return events, nil
}

// UpdatePatch carries partial updates; nil fields are untouched.
type UpdatePatch struct {
	URL           *string
	Events        []string
	FilterPattern *string
	Secret        *string
	Active        *bool
}

// Update applies a partial update to a webhook.
func (h *Hooks) Update(id string, patch UpdatePatch) (*Webhook, error) {
	hook, err := h.Get(id)
	if err != nil {
		return nil, err
	}

	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			return nil, err
		}
		hook.URL = *patch.URL
	}
	if patch.Events != nil {
		events, err := validateEvents(patch.Events)
		if err != nil {
			return nil, err
		}
		hook.Events = events
	}
	if patch.FilterPattern != nil {
		fp := *patch.FilterPattern
		if fp != "" && (len(fp) > MaxFilterPatternLen || !filterPatternRe.MatchString(fp)) {
			return nil, types.E(types.CodeValidation, "invalid filter pattern %q", fp)
		}
		hook.FilterPattern = fp
	}
	if patch.Secret != nil {
		hook.Secret = *patch.Secret
	}
	if patch.Active != nil {
		hook.Active = *patch.Active
	}

	eventsJSON, _ := json.Marshal(hook.Events)
	_, err = h.store.DB().Exec(
		`UPDATE webhooks SET url = ?, events = ?, filter_pattern = ?, secret = ?, active = ? WHERE id = ?`,
		hook.URL, string(eventsJSON), nullable(hook.FilterPattern),
		nullable(hook.Secret), boolInt(hook.Active), id)
	if err != nil {
		return nil, fmt.Errorf("update webhook %q: %w", id, err)
	}
	return hook, nil
}

// RemoveResult reports whether a row was deleted.
type RemoveResult struct {
	Removed bool `json:"removed"`
}

// Remove deletes a webhook and, via cascade, its deliveries. Removing a
// missing webhook is success.
func (h *Hooks) Remove(id string) (*RemoveResult, error) {
	res, err := h.store.DB().Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("remove webhook %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return &RemoveResult{Removed: n > 0}, nil
}

// Get returns one webhook or a VALIDATION_ERROR for an unknown id.
func (h *Hooks) Get(id string) (*Webhook, error) {
	row := h.store.DB().QueryRow(
		`SELECT id, url, events, filter_pattern, secret, active, success_count, failure_count, created_at
		 FROM webhooks WHERE id = ?`, id)
	hook, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeValidation, "webhook %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook %q: %w", id, err)
	}
	return hook, nil
}

// List returns webhooks, optionally only active ones.
func (h *Hooks) List(activeOnly bool) ([]Webhook, error) {
	query := `SELECT id, url, events, filter_pattern, secret, active, success_count, failure_count, created_at
		FROM webhooks`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := h.store.DB().Query(query)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *hook)
	}
	return out, rows.Err()
}

// TriggerResult reports fan-out size.
type TriggerResult struct {
	Triggered int `json:"triggered"`
}

// Trigger enqueues one delivery per matching active webhook. A webhook
// matches when its events include the event name (or the wildcard) and its
// filter pattern, if any, glob-matches targetID.
func (h *Hooks) Trigger(event string, payload any, targetID string) (int, error) {
	hooks, err := h.List(true)
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": h.store.Now(),
		"targetId":  targetID,
		"payload":   payload,
	})
	if err != nil {
		return 0, fmt.Errorf("encode webhook payload: %w", err)
	}

	// One webhook's full queue or bad row must not starve the rest: every
	// matching webhook gets its enqueue attempt, and the first failure is
	// reported alongside however many deliveries did go out.
	triggered := 0
	var firstErr error
	for i := range hooks {
		hook := &hooks[i]
		if !hookMatches(hook, event, targetID) {
			continue
		}
		if _, err := h.enqueue(hook, event, string(body)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		triggered++
	}
	return triggered, firstErr
}

// TestFire sends a synthetic event to one webhook regardless of its
// subscriptions.
func (h *Hooks) TestFire(id string) (*Delivery, error) {
	hook, err := h.Get(id)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]any{
		"event":     "test",
		"timestamp": h.store.Now(),
		"payload":   map[string]bool{"test": true},
	})
	deliveryID, err := h.enqueue(hook, "test", string(body))
	if err != nil {
		return nil, err
	}
	delivery, _, err := h.loadDelivery(deliveryID)
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

func hookMatches(hook *Webhook, event, targetID string) bool {
	subscribed := false
	for _, e := range hook.Events {
		if e == types.EventWildcard || e == event {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}
	if hook.FilterPattern == "" || targetID == "" {
		return hook.FilterPattern == "" // a filter with no target never matches
	}
	ok, err := identity.Match(hook.FilterPattern, targetID)
	return err == nil && ok
}

func (h *Hooks) enqueue(hook *Webhook, event, body string) (string, error) {
	deliveryID := uuid.NewString()
	now := h.store.Now()
	_, err := h.store.DB().Exec(
		`INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?)`,
		deliveryID, hook.ID, event, body, now)
	if err != nil {
		return "", fmt.Errorf("record delivery: %w", err)
	}

	select {
	case h.queue <- deliveryID:
		return deliveryID, nil
	default:
		// The queue is bounded; the rejection is recorded on the delivery
		// row rather than dropped silently.
		_, _ = h.store.DB().Exec(
			`UPDATE webhook_deliveries SET status = 'failed', response_body = 'delivery queue full' WHERE id = ?`,
			deliveryID)
		_, _ = h.store.DB().Exec(
			`UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?`, hook.ID)
		h.log.Warn().Str("webhook", hook.ID).Str("event", event).Msg("delivery queue full")
		return "", types.E(types.CodeValidation, "delivery queue is full")
	}
}

// Cleanup deletes finished deliveries older than the retention window.
func (h *Hooks) Cleanup() (int, error) {
	cutoff := h.store.Now() - h.retentionMs
	res, err := h.store.DB().Exec(
		`DELETE FROM webhook_deliveries
		 WHERE status IN ('succeeded', 'failed') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueDepth reports how many deliveries are waiting for a worker.
func (h *Hooks) QueueDepth() int {
	return len(h.queue)
}

func scanWebhook(row rowScanner) (*Webhook, error) {
	var w Webhook
	var eventsJSON string
	var filter, secret sql.NullString
	var active int
	err := row.Scan(&w.ID, &w.URL, &eventsJSON, &filter, &secret, &active,
		&w.SuccessCount, &w.FailureCount, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return nil, fmt.Errorf("decode events for webhook %q: %w", w.ID, err)
	}
	w.FilterPattern = filter.String
	w.Secret = secret.String
	w.Active = active != 0
	return &w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

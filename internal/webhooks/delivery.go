package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erichowens/port-daddy/internal/types"
)

// Delivery is one attempt record for a webhook event.
type Delivery struct {
	ID             string `json:"id"`
	WebhookID      string `json:"webhookId"`
	Event          string `json:"event"`
	Payload        string `json:"payload"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	LastAttemptAt  int64  `json:"lastAttemptAt,omitempty"`
	ResponseStatus int    `json:"responseStatus,omitempty"`
	ResponseBody   string `json:"responseBody,omitempty"`
	NextAttemptAt  int64  `json:"nextAttemptAt,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// Run drains the delivery queue until ctx is canceled. Callers usually run
// it on a dedicated goroutine (or several) off the request path.
func (h *Hooks) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case deliveryID := <-h.queue:
			h.deliver(ctx, deliveryID)
		}
	}
}

// deliver attempts one delivery with exponential backoff between attempts,
// persisting progress after each try so state survives a daemon restart.
func (h *Hooks) deliver(ctx context.Context, deliveryID string) {
	delivery, hook, err := h.loadDelivery(deliveryID)
	if err != nil {
		h.log.Error().Err(err).Str("delivery", deliveryID).Msg("load delivery failed")
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryBase
	policy.MaxInterval = 30 * h.retryBase
	policy.MaxElapsedTime = 0 // attempts are bounded by maxAttempts, not time

	for attempt := delivery.Attempts + 1; attempt <= h.maxAttempts; attempt++ {
		status, body, err := h.attempt(ctx, hook, delivery)
		now := h.store.Now()

		if err == nil && status >= 200 && status < 300 {
			_, _ = h.store.DB().Exec(
				`UPDATE webhook_deliveries
				 SET status = 'succeeded', attempts = ?, last_attempt_at = ?,
				     response_status = ?, response_body = ?, next_attempt_at = NULL
				 WHERE id = ?`,
				attempt, now, status, body, deliveryID)
			_, _ = h.store.DB().Exec(
				`UPDATE webhooks SET success_count = success_count + 1 WHERE id = ?`, hook.ID)
			return
		}

		errText := body
		if err != nil {
			errText = truncate(err.Error(), ResponseBodyLimit)
		}

		if attempt == h.maxAttempts {
			_, _ = h.store.DB().Exec(
				`UPDATE webhook_deliveries
				 SET status = 'failed', attempts = ?, last_attempt_at = ?,
				     response_status = ?, response_body = ?, next_attempt_at = NULL
				 WHERE id = ?`,
				attempt, now, nullableInt(status), errText, deliveryID)
			_, _ = h.store.DB().Exec(
				`UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?`, hook.ID)
			h.log.Warn().Str("webhook", hook.ID).Str("delivery", deliveryID).
				Int("attempts", attempt).Msg("webhook delivery failed")
			return
		}

		wait := policy.NextBackOff()
		_, _ = h.store.DB().Exec(
			`UPDATE webhook_deliveries
			 SET status = 'retrying', attempts = ?, last_attempt_at = ?,
			     response_status = ?, response_body = ?, next_attempt_at = ?
			 WHERE id = ?`,
			attempt, now, nullableInt(status), errText,
			now+wait.Milliseconds(), deliveryID)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// attempt sends one HTTP POST and returns the response status plus up to
// ResponseBodyLimit chars of body.
func (h *Hooks) attempt(ctx context.Context, hook *Webhook, delivery *Delivery) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL,
		strings.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PortDaddy-Event", delivery.Event)
	// The delivery id is minted once at enqueue; retries of the same
	// logical delivery present the same id so receivers can dedup.
	req.Header.Set("X-PortDaddy-Delivery", delivery.ID)
	req.Header.Set("X-PortDaddy-Timestamp", strconv.FormatInt(h.store.Now(), 10))
	if hook.Secret != "" {
		req.Header.Set("X-PortDaddy-Signature", Sign(hook.Secret, []byte(delivery.Payload)))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, ResponseBodyLimit))
	return resp.StatusCode, string(body), nil
}

// Sign computes the delivery signature: sha256=<hex HMAC-SHA256 of the raw
// body keyed by the webhook secret>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ListDeliveries returns a webhook's most recent deliveries.
func (h *Hooks) ListDeliveries(webhookID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.store.DB().Query(
		`SELECT id, webhook_id, event, payload, status, attempts, last_attempt_at,
		        response_status, response_body, next_attempt_at, created_at
		 FROM webhook_deliveries WHERE webhook_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (h *Hooks) loadDelivery(deliveryID string) (*Delivery, *Webhook, error) {
	row := h.store.DB().QueryRow(
		`SELECT id, webhook_id, event, payload, status, attempts, last_attempt_at,
		        response_status, response_body, next_attempt_at, created_at
		 FROM webhook_deliveries WHERE id = ?`, deliveryID)
	delivery, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil, types.E(types.CodeInternal, "delivery %q not found", deliveryID)
	}
	if err != nil {
		return nil, nil, err
	}
	hook, err := h.Get(delivery.WebhookID)
	if err != nil {
		return nil, nil, err
	}
	return delivery, hook, nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var lastAttempt, nextAttempt sql.NullInt64
	var respStatus sql.NullInt64
	var respBody sql.NullString
	err := row.Scan(&d.ID, &d.WebhookID, &d.Event, &d.Payload, &d.Status, &d.Attempts,
		&lastAttempt, &respStatus, &respBody, &nextAttempt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.LastAttemptAt = lastAttempt.Int64
	d.ResponseStatus = int(respStatus.Int64)
	d.ResponseBody = respBody.String
	d.NextAttemptAt = nextAttempt.Int64
	return &d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// Package messaging implements channel-based pub/sub over the store.
// Messages are best-effort with TTL retention: the channel log is the
// cross-process surface, and an in-process subscriber table gives daemon
// consumers synchronous fan-out.
package messaging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/timeparsing"
	"github.com/erichowens/port-daddy/internal/types"
)

// DefaultReadLimit bounds GetMessages when no limit is given.
const DefaultReadLimit = 50

// MaxReadLimit clamps GetMessages.
const MaxReadLimit = 500

// Recorder is the activity sink capability.
type Recorder interface {
	Record(typ string, opts activity.RecordOptions) (int64, error)
}

// Trigger is the webhook capability.
type Trigger interface {
	Trigger(event string, payload any, targetID string) (int, error)
}

// Messenger is the messaging component.
type Messenger struct {
	store *storage.Store
	subs  *Subscribers
	rec   Recorder
	trig  Trigger
	log   zerolog.Logger
}

// New constructs the messenger around a shared subscriber table.
func New(store *storage.Store, logger zerolog.Logger, subs *Subscribers, rec Recorder, trig Trigger) *Messenger {
	return &Messenger{
		store: store,
		subs:  subs,
		rec:   rec,
		trig:  trig,
		log:   logger.With().Str("component", "messaging").Logger(),
	}
}

// Subscribers exposes the in-process fan-out table.
func (m *Messenger) Subscribers() *Subscribers {
	return m.subs
}

// Message is one channel log entry. Payload is the decoded form; JSON
// payloads round-trip as objects.
type Message struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Payload   any    `json:"payload"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// PublishOptions tunes Publish.
type PublishOptions struct {
	Sender  string
	Expires any
}

// PublishResult is the success arm of Publish.
type PublishResult struct {
	ID int64 `json:"id"`
}

// Publish appends a message to the channel and fans it out to in-process
// subscribers. Non-string payloads are stored JSON-encoded and re-decoded
// on read.
//
// When Expires is present but unparseable the message is stored with
// expires_at = now, making it immediately expirable. That matches the
// long-standing publisher behavior exactly; see TestPublishUnparseableExpiry.
func (m *Messenger) Publish(channel string, payload any, opts PublishOptions) (*PublishResult, error) {
	if channel == "" {
		return nil, types.E(types.CodeValidation, "channel is required")
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, types.E(types.CodeValidation, "cannot encode payload: %v", err)
	}

	now := m.store.Now()
	var expiresAt any
	if opts.Expires != nil {
		ms, _ := timeparsing.ParseDurationValue(opts.Expires)
		expiresAt = now + ms
	}

	res, err := m.store.DB().Exec(
		`INSERT INTO messages (channel, payload, sender, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		channel, raw, nullable(opts.Sender), now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("publish to %q: %w", channel, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("publish to %q: %w", channel, err)
	}

	if m.subs != nil {
		m.subs.Notify(channel, id, decodePayload(raw), raw, opts.Sender)
	}
	m.record(types.ActivityMessagePublish, opts.Sender, channel, "")
	m.trigger(types.EventMessagePublish, map[string]any{"channel": channel, "id": id}, "")

	return &PublishResult{ID: id}, nil
}

// GetOptions tunes GetMessages.
type GetOptions struct {
	Limit int
	After int64
}

// GetMessages returns messages with id > After in ascending id order.
func (m *Messenger) GetMessages(channel string, opts GetOptions) ([]Message, error) {
	if channel == "" {
		return nil, types.E(types.CodeValidation, "channel is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}

	rows, err := m.store.DB().Query(
		`SELECT id, channel, payload, sender, created_at, expires_at
		 FROM messages WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		channel, opts.After, limit)
	if err != nil {
		return nil, fmt.Errorf("read channel %q: %w", channel, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// PollResult is the outcome of Poll. Message is nil when the channel has
// nothing new; LastID is what the caller feeds back on the next poll.
type PollResult struct {
	Message *Message `json:"message"`
	LastID  int64    `json:"lastId"`
}

// Poll returns the single next message with id > afterID, or nil.
func (m *Messenger) Poll(channel string, afterID int64) (*PollResult, error) {
	if channel == "" {
		return nil, types.E(types.CodeValidation, "channel is required")
	}
	row := m.store.DB().QueryRow(
		`SELECT id, channel, payload, sender, created_at, expires_at
		 FROM messages WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT 1`,
		channel, afterID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return &PollResult{Message: nil, LastID: afterID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll channel %q: %w", channel, err)
	}
	return &PollResult{Message: msg, LastID: msg.ID}, nil
}

// Clear deletes every message in the channel.
func (m *Messenger) Clear(channel string) (int, error) {
	if channel == "" {
		return 0, types.E(types.CodeValidation, "channel is required")
	}
	res, err := m.store.DB().Exec(`DELETE FROM messages WHERE channel = ?`, channel)
	if err != nil {
		return 0, fmt.Errorf("clear channel %q: %w", channel, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.record(types.ActivityMessageClear, "", channel, fmt.Sprintf("%d messages cleared", n))
	}
	return int(n), nil
}

// ChannelInfo summarizes one channel for ListChannels.
type ChannelInfo struct {
	Channel     string `json:"channel"`
	Count       int64  `json:"count"`
	LastMessage int64  `json:"lastMessage"`
}

// ListChannels returns per-channel counts ordered by most recent message.
func (m *Messenger) ListChannels() ([]ChannelInfo, error) {
	rows, err := m.store.DB().Query(
		`SELECT channel, COUNT(*), MAX(created_at) FROM messages
		 GROUP BY channel ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelInfo
	for rows.Next() {
		var ci ChannelInfo
		if err := rows.Scan(&ci.Channel, &ci.Count, &ci.LastMessage); err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// Cleanup deletes expired messages.
func (m *Messenger) Cleanup() (int, error) {
	res, err := m.store.DB().Exec(
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, m.store.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.log.Debug().Int64("expired", n).Msg("expired messages swept")
	}
	return int(n), nil
}

func encodePayload(payload any) (string, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodePayload re-parses JSON-looking payloads; anything else stays a
// string.
func decodePayload(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	return raw
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var raw string
	var sender sql.NullString
	var expires sql.NullInt64
	err := row.Scan(&msg.ID, &msg.Channel, &raw, &sender, &msg.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	msg.Payload = decodePayload(raw)
	msg.Sender = sender.String
	msg.ExpiresAt = expires.Int64
	return &msg, nil
}

func (m *Messenger) record(typ, agentID, targetID, details string) {
	if m.rec == nil {
		return
	}
	if _, err := m.rec.Record(typ, activity.RecordOptions{AgentID: agentID, TargetID: targetID, Details: details}); err != nil {
		m.log.Warn().Err(err).Str("type", typ).Msg("activity record failed")
	}
}

func (m *Messenger) trigger(event string, payload any, targetID string) {
	if m.trig == nil {
		return
	}
	if _, err := m.trig.Trigger(event, payload, targetID); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("webhook trigger failed")
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

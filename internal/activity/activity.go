// Package activity records the append-only activity log every component
// writes to. The log is an audit trail; service waits do not read it, they
// listen on the core's in-process events channel.
package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/identity"
	"github.com/erichowens/port-daddy/internal/storage"
)

// Retention defaults. Cleanup deletes entries older than RetentionMs and
// trims the log to MaxEntries.
const (
	DefaultRetentionMs = int64(24 * 3600 * 1000)
	DefaultMaxEntries  = 10_000
)

// Log is the activity log component.
type Log struct {
	store       *storage.Store
	log         zerolog.Logger
	retentionMs int64
	maxEntries  int
}

// Options tunes retention; zero values take the defaults.
type Options struct {
	RetentionMs int64
	MaxEntries  int
}

// New constructs the activity log.
func New(store *storage.Store, logger zerolog.Logger, opts Options) *Log {
	if opts.RetentionMs <= 0 {
		opts.RetentionMs = DefaultRetentionMs
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &Log{
		store:       store,
		log:         logger.With().Str("component", "activity").Logger(),
		retentionMs: opts.RetentionMs,
		maxEntries:  opts.MaxEntries,
	}
}

// Entry is one activity record.
type Entry struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Details   string          `json:"details,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// RecordOptions carries the optional fields of a record.
type RecordOptions struct {
	AgentID  string
	TargetID string
	Details  string
	Metadata json.RawMessage
}

// Record appends one entry and returns its millisecond timestamp.
func (l *Log) Record(typ string, opts RecordOptions) (int64, error) {
	now := l.store.Now()
	stmt, err := l.store.Prepare(
		`INSERT INTO activity (timestamp, type, agent_id, target_id, details, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	_, err = stmt.Exec(now, typ,
		nullString(opts.AgentID), nullString(opts.TargetID),
		nullString(opts.Details), nullString(string(opts.Metadata)))
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	return now, nil
}

// RecentFilter narrows GetRecent.
type RecentFilter struct {
	Type          string
	AgentID       string
	TargetPattern string
	Limit         int
}

// GetRecent returns entries newest-first. Limit is clamped to [1, 1000] with
// a default of 100; TargetPattern uses the shared glob-to-LIKE translation.
func (l *Log) GetRecent(f RecentFilter) ([]Entry, error) {
	limit := clamp(f.Limit, 100, 1, 1000)

	query := `SELECT id, timestamp, type, agent_id, target_id, details, metadata FROM activity`
	var where []string
	var args []any
	if f.Type != "" {
		where = append(where, `type = ?`)
		args = append(args, f.Type)
	}
	if f.AgentID != "" {
		where = append(where, `agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.TargetPattern != "" {
		like, ok := identity.ToLike(f.TargetPattern)
		if !ok {
			return nil, fmt.Errorf("invalid target pattern %q", f.TargetPattern)
		}
		where = append(where, `target_id LIKE ?`)
		args = append(args, like)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetByTimeRange returns entries with start <= timestamp <= end, newest
// first. Limit is clamped to [1, 10000] with a default of 1000.
func (l *Log) GetByTimeRange(start, end int64, limit int) ([]Entry, error) {
	limit = clamp(limit, 1000, 1, 10_000)
	rows, err := l.store.DB().Query(
		`SELECT id, timestamp, type, agent_id, target_id, details, metadata
		 FROM activity WHERE timestamp >= ? AND timestamp <= ?
		 ORDER BY id DESC LIMIT ?`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// TypeCount is one row of a summary, ordered by count descending.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// Summary aggregates entry counts by type.
type Summary struct {
	ByType []TypeCount `json:"summary"`
	Total  int64       `json:"total"`
}

// GetSummary counts entries per type since the given timestamp (0 = all).
func (l *Log) GetSummary(since int64) (*Summary, error) {
	rows, err := l.store.DB().Query(
		`SELECT type, COUNT(*) AS n FROM activity WHERE timestamp >= ?
		 GROUP BY type ORDER BY n DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize activity: %w", err)
	}
	defer rows.Close()

	out := &Summary{}
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, err
		}
		out.ByType = append(out.ByType, tc)
		out.Total += tc.Count
	}
	return out, rows.Err()
}

// Stats describes the log's shape and retention policy.
type Stats struct {
	TotalEntries int64 `json:"totalEntries"`
	OldestEntry  int64 `json:"oldestEntry"`
	NewestEntry  int64 `json:"newestEntry"`
	RetentionMs  int64 `json:"retentionMs"`
	MaxEntries   int   `json:"maxEntries"`
}

// GetStats reports totals and the retention policy.
func (l *Log) GetStats() (*Stats, error) {
	st := &Stats{RetentionMs: l.retentionMs, MaxEntries: l.maxEntries}
	var oldest, newest sql.NullInt64
	err := l.store.DB().QueryRow(
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM activity`).
		Scan(&st.TotalEntries, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("activity stats: %w", err)
	}
	st.OldestEntry = oldest.Int64
	st.NewestEntry = newest.Int64
	return st, nil
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	DeletedOld    int64 `json:"deletedOld"`
	DeletedExcess int64 `json:"deletedExcess"`
	Total         int64 `json:"total"`
}

// Cleanup deletes entries older than the retention window and, if the log
// still exceeds MaxEntries, the oldest excess rows. Idempotent.
func (l *Log) Cleanup() (*CleanupResult, error) {
	now := l.store.Now()
	out := &CleanupResult{}

	res, err := l.store.DB().Exec(
		`DELETE FROM activity WHERE timestamp < ?`, now-l.retentionMs)
	if err != nil {
		return nil, fmt.Errorf("activity retention sweep: %w", err)
	}
	out.DeletedOld, _ = res.RowsAffected()

	res, err = l.store.DB().Exec(
		`DELETE FROM activity WHERE id IN (
			SELECT id FROM activity ORDER BY id ASC
			LIMIT max((SELECT COUNT(*) FROM activity) - ?, 0)
		 )`, l.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("activity excess sweep: %w", err)
	}
	out.DeletedExcess, _ = res.RowsAffected()

	out.Total = out.DeletedOld + out.DeletedExcess
	if out.Total > 0 {
		l.log.Debug().Int64("deleted", out.Total).Msg("activity log trimmed")
	}
	return out, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var agent, target, details, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &agent, &target, &details, &metadata); err != nil {
			return nil, err
		}
		e.AgentID = agent.String
		e.TargetID = target.String
		e.Details = details.String
		if metadata.Valid && metadata.String != "" {
			e.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func clamp(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package sessions manages bounded units of agent work: a session carries
// immutable notes and advisory file claims. Claims are leases, not mutexes;
// overlapping claims coexist and are surfaced as conflicts.
package sessions

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

// DefaultCleanupAgeMs is how old a terminal session must be before Cleanup
// removes it.
const DefaultCleanupAgeMs = int64(7 * 24 * 3600 * 1000)

// Session statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
	StatusPaused    = "paused"
)

// QuickNotePurpose names the session auto-created for orphan notes.
const QuickNotePurpose = "Quick notes"

// Recorder is the activity sink capability.
type Recorder interface {
	Record(typ string, opts activity.RecordOptions) (int64, error)
}

// Trigger is the webhook capability.
type Trigger interface {
	Trigger(event string, payload any, targetID string) (int, error)
}

// Manager is the sessions component.
type Manager struct {
	store *storage.Store
	rec   Recorder
	trig  Trigger
	log   zerolog.Logger
}

// New constructs the session manager. rec and trig may be nil.
func New(store *storage.Store, logger zerolog.Logger, rec Recorder, trig Trigger) *Manager {
	return &Manager{
		store: store,
		rec:   rec,
		trig:  trig,
		log:   logger.With().Str("component", "sessions").Logger(),
	}
}

// Session is one work session. Notes and Files are filled by Get.
type Session struct {
	ID          string          `json:"id"`
	Purpose     string          `json:"purpose"`
	AgentID     string          `json:"agentId,omitempty"`
	Status      string          `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	CompletedAt int64           `json:"completedAt,omitempty"`
	Notes       []Note          `json:"notes,omitempty"`
	Files       []FileClaim     `json:"files,omitempty"`
}

// Note is one immutable session note.
type Note struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt"`
}

// FileClaim is one advisory file lease. Active iff ReleasedAt is zero.
type FileClaim struct {
	SessionID  string `json:"sessionId"`
	FilePath   string `json:"filePath"`
	ClaimedAt  int64  `json:"claimedAt"`
	ReleasedAt int64  `json:"releasedAt,omitempty"`
}

// Conflict names another session's active claim on a path.
type Conflict struct {
	FilePath  string `json:"filePath"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
	ClaimedAt int64  `json:"claimedAt"`
}

// StartOptions tunes Start.
type StartOptions struct {
	AgentID  string
	Metadata json.RawMessage
	Files    []string
}

// StartResult is the success arm of Start.
type StartResult struct {
	SessionID string     `json:"sessionId"`
	Status    string     `json:"status"`
	Conflicts []Conflict `json:"conflicts"`
}

func newSessionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "session-" + hex.EncodeToString(buf)
}

// Start opens a new session, optionally claiming an initial file set. Any
// conflicts on those files are reported but do not block the start.
func (m *Manager) Start(purpose string, opts StartOptions) (*StartResult, error) {
	if purpose == "" {
		return nil, types.E(types.CodeValidation, "purpose is required")
	}

	id := newSessionID()
	now := m.store.Now()
	_, err := m.store.DB().Exec(
		`INSERT INTO sessions (id, purpose, agent_id, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, purpose, nullable(opts.AgentID), StatusActive,
		nullable(string(opts.Metadata)), now, now)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	out := &StartResult{SessionID: id, Status: StatusActive, Conflicts: []Conflict{}}
	if len(opts.Files) > 0 {
		claim, err := m.ClaimFiles(id, opts.Files)
		if err != nil {
			return nil, err
		}
		out.Conflicts = claim.Conflicts
	}

	m.record(types.ActivitySessionStart, opts.AgentID, id, purpose)
	m.trigger(types.EventSessionStart, out, id)
	return out, nil
}

// AddNote appends an immutable note. The session must exist.
func (m *Manager) AddNote(sessionID, content, noteType string) (*Note, error) {
	if content == "" {
		return nil, types.E(types.CodeValidation, "note content is required")
	}
	if noteType == "" {
		noteType = "note"
	}
	if _, err := m.getRow(sessionID); err != nil {
		return nil, err
	}

	now := m.store.Now()
	res, err := m.store.DB().Exec(
		`INSERT INTO session_notes (session_id, content, type, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, content, noteType, now)
	if err != nil {
		return nil, fmt.Errorf("add note to %q: %w", sessionID, err)
	}
	id, _ := res.LastInsertId()

	if _, err := m.store.DB().Exec(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, fmt.Errorf("touch session %q: %w", sessionID, err)
	}

	m.record(types.ActivitySessionNote, "", sessionID, "")
	return &Note{ID: id, SessionID: sessionID, Content: content, Type: noteType, CreatedAt: now}, nil
}

// QuickNoteResult reports where a quick note landed.
type QuickNoteResult struct {
	SessionID string `json:"sessionId"`
	NoteID    int64  `json:"noteId"`
	Created   bool   `json:"created"`
}

// QuickNote appends to the caller's active session, creating a "Quick
// notes" session first when none exists.
func (m *Manager) QuickNote(content, agentID, noteType string) (*QuickNoteResult, error) {
	if content == "" {
		return nil, types.E(types.CodeValidation, "note content is required")
	}

	var sessionID string
	created := false
	query := `SELECT id FROM sessions WHERE status = ? `
	args := []any{StatusActive}
	if agentID != "" {
		query += `AND agent_id = ? `
		args = append(args, agentID)
	}
	query += `ORDER BY updated_at DESC LIMIT 1`

	err := m.store.DB().QueryRow(query, args...).Scan(&sessionID)
	if err == sql.ErrNoRows {
		started, err := m.Start(QuickNotePurpose, StartOptions{AgentID: agentID})
		if err != nil {
			return nil, err
		}
		sessionID = started.SessionID
		created = true
	} else if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}

	note, err := m.AddNote(sessionID, content, noteType)
	if err != nil {
		return nil, err
	}
	return &QuickNoteResult{SessionID: sessionID, NoteID: note.ID, Created: created}, nil
}

// EndOptions tunes End.
type EndOptions struct {
	Status string
	Note   string
}

// EndResult is the success arm of End.
type EndResult struct {
	SessionID     string   `json:"sessionId"`
	Status        string   `json:"status"`
	ReleasedFiles []string `json:"releasedFiles"`
}

// End moves the session to completed (the default), abandoned or paused,
// appends an optional handoff note, and releases all of its active file
// claims. Re-ending a completed or abandoned session is a no-op success; a
// paused session is not terminal and can be ended again.
func (m *Manager) End(sessionID string, opts EndOptions) (*EndResult, error) {
	status := opts.Status
	if status == "" {
		status = StatusCompleted
	}
	switch status {
	case StatusCompleted, StatusAbandoned, StatusPaused:
	default:
		return nil, types.E(types.CodeValidation, "invalid session status %q", status)
	}

	sess, err := m.getRow(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusCompleted || sess.Status == StatusAbandoned {
		return &EndResult{SessionID: sessionID, Status: sess.Status, ReleasedFiles: []string{}}, nil
	}

	if opts.Note != "" {
		if _, err := m.AddNote(sessionID, opts.Note, "handoff"); err != nil {
			return nil, err
		}
	}

	now := m.store.Now()
	var completedAt any
	if status == StatusCompleted || status == StatusAbandoned {
		completedAt = now
	}
	_, err = m.store.DB().Exec(
		`UPDATE sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		status, now, completedAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("end session %q: %w", sessionID, err)
	}

	released, err := m.releaseAll(sessionID, now)
	if err != nil {
		return nil, err
	}

	out := &EndResult{SessionID: sessionID, Status: status, ReleasedFiles: released}
	m.record(types.ActivitySessionEnd, sess.AgentID, sessionID, status)
	m.trigger(types.EventSessionEnd, out, sessionID)
	return out, nil
}

// Abandon is End with status abandoned and no implicit note.
func (m *Manager) Abandon(sessionID string) (*EndResult, error) {
	return m.End(sessionID, EndOptions{Status: StatusAbandoned})
}

// ClaimResult is the success arm of ClaimFiles.
type ClaimResult struct {
	Claimed   []string   `json:"claimed"`
	Conflicts []Conflict `json:"conflicts"`
}

// ClaimFiles leases paths to the session. Re-claiming an own path refreshes
// the lease without moving claimed_at. Conflicting active claims from other
// sessions are reported, but the claim still succeeds: the model is
// advisory, not exclusive.
func (m *Manager) ClaimFiles(sessionID string, paths []string) (*ClaimResult, error) {
	sess, err := m.getRow(sessionID)
	if err != nil {
		return nil, err
	}

	out := &ClaimResult{Claimed: []string{}, Conflicts: []Conflict{}}
	now := m.store.Now()
	for _, path := range paths {
		if path == "" {
			return nil, types.E(types.CodeValidation, "file path is required")
		}

		conflicts, err := m.conflictsOn(path, sessionID)
		if err != nil {
			return nil, err
		}
		out.Conflicts = append(out.Conflicts, conflicts...)

		_, err = m.store.DB().Exec(
			`INSERT INTO file_claims (session_id, file_path, claimed_at, released_at)
			 VALUES (?, ?, ?, NULL)
			 ON CONFLICT(session_id, file_path) DO UPDATE SET released_at = NULL`,
			sessionID, path, now)
		if err != nil {
			return nil, fmt.Errorf("claim %q for %q: %w", path, sessionID, err)
		}
		out.Claimed = append(out.Claimed, path)
		m.record(types.ActivityFileClaim, sess.AgentID, path, sessionID)
	}
	return out, nil
}

// ReleaseFiles releases the session's active claims on the given paths and
// returns the set actually released. Another session's claims are untouched.
func (m *Manager) ReleaseFiles(sessionID string, paths []string) ([]string, error) {
	sess, err := m.getRow(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.store.Now()
	released := []string{}
	for _, path := range paths {
		res, err := m.store.DB().Exec(
			`UPDATE file_claims SET released_at = ?
			 WHERE session_id = ? AND file_path = ? AND released_at IS NULL`,
			now, sessionID, path)
		if err != nil {
			return nil, fmt.Errorf("release %q for %q: %w", path, sessionID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			released = append(released, path)
			m.record(types.ActivityFileRelease, sess.AgentID, path, sessionID)
		}
	}
	return released, nil
}

// GetFileConflicts returns every active claim on the given paths, across
// all sessions.
func (m *Manager) GetFileConflicts(paths []string) ([]Conflict, error) {
	out := []Conflict{}
	for _, path := range paths {
		conflicts, err := m.conflictsOn(path, "")
		if err != nil {
			return nil, err
		}
		out = append(out, conflicts...)
	}
	return out, nil
}

func (m *Manager) conflictsOn(path, excludeSession string) ([]Conflict, error) {
	rows, err := m.store.DB().Query(
		`SELECT fc.file_path, fc.session_id, s.agent_id, fc.claimed_at
		 FROM file_claims fc JOIN sessions s ON s.id = fc.session_id
		 WHERE fc.file_path = ? AND fc.released_at IS NULL AND fc.session_id != ?`,
		path, excludeSession)
	if err != nil {
		return nil, fmt.Errorf("find conflicts on %q: %w", path, err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var agent sql.NullString
		if err := rows.Scan(&c.FilePath, &c.SessionID, &agent, &c.ClaimedAt); err != nil {
			return nil, err
		}
		c.AgentID = agent.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListOptions tunes List.
type ListOptions struct {
	Status       string
	AgentID      string
	IncludeNotes bool
	Limit        int
}

// List returns sessions ordered by most recently updated. Status defaults
// to active; pass "all" to list every status.
func (m *Manager) List(opts ListOptions) ([]Session, error) {
	status := opts.Status
	if status == "" {
		status = StatusActive
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, purpose, agent_id, status, metadata, created_at, updated_at, completed_at
		FROM sessions`
	var where []string
	var args []any
	if status != "all" {
		where = append(where, `status = ?`)
		args = append(args, status)
	}
	if opts.AgentID != "" {
		where = append(where, `agent_id = ?`)
		args = append(args, opts.AgentID)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.IncludeNotes {
		for i := range out {
			notes, err := m.notesFor(out[i].ID)
			if err != nil {
				return nil, err
			}
			out[i].Notes = notes
		}
	}
	return out, nil
}

// Get returns the session with all notes (oldest first) and every file
// claim, released ones included.
func (m *Manager) Get(sessionID string) (*Session, error) {
	sess, err := m.getRow(sessionID)
	if err != nil {
		return nil, err
	}

	sess.Notes, err = m.notesFor(sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := m.store.DB().Query(
		`SELECT session_id, file_path, claimed_at, released_at
		 FROM file_claims WHERE session_id = ? ORDER BY claimed_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get files for %q: %w", sessionID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var fc FileClaim
		var released sql.NullInt64
		if err := rows.Scan(&fc.SessionID, &fc.FilePath, &fc.ClaimedAt, &released); err != nil {
			return nil, err
		}
		fc.ReleasedAt = released.Int64
		sess.Files = append(sess.Files, fc)
	}
	return sess, rows.Err()
}

// Remove cascade-deletes the session with its notes and file rows.
func (m *Manager) Remove(sessionID string) error {
	res, err := m.store.DB().Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("remove session %q: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.CodeSessionNotFound, "session %q not found", sessionID)
	}
	return nil
}

// CleanupOptions tunes Cleanup. Zero OlderThanMs means the 7-day default;
// empty Status means both terminal statuses.
type CleanupOptions struct {
	OlderThanMs int64
	Status      string
}

// Cleanup deletes old terminal sessions; cascades remove notes and claims.
func (m *Manager) Cleanup(opts CleanupOptions) (int, error) {
	olderThan := opts.OlderThanMs
	if olderThan <= 0 {
		olderThan = DefaultCleanupAgeMs
	}
	cutoff := m.store.Now() - olderThan

	var res sql.Result
	var err error
	if opts.Status != "" {
		res, err = m.store.DB().Exec(
			`DELETE FROM sessions WHERE status = ? AND updated_at < ?`, opts.Status, cutoff)
	} else {
		res, err = m.store.DB().Exec(
			`DELETE FROM sessions WHERE status IN (?, ?) AND updated_at < ?`,
			StatusCompleted, StatusAbandoned, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.log.Debug().Int64("cleaned", n).Msg("old sessions removed")
	}
	return int(n), nil
}

func (m *Manager) getRow(sessionID string) (*Session, error) {
	row := m.store.DB().QueryRow(
		`SELECT id, purpose, agent_id, status, metadata, created_at, updated_at, completed_at
		 FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeSessionNotFound, "session %q not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", sessionID, err)
	}
	return sess, nil
}

func (m *Manager) notesFor(sessionID string) ([]Note, error) {
	rows, err := m.store.DB().Query(
		`SELECT id, session_id, content, type, created_at
		 FROM session_notes WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get notes for %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Content, &n.Type, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (m *Manager) releaseAll(sessionID string, now int64) ([]string, error) {
	rows, err := m.store.DB().Query(
		`SELECT file_path FROM file_claims WHERE session_id = ? AND released_at IS NULL`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list active claims for %q: %w", sessionID, err)
	}
	released := []string{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return nil, err
		}
		released = append(released, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(released) > 0 {
		if _, err := m.store.DB().Exec(
			`UPDATE file_claims SET released_at = ? WHERE session_id = ? AND released_at IS NULL`,
			now, sessionID); err != nil {
			return nil, fmt.Errorf("release claims for %q: %w", sessionID, err)
		}
	}
	return released, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var agent, metadata sql.NullString
	var completed sql.NullInt64
	err := row.Scan(&s.ID, &s.Purpose, &agent, &s.Status, &metadata,
		&s.CreatedAt, &s.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	s.AgentID = agent.String
	s.CompletedAt = completed.Int64
	if metadata.Valid && metadata.String != "" {
		s.Metadata = json.RawMessage(metadata.String)
	}
	return &s, nil
}

func (m *Manager) record(typ, agentID, targetID, details string) {
	if m.rec == nil {
		return
	}
	if _, err := m.rec.Record(typ, activity.RecordOptions{AgentID: agentID, TargetID: targetID, Details: details}); err != nil {
		m.log.Warn().Err(err).Str("type", typ).Msg("activity record failed")
	}
}

func (m *Manager) trigger(event string, payload any, targetID string) {
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

// Package locks implements the advisory named mutex registry. Locks carry a
// TTL so a crashed owner can never wedge the system; every public operation
// sweeps expired rows before looking at live state.
package locks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/agents"
	"github.com/erichowens/port-daddy/internal/identity"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/timeparsing"
	"github.com/erichowens/port-daddy/internal/types"
)

// TTL bounds. A requested TTL above MaxTTLMs is clamped; a non-positive one
// falls back to DefaultTTLMs.
const (
	DefaultTTLMs = int64(5 * 60 * 1000)
	MaxTTLMs     = int64(60 * 60 * 1000)
)

// Recorder is the activity sink capability locks receive.
type Recorder interface {
	Record(typ string, opts activity.RecordOptions) (int64, error)
}

// Trigger is the webhook capability locks receive.
type Trigger interface {
	Trigger(event string, payload any, targetID string) (int, error)
}

// AcquireGuard enforces per-agent lock limits on every transport, daemon
// and direct-DB alike.
type AcquireGuard interface {
	CanAcquireLock(id string) (*agents.Allowance, error)
}

// Registry is the locks component.
type Registry struct {
	store *storage.Store
	rec   Recorder
	trig  Trigger
	guard AcquireGuard
	log   zerolog.Logger
}

// New constructs the lock registry. rec and trig may be nil.
func New(store *storage.Store, logger zerolog.Logger, rec Recorder, trig Trigger) *Registry {
	return &Registry{
		store: store,
		rec:   rec,
		trig:  trig,
		log:   logger.With().Str("component", "locks").Logger(),
	}
}

// SetGuard attaches the limit-check capability. The agent registry itself
// needs locks for stale-cleanup, so the guard is bound after construction.
func (r *Registry) SetGuard(guard AcquireGuard) {
	r.guard = guard
}

// Lock is one live advisory lock.
type Lock struct {
	Name       string          `json:"name"`
	Owner      string          `json:"owner"`
	Pid        int             `json:"pid,omitempty"`
	AcquiredAt int64           `json:"acquiredAt"`
	ExpiresAt  int64           `json:"expiresAt"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// AcquireOptions tunes Acquire. TTL accepts milliseconds (number) or a
// duration string.
type AcquireOptions struct {
	Owner    string
	Pid      int
	TTL      any
	Metadata json.RawMessage
}

// Acquire takes the named lock. A live holder fails with LOCK_HELD carrying
// the current owner so the caller can back off.
func (r *Registry) Acquire(name string, opts AcquireOptions) (*Lock, error) {
	if _, err := identity.Parse(name); err != nil {
		return nil, types.E(types.CodeValidation, "invalid lock name %q", name)
	}

	ttl := DefaultTTLMs
	if opts.TTL != nil {
		parsed, ok := timeparsing.ParseDurationValue(opts.TTL)
		if !ok {
			return nil, types.E(types.CodeInvalidTTL, "cannot parse TTL %v", opts.TTL)
		}
		if parsed > 0 {
			ttl = parsed
		}
	}
	if ttl > MaxTTLMs {
		ttl = MaxTTLMs
	}

	owner := opts.Owner
	pid := opts.Pid
	if pid == 0 {
		pid = os.Getpid()
	}
	if owner == "" {
		owner = fmt.Sprintf("agent-%d", pid)
	}

	if r.guard != nil {
		allow, err := r.guard.CanAcquireLock(owner)
		if err != nil {
			return nil, err
		}
		if !allow.Allowed {
			e := types.E(types.CodeValidation, "agent %q is at its lock limit", owner)
			if allow.Current != nil {
				e.WithExtra("current", *allow.Current)
			}
			if allow.Max != nil {
				e.WithExtra("max", *allow.Max)
			}
			return nil, e
		}
	}

	if _, err := r.Cleanup(); err != nil {
		return nil, err
	}

	now := r.store.Now()
	lock := &Lock{
		Name:       name,
		Owner:      owner,
		Pid:        pid,
		AcquiredAt: now,
		ExpiresAt:  now + ttl,
		Metadata:   opts.Metadata,
	}

	var held Lock
	err := r.store.DB().QueryRow(
		`SELECT owner, pid, expires_at FROM locks WHERE name = ?`, name).
		Scan(&held.Owner, &held.Pid, &held.ExpiresAt)
	switch {
	case err == nil:
		e := types.E(types.CodeLockHeld, "lock %q is held by %s", name, held.Owner)
		e.WithExtra("holder", held.Owner)
		e.WithExtra("expiresAt", held.ExpiresAt)
		return nil, e
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("check lock %q: %w", name, err)
	}

	_, err = r.store.DB().Exec(
		`INSERT INTO locks (name, owner, pid, acquired_at, expires_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, owner, pid, lock.AcquiredAt, lock.ExpiresAt, metadataArg(opts.Metadata))
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}

	r.record(types.ActivityLockAcquire, owner, name, "")
	r.trigger(types.EventLockAcquire, lock, name)
	return lock, nil
}

// ReleaseOptions tunes Release. When Owner is set, a mismatched holder fails
// unless Force is also set.
type ReleaseOptions struct {
	Owner string
	Force bool
}

// ReleaseResult reports whether a row was actually removed.
type ReleaseResult struct {
	Released bool `json:"released"`
}

// Release drops the named lock. A missing lock is success with
// released=false (idempotent).
func (r *Registry) Release(name string, opts ReleaseOptions) (*ReleaseResult, error) {
	if _, err := r.Cleanup(); err != nil {
		return nil, err
	}

	var owner string
	err := r.store.DB().QueryRow(`SELECT owner FROM locks WHERE name = ?`, name).Scan(&owner)
	if err == sql.ErrNoRows {
		return &ReleaseResult{Released: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check lock %q: %w", name, err)
	}

	if opts.Owner != "" && owner != opts.Owner && !opts.Force {
		return nil, types.E(types.CodeLockNotFound, "lock %q is not held by %s", name, opts.Owner).
			WithExtra("holder", owner)
	}

	if _, err := r.store.DB().Exec(`DELETE FROM locks WHERE name = ?`, name); err != nil {
		return nil, fmt.Errorf("release lock %q: %w", name, err)
	}

	r.record(types.ActivityLockRelease, owner, name, "")
	r.trigger(types.EventLockRelease, map[string]any{"name": name, "owner": owner}, name)
	return &ReleaseResult{Released: true}, nil
}

// ExtendOptions tunes Extend.
type ExtendOptions struct {
	Owner string
	TTL   any
}

// Extend pushes the lock's expiry to now + min(ttl, MaxTTL). A missing lock
// or a mismatched owner fails with LOCK_NOT_FOUND.
func (r *Registry) Extend(name string, opts ExtendOptions) (*Lock, error) {
	if _, err := r.Cleanup(); err != nil {
		return nil, err
	}

	ttl := DefaultTTLMs
	if opts.TTL != nil {
		parsed, ok := timeparsing.ParseDurationValue(opts.TTL)
		if !ok {
			return nil, types.E(types.CodeInvalidTTL, "cannot parse TTL %v", opts.TTL)
		}
		if parsed > 0 {
			ttl = parsed
		}
	}
	if ttl > MaxTTLMs {
		ttl = MaxTTLMs
	}

	lock, err := r.getRow(name)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeLockNotFound, "lock %q is not held", name)
	}
	if err != nil {
		return nil, fmt.Errorf("check lock %q: %w", name, err)
	}
	if opts.Owner != "" && lock.Owner != opts.Owner {
		return nil, types.E(types.CodeLockNotFound, "lock %q is not held by %s", name, opts.Owner).
			WithExtra("holder", lock.Owner)
	}

	lock.ExpiresAt = r.store.Now() + ttl
	if _, err := r.store.DB().Exec(
		`UPDATE locks SET expires_at = ? WHERE name = ?`, lock.ExpiresAt, name); err != nil {
		return nil, fmt.Errorf("extend lock %q: %w", name, err)
	}
	return lock, nil
}

// Status is the outcome of Check.
type Status struct {
	Held      bool            `json:"held"`
	Owner     string          `json:"owner,omitempty"`
	Pid       int             `json:"pid,omitempty"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Check reports the lock's live holder, if any.
func (r *Registry) Check(name string) (*Status, error) {
	if _, err := r.Cleanup(); err != nil {
		return nil, err
	}
	lock, err := r.getRow(name)
	if err == sql.ErrNoRows {
		return &Status{Held: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check lock %q: %w", name, err)
	}
	return &Status{
		Held:      true,
		Owner:     lock.Owner,
		Pid:       lock.Pid,
		ExpiresAt: lock.ExpiresAt,
		Metadata:  lock.Metadata,
	}, nil
}

// List returns live locks, most recently acquired first, optionally
// filtered by owner.
func (r *Registry) List(owner string) ([]Lock, error) {
	if _, err := r.Cleanup(); err != nil {
		return nil, err
	}
	query := `SELECT name, owner, pid, acquired_at, expires_at, metadata FROM locks`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY acquired_at DESC`

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		var l Lock
		var pid sql.NullInt64
		var metadata sql.NullString
		if err := rows.Scan(&l.Name, &l.Owner, &pid, &l.AcquiredAt, &l.ExpiresAt, &metadata); err != nil {
			return nil, err
		}
		l.Pid = int(pid.Int64)
		if metadata.Valid && metadata.String != "" {
			l.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountOwned counts live locks held by owner. Used for agent limit
// accounting.
func (r *Registry) CountOwned(owner string) (int, error) {
	if _, err := r.Cleanup(); err != nil {
		return 0, err
	}
	var n int
	err := r.store.DB().QueryRow(
		`SELECT COUNT(*) FROM locks WHERE owner = ?`, owner).Scan(&n)
	return n, err
}

// ReleaseOwned force-releases every lock held by owner and returns how many
// were dropped. Agent stale-cleanup uses this as its side effect.
func (r *Registry) ReleaseOwned(owner string) (int, error) {
	res, err := r.store.DB().Exec(`DELETE FROM locks WHERE owner = ?`, owner)
	if err != nil {
		return 0, fmt.Errorf("release locks owned by %s: %w", owner, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.record(types.ActivityLockRelease, owner, "", fmt.Sprintf("force-released %d locks", n))
	}
	return int(n), nil
}

// Cleanup deletes expired rows and returns how many were removed.
func (r *Registry) Cleanup() (int, error) {
	res, err := r.store.DB().Exec(
		`DELETE FROM locks WHERE expires_at <= ?`, r.store.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug().Int64("expired", n).Msg("expired locks swept")
		r.record(types.ActivityLockExpire, "", "", fmt.Sprintf("%d locks expired", n))
	}
	return int(n), nil
}

func (r *Registry) getRow(name string) (*Lock, error) {
	var l Lock
	var pid sql.NullInt64
	var metadata sql.NullString
	err := r.store.DB().QueryRow(
		`SELECT name, owner, pid, acquired_at, expires_at, metadata FROM locks WHERE name = ?`, name).
		Scan(&l.Name, &l.Owner, &pid, &l.AcquiredAt, &l.ExpiresAt, &metadata)
	if err != nil {
		return nil, err
	}
	l.Pid = int(pid.Int64)
	if metadata.Valid && metadata.String != "" {
		l.Metadata = json.RawMessage(metadata.String)
	}
	return &l, nil
}

func (r *Registry) record(typ, agentID, targetID, details string) {
	if r.rec == nil {
		return
	}
	if _, err := r.rec.Record(typ, activity.RecordOptions{AgentID: agentID, TargetID: targetID, Details: details}); err != nil {
		r.log.Warn().Err(err).Str("type", typ).Msg("activity record failed")
	}
}

func (r *Registry) trigger(event string, payload any, targetID string) {
	if r.trig == nil {
		return
	}
	if _, err := r.trig.Trigger(event, payload, targetID); err != nil {
		r.log.Warn().Err(err).Str("event", event).Msg("webhook trigger failed")
	}
}

func metadataArg(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

// Package agents tracks the cooperating clients of the daemon. Agents are
// identified by a caller-chosen id, kept alive by heartbeats, and bounded by
// per-agent service and lock limits. Anonymous (unregistered) clients are
// unrestricted.
package agents

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

// TTLMs is the liveness window: an agent is active iff its last heartbeat
// is newer than this.
const TTLMs = int64(2 * 60 * 1000)

// Default per-agent resource limits.
const (
	DefaultMaxServices = 50
	DefaultMaxLocks    = 20
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,100}$`)

// Recorder is the activity sink capability.
type Recorder interface {
	Record(typ string, opts activity.RecordOptions) (int64, error)
}

// Trigger is the webhook capability.
type Trigger interface {
	Trigger(event string, payload any, targetID string) (int, error)
}

// LockSweeper is the locks capability stale-cleanup needs: force-release
// everything a dead agent still holds, and count holdings for limit checks.
type LockSweeper interface {
	CountOwned(owner string) (int, error)
	ReleaseOwned(owner string) (int, error)
}

// Registry is the agents component.
type Registry struct {
	store *storage.Store
	rec   Recorder
	trig  Trigger
	locks LockSweeper
	log   zerolog.Logger
}

// New constructs the agent registry. rec, trig and locks may be nil.
func New(store *storage.Store, logger zerolog.Logger, rec Recorder, trig Trigger, locks LockSweeper) *Registry {
	return &Registry{
		store: store,
		rec:   rec,
		trig:  trig,
		locks: locks,
		log:   logger.With().Str("component", "agents").Logger(),
	}
}

// Agent is one registered client.
type Agent struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Pid           int             `json:"pid,omitempty"`
	Type          string          `json:"type"`
	RegisteredAt  int64           `json:"registeredAt"`
	LastHeartbeat int64           `json:"lastHeartbeat"`
	MaxServices   int             `json:"maxServices"`
	MaxLocks      int             `json:"maxLocks"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`

	IsActive           bool  `json:"isActive"`
	TimeSinceHeartbeat int64 `json:"timeSinceHeartbeat"`
}

// RegisterOptions carries the optional agent fields.
type RegisterOptions struct {
	Name        string
	Pid         int
	Type        string
	MaxServices int
	MaxLocks    int
	Metadata    json.RawMessage
}

// ValidateID checks the agent id grammar.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return types.E(types.CodeAgentIDInvalid, "invalid agent id %q", id)
	}
	return nil
}

// Register upserts the agent. A fresh row sets registered_at = now;
// re-registration preserves the original registered_at and updates the rest.
func (r *Registry) Register(id string, opts RegisterOptions) (*Agent, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if opts.Type == "" {
		opts.Type = "cli"
	}
	if opts.MaxServices <= 0 {
		opts.MaxServices = DefaultMaxServices
	}
	if opts.MaxLocks <= 0 {
		opts.MaxLocks = DefaultMaxLocks
	}

	now := r.store.Now()
	_, err := r.store.DB().Exec(
		`INSERT INTO agents (id, name, pid, type, registered_at, last_heartbeat, max_services, max_locks, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pid = excluded.pid,
			type = excluded.type,
			last_heartbeat = excluded.last_heartbeat,
			max_services = excluded.max_services,
			max_locks = excluded.max_locks,
			metadata = excluded.metadata`,
		id, nullable(opts.Name), nullableInt(opts.Pid), opts.Type, now, now,
		opts.MaxServices, opts.MaxLocks, nullable(string(opts.Metadata)))
	if err != nil {
		return nil, fmt.Errorf("register agent %q: %w", id, err)
	}

	r.record(types.ActivityAgentRegister, id, "", "")
	agent, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	r.triggerEvent(types.EventAgentRegister, agent, id)
	return agent, nil
}

// Heartbeat marks the agent alive, auto-registering it if absent. Pid, when
// non-zero, is updated alongside.
func (r *Registry) Heartbeat(id string, pid int) (*Agent, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	now := r.store.Now()

	var res sql.Result
	var err error
	if pid != 0 {
		res, err = r.store.DB().Exec(
			`UPDATE agents SET last_heartbeat = ?, pid = ? WHERE id = ?`, now, pid, id)
	} else {
		res, err = r.store.DB().Exec(
			`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat agent %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.Register(id, RegisterOptions{Pid: pid})
	}
	r.record(types.ActivityAgentHeartbeat, id, "", "")
	return r.Get(id)
}

// UnregisterResult reports whether a row was removed.
type UnregisterResult struct {
	Unregistered bool `json:"unregistered"`
}

// Unregister removes the agent. A missing agent is not an error.
func (r *Registry) Unregister(id string) (*UnregisterResult, error) {
	res, err := r.store.DB().Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("unregister agent %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.record(types.ActivityAgentUnregister, id, "", "")
		r.triggerEvent(types.EventAgentUnregister, map[string]string{"id": id}, id)
	}
	return &UnregisterResult{Unregistered: n > 0}, nil
}

// Get returns the agent with derived liveness fields, or storage.ErrNotFound.
func (r *Registry) Get(id string) (*Agent, error) {
	row := r.store.DB().QueryRow(
		`SELECT id, name, pid, type, registered_at, last_heartbeat, max_services, max_locks, metadata
		 FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		return nil, storage.WrapNotFound(fmt.Sprintf("get agent %q", id), err)
	}
	r.derive(agent)
	return agent, nil
}

// List returns agents ordered by most recent heartbeat first. With
// activeOnly, stale agents are filtered out.
func (r *Registry) List(activeOnly bool) ([]Agent, error) {
	query := `SELECT id, name, pid, type, registered_at, last_heartbeat, max_services, max_locks, metadata
		FROM agents`
	var args []any
	if activeOnly {
		query += ` WHERE last_heartbeat > ?`
		args = append(args, r.store.Now()-TTLMs)
	}
	query += ` ORDER BY last_heartbeat DESC`

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		r.derive(agent)
		out = append(out, *agent)
	}
	return out, rows.Err()
}

// Allowance is the outcome of a limit check. Current and Max are nil for
// anonymous (unregistered) agents, which are unrestricted.
type Allowance struct {
	Allowed bool   `json:"allowed"`
	Current *int   `json:"current,omitempty"`
	Max     *int   `json:"max,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CanClaimService checks the agent's active-service count against its limit.
func (r *Registry) CanClaimService(id string) (*Allowance, error) {
	agent, err := r.Get(id)
	if err != nil {
		if storage.IsNotFound(err) {
			return &Allowance{Allowed: true}, nil
		}
		return nil, err
	}

	var current int
	err = r.store.DB().QueryRow(
		`SELECT COUNT(*) FROM services WHERE agent_id = ? AND status = 'assigned'`, id).
		Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("count services for %q: %w", id, err)
	}
	return allowance(current, agent.MaxServices, "service limit reached"), nil
}

// CanAcquireLock checks the agent's lock count against its limit.
func (r *Registry) CanAcquireLock(id string) (*Allowance, error) {
	agent, err := r.Get(id)
	if err != nil {
		if storage.IsNotFound(err) {
			return &Allowance{Allowed: true}, nil
		}
		return nil, err
	}
	if r.locks == nil {
		return &Allowance{Allowed: true}, nil
	}
	current, err := r.locks.CountOwned(id)
	if err != nil {
		return nil, err
	}
	return allowance(current, agent.MaxLocks, "lock limit reached"), nil
}

// CleanupResult reports stale-agent removal and its lock side effects.
type CleanupResult struct {
	Cleaned       int `json:"cleaned"`
	ReleasedLocks int `json:"releasedLocks"`
}

// Cleanup removes every agent whose heartbeat is older than the TTL and
// force-releases each removed agent's locks.
func (r *Registry) Cleanup() (*CleanupResult, error) {
	cutoff := r.store.Now() - TTLMs
	rows, err := r.store.DB().Query(
		`SELECT id FROM agents WHERE last_heartbeat <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale agents: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := &CleanupResult{}
	for _, id := range stale {
		if r.locks != nil {
			released, err := r.locks.ReleaseOwned(id)
			if err != nil {
				return nil, err
			}
			out.ReleasedLocks += released
		}
		if _, err := r.store.DB().Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("remove stale agent %q: %w", id, err)
		}
		out.Cleaned++
		r.record(types.ActivityAgentCleanup, id, "", "stale agent removed")
	}
	if out.Cleaned > 0 {
		r.log.Info().Int("cleaned", out.Cleaned).Int("releasedLocks", out.ReleasedLocks).
			Msg("stale agents swept")
	}
	return out, nil
}

func (r *Registry) derive(a *Agent) {
	since := r.store.Now() - a.LastHeartbeat
	a.TimeSinceHeartbeat = since
	a.IsActive = since < TTLMs
}

func allowance(current, max int, msg string) *Allowance {
	out := &Allowance{Allowed: current < max, Current: &current, Max: &max}
	if !out.Allowed {
		out.Error = msg
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var name, metadata sql.NullString
	var pid sql.NullInt64
	err := row.Scan(&a.ID, &name, &pid, &a.Type, &a.RegisteredAt, &a.LastHeartbeat,
		&a.MaxServices, &a.MaxLocks, &metadata)
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Pid = int(pid.Int64)
	if metadata.Valid && metadata.String != "" {
		a.Metadata = json.RawMessage(metadata.String)
	}
	return &a, nil
}

func (r *Registry) record(typ, agentID, targetID, details string) {
	if r.rec == nil {
		return
	}
	if _, err := r.rec.Record(typ, activity.RecordOptions{AgentID: agentID, TargetID: targetID, Details: details}); err != nil {
		r.log.Warn().Err(err).Str("type", typ).Msg("activity record failed")
	}
}

func (r *Registry) triggerEvent(event string, payload any, targetID string) {
	if r.trig == nil {
		return
	}
	if _, err := r.trig.Trigger(event, payload, targetID); err != nil {
		r.log.Warn().Err(err).Str("event", event).Msg("webhook trigger failed")
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// Package services owns the port namespace. Every named service identity
// holds at most one assigned port at a time; allocation is serialized
// through the store's single-writer transaction so two claimants can never
// draw the same port.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/agents"
	"github.com/erichowens/port-daddy/internal/identity"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/timeparsing"
	"github.com/erichowens/port-daddy/internal/types"
)

// Default allocation range.
const (
	DefaultRangeLo = 3100
	DefaultRangeHi = 9999
)

// Recorder is the activity sink capability.
type Recorder interface {
	Record(typ string, opts activity.RecordOptions) (int64, error)
}

// Trigger is the webhook capability.
type Trigger interface {
	Trigger(event string, payload any, targetID string) (int, error)
}

// ClaimGuard enforces per-agent service limits when a claim names an agent.
type ClaimGuard interface {
	CanClaimService(id string) (*agents.Allowance, error)
}

// Notifier receives a ping after each successful claim so waiters can
// re-check without polling.
type Notifier interface {
	NotifyClaim(serviceID string)
}

// Allocator describes the port pool a Registry draws from. SystemPorts is a
// best-effort skip list of host-occupied ports; the unique index on assigned
// ports resolves any collision it misses.
type Allocator struct {
	RangeLo     int
	RangeHi     int
	Reserved    map[int]bool
	SystemPorts func() map[int]bool
}

// Registry is the services component.
type Registry struct {
	store  *storage.Store
	alloc  Allocator
	rec    Recorder
	trig   Trigger
	guard  ClaimGuard
	notify Notifier
	log    zerolog.Logger
}

// New constructs the service registry. rec, trig, guard and notify may be
// nil.
func New(store *storage.Store, logger zerolog.Logger, alloc Allocator, rec Recorder, trig Trigger, guard ClaimGuard, notify Notifier) *Registry {
	if alloc.RangeLo == 0 {
		alloc.RangeLo = DefaultRangeLo
	}
	if alloc.RangeHi == 0 {
		alloc.RangeHi = DefaultRangeHi
	}
	return &Registry{
		store:  store,
		alloc:  alloc,
		rec:    rec,
		trig:   trig,
		guard:  guard,
		notify: notify,
		log:    logger.With().Str("component", "services").Logger(),
	}
}

// Service is one service row.
type Service struct {
	ID        string            `json:"id"`
	Port      int               `json:"port"`
	Pid       int               `json:"pid,omitempty"`
	Status    string            `json:"status"`
	AgentID   string            `json:"agentId,omitempty"`
	HealthURL string            `json:"healthUrl,omitempty"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	LastSeen  int64             `json:"lastSeen"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

// ClaimOptions tunes Claim. Expires accepts milliseconds (number, possibly
// negative for test-only immediate expiry) or a duration string.
type ClaimOptions struct {
	Port      int
	Pid       int
	AgentID   string
	HealthURL string
	Metadata  json.RawMessage
	Expires   any
}

// ClaimResult is the success arm of Claim.
type ClaimResult struct {
	ID       string `json:"id"`
	Port     int    `json:"port"`
	Existing bool   `json:"existing"`
}

// Claim assigns a port to the identity. A repeat claim for the same id
// returns the already-held port with existing=true; the port is never
// re-drawn while the row stays assigned.
func (r *Registry) Claim(id string, opts ClaimOptions) (*ClaimResult, error) {
	parsed, err := identity.Parse(id)
	if err != nil {
		return nil, err
	}
	if parsed.HasWildcard {
		return nil, types.E(types.CodeIdentityInvalid, "cannot claim a wildcard identity %q", id)
	}

	if opts.AgentID != "" && r.guard != nil {
		// A repeat claim of an already-assigned identity never adds to the
		// agent's count, so it bypasses the limit check: claim(I) twice
		// must return the held port even for an agent at its cap.
		var status string
		err := r.store.DB().QueryRow(
			`SELECT status FROM services WHERE id = ?`, parsed.Canonical).Scan(&status)
		alreadyAssigned := err == nil && status == "assigned"

		if !alreadyAssigned {
			allow, err := r.guard.CanClaimService(opts.AgentID)
			if err != nil {
				return nil, err
			}
			if !allow.Allowed {
				e := types.E(types.CodeValidation, "agent %q is at its service limit", opts.AgentID)
				if allow.Current != nil {
					e.WithExtra("current", *allow.Current)
				}
				if allow.Max != nil {
					e.WithExtra("max", *allow.Max)
				}
				return nil, e
			}
		}
	}

	now := r.store.Now()
	var expiresAt any
	if opts.Expires != nil {
		if ms, ok := timeparsing.ParseDurationValue(opts.Expires); ok {
			expiresAt = now + ms
		}
	}

	var result *ClaimResult
	err = r.store.Transaction(context.Background(), func(conn *sql.Conn) error {
		ctx := context.Background()

		var port int
		var status string
		err := conn.QueryRowContext(ctx,
			`SELECT port, status FROM services WHERE id = ?`, parsed.Canonical).
			Scan(&port, &status)
		switch {
		case err == nil && status == "assigned":
			if _, err := conn.ExecContext(ctx,
				`UPDATE services SET last_seen = ? WHERE id = ?`, now, parsed.Canonical); err != nil {
				return fmt.Errorf("refresh service %q: %w", id, err)
			}
			result = &ClaimResult{ID: parsed.Canonical, Port: port, Existing: true}
			return nil

		case err == nil:
			// Released row: reactivate, keeping the old port when it is
			// still free and drawing a fresh one otherwise.
			newPort, err := r.pickPort(ctx, conn, port)
			if err != nil {
				return err
			}
			_, err = conn.ExecContext(ctx,
				`UPDATE services SET port = ?, pid = ?, status = 'assigned', agent_id = ?,
					health_url = ?, metadata = ?, last_seen = ?, expires_at = ?
				 WHERE id = ?`,
				newPort, nullableInt(opts.Pid), nullable(opts.AgentID),
				nullable(opts.HealthURL), nullable(string(opts.Metadata)), now, expiresAt,
				parsed.Canonical)
			if err != nil {
				return fmt.Errorf("reclaim service %q: %w", id, err)
			}
			result = &ClaimResult{ID: parsed.Canonical, Port: newPort}
			return nil

		case err != sql.ErrNoRows:
			return fmt.Errorf("look up service %q: %w", id, err)
		}

		port, err = r.pickPort(ctx, conn, opts.Port)
		if err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx,
			`INSERT INTO services (id, port, pid, status, agent_id, health_url, metadata, created_at, last_seen, expires_at)
			 VALUES (?, ?, ?, 'assigned', ?, ?, ?, ?, ?, ?)`,
			parsed.Canonical, port, nullableInt(opts.Pid), nullable(opts.AgentID),
			nullable(opts.HealthURL), nullable(string(opts.Metadata)), now, now, expiresAt)
		if err != nil {
			return fmt.Errorf("insert service %q: %w", id, err)
		}
		result = &ClaimResult{ID: parsed.Canonical, Port: port}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Existing {
		r.record(types.ActivityServiceClaim, opts.AgentID, parsed.Canonical,
			fmt.Sprintf("port %d", result.Port))
		r.trigger(types.EventServiceClaim, result, parsed.Canonical)
	}
	if r.notify != nil {
		r.notify.NotifyClaim(parsed.Canonical)
	}
	return result, nil
}

// pickPort chooses a port inside the transaction. preferred is used when it
// is in no skip set; otherwise the scan returns the lowest free port.
func (r *Registry) pickPort(ctx context.Context, conn *sql.Conn, preferred int) (int, error) {
	assigned := make(map[int]bool)
	rows, err := conn.QueryContext(ctx,
		`SELECT port FROM services WHERE status = 'assigned'`)
	if err != nil {
		return 0, fmt.Errorf("list assigned ports: %w", err)
	}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		assigned[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var system map[int]bool
	if r.alloc.SystemPorts != nil {
		system = r.alloc.SystemPorts()
	}

	free := func(p int) bool {
		return !r.alloc.Reserved[p] && !assigned[p] && !system[p]
	}

	if preferred > 0 && free(preferred) {
		return preferred, nil
	}
	for p := r.alloc.RangeLo; p <= r.alloc.RangeHi; p++ {
		if free(p) {
			return p, nil
		}
	}
	return 0, types.E(types.CodePortExhausted,
		"no free port in range %d-%d", r.alloc.RangeLo, r.alloc.RangeHi)
}

// ReleaseResult reports how many services a release touched.
type ReleaseResult struct {
	Released      int   `json:"released"`
	ReleasedPorts []int `json:"releasedPorts"`
}

// Release sets matching assigned services to released. Patterns (any input
// containing "*") release every match; a plain id releases one. Releasing
// nothing is success with released=0 (idempotent).
func (r *Registry) Release(idOrPattern string, agentID string) (*ReleaseResult, error) {
	out := &ReleaseResult{ReleasedPorts: []int{}}

	err := r.store.Transaction(context.Background(), func(conn *sql.Conn) error {
		ctx := context.Background()

		var query string
		var arg any
		if strings.Contains(idOrPattern, "*") {
			like, ok := identity.ToLike(idOrPattern)
			if !ok {
				return types.E(types.CodeIdentityInvalid, "invalid pattern %q", idOrPattern)
			}
			query = `SELECT id, port FROM services WHERE id LIKE ? AND status = 'assigned'`
			arg = like
		} else {
			if _, err := identity.Parse(idOrPattern); err != nil {
				return err
			}
			query = `SELECT id, port FROM services WHERE id = ? AND status = 'assigned'`
			arg = idOrPattern
		}

		rows, err := conn.QueryContext(ctx, query, arg)
		if err != nil {
			return fmt.Errorf("find services to release: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			var port int
			if err := rows.Scan(&id, &port); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			out.ReleasedPorts = append(out.ReleasedPorts, port)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := conn.ExecContext(ctx,
				`UPDATE services SET status = 'released' WHERE id = ?`, id); err != nil {
				return fmt.Errorf("release service %q: %w", id, err)
			}
		}
		out.Released = len(ids)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Released > 0 {
		r.record(types.ActivityServiceRelease, agentID, idOrPattern,
			fmt.Sprintf("released %d services", out.Released))
		r.trigger(types.EventServiceRelease, out, idOrPattern)
	}
	return out, nil
}

// Find returns services matching an id or pattern; "*" alone matches all.
func (r *Registry) Find(idOrPattern string) ([]Service, error) {
	var query string
	var args []any
	if strings.Contains(idOrPattern, "*") {
		like, ok := identity.ToLike(idOrPattern)
		if !ok {
			return nil, types.E(types.CodeIdentityInvalid, "invalid pattern %q", idOrPattern)
		}
		query = `SELECT id, port, pid, status, agent_id, health_url, metadata, created_at, last_seen, expires_at
			FROM services WHERE id LIKE ? ORDER BY id`
		args = append(args, like)
	} else {
		if _, err := identity.Parse(idOrPattern); err != nil {
			return nil, err
		}
		query = `SELECT id, port, pid, status, agent_id, health_url, metadata, created_at, last_seen, expires_at
			FROM services WHERE id = ?`
		args = append(args, idOrPattern)
	}

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

// List returns services, optionally filtered by status.
func (r *Registry) List(status string) ([]Service, error) {
	query := `SELECT id, port, pid, status, agent_id, health_url, metadata, created_at, last_seen, expires_at
		FROM services`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

// Get returns the single service with its endpoints, or SERVICE_NOT_FOUND.
func (r *Registry) Get(id string) (*Service, error) {
	row := r.store.DB().QueryRow(
		`SELECT id, port, pid, status, agent_id, health_url, metadata, created_at, last_seen, expires_at
		 FROM services WHERE id = ?`, id)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeServiceNotFound, "service %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get service %q: %w", id, err)
	}

	rows, err := r.store.DB().Query(
		`SELECT name, url FROM endpoints WHERE service_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get endpoints for %q: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, url string
		if err := rows.Scan(&name, &url); err != nil {
			return nil, err
		}
		if svc.Endpoints == nil {
			svc.Endpoints = make(map[string]string)
		}
		svc.Endpoints[name] = url
	}
	return svc, rows.Err()
}

// SetEndpoint upserts a named endpoint URL under the service.
func (r *Registry) SetEndpoint(id, name, url string) error {
	if name == "" || url == "" {
		return types.E(types.CodeValidation, "endpoint name and url are required")
	}
	if _, err := r.Get(id); err != nil {
		return err
	}
	_, err := r.store.DB().Exec(
		`INSERT INTO endpoints (service_id, name, url, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_id, name) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`,
		id, name, url, r.store.Now())
	if err != nil {
		return fmt.Errorf("set endpoint %q on %q: %w", name, id, err)
	}
	return nil
}

// Snapshot returns the subset of ids currently holding an assigned port.
// Transports build wait-for-service on top of it.
func (r *Registry) Snapshot(ids []string) (map[string]Service, error) {
	out := make(map[string]Service, len(ids))
	for _, id := range ids {
		row := r.store.DB().QueryRow(
			`SELECT id, port, pid, status, agent_id, health_url, metadata, created_at, last_seen, expires_at
			 FROM services WHERE id = ? AND status = 'assigned'`, id)
		svc, err := scanService(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot %q: %w", id, err)
		}
		out[id] = *svc
	}
	return out, nil
}

// Cleanup releases assigned services whose expiry has passed.
func (r *Registry) Cleanup() (int, error) {
	now := r.store.Now()
	res, err := r.store.DB().Exec(
		`UPDATE services SET status = 'released'
		 WHERE status = 'assigned' AND expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired services: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug().Int64("expired", n).Msg("expired services released")
		r.record(types.ActivityServiceExpire, "", "", fmt.Sprintf("%d services expired", n))
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*Service, error) {
	var s Service
	var pid sql.NullInt64
	var agent, health, metadata sql.NullString
	var expires sql.NullInt64
	err := row.Scan(&s.ID, &s.Port, &pid, &s.Status, &agent, &health, &metadata,
		&s.CreatedAt, &s.LastSeen, &expires)
	if err != nil {
		return nil, err
	}
	s.Pid = int(pid.Int64)
	s.AgentID = agent.String
	s.HealthURL = health.String
	s.ExpiresAt = expires.Int64
	if metadata.Valid && metadata.String != "" {
		s.Metadata = json.RawMessage(metadata.String)
	}
	return &s, nil
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

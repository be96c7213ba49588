package agents_test

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichowens/port-daddy/internal/agents"
	"github.com/erichowens/port-daddy/internal/locks"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

func newTestRegistry(t *testing.T) (*agents.Registry, *locks.Registry, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	lockReg := locks.New(store, zerolog.Nop(), nil, nil)
	return agents.New(store, zerolog.Nop(), nil, nil, lockReg), lockReg, store
}

func TestRegisterAndGet(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	agent, err := r.Register("builder-1", agents.RegisterOptions{Name: "Builder", Pid: 1234, Type: "sdk"})
	require.NoError(t, err)
	assert.Equal(t, "builder-1", agent.ID)
	assert.Equal(t, "Builder", agent.Name)
	assert.Equal(t, 1234, agent.Pid)
	assert.Equal(t, "sdk", agent.Type)
	assert.Equal(t, agents.DefaultMaxServices, agent.MaxServices)
	assert.Equal(t, agents.DefaultMaxLocks, agent.MaxLocks)
	assert.True(t, agent.IsActive)
}

func TestRegisterPreservesRegisteredAt(t *testing.T) {
	r, _, store := newTestRegistry(t)
	now := int64(1000)
	store.SetNow(func() int64 { return now })

	first, err := r.Register("a1", agents.RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.RegisteredAt)

	now = 9000
	again, err := r.Register("a1", agents.RegisterOptions{Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), again.RegisteredAt)
	assert.Equal(t, int64(9000), again.LastHeartbeat)
	assert.Equal(t, "renamed", again.Name)
}

func TestRegisterInvalidID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for _, id := range []string{"", "has space", "bad/slash", strings.Repeat("a", 101)} {
		_, err := r.Register(id, agents.RegisterOptions{})
		require.Error(t, err, "id %q", id)
		assert.Equal(t, types.CodeAgentIDInvalid, types.CodeOf(err))
	}
	// Colons, dots, dashes and underscores are allowed.
	_, err := r.Register("team:worker.1_x-y", agents.RegisterOptions{})
	require.NoError(t, err)
}

func TestHeartbeatAutoRegisters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	agent, err := r.Heartbeat("fresh", 42)
	require.NoError(t, err)
	assert.Equal(t, "fresh", agent.ID)
	assert.Equal(t, 42, agent.Pid)
}

func TestHeartbeatUpdates(t *testing.T) {
	r, _, store := newTestRegistry(t)
	now := int64(1000)
	store.SetNow(func() int64 { return now })

	_, err := r.Register("a1", agents.RegisterOptions{})
	require.NoError(t, err)

	now = 5000
	agent, err := r.Heartbeat("a1", 77)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), agent.LastHeartbeat)
	assert.Equal(t, 77, agent.Pid)
	assert.Equal(t, int64(1000), agent.RegisteredAt)
}

func TestUnregisterIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Register("a1", agents.RegisterOptions{})
	require.NoError(t, err)

	res, err := r.Unregister("a1")
	require.NoError(t, err)
	assert.True(t, res.Unregistered)

	res, err = r.Unregister("a1")
	require.NoError(t, err)
	assert.False(t, res.Unregistered)
}

func TestListOrdersAndFilters(t *testing.T) {
	r, _, store := newTestRegistry(t)
	now := int64(0)
	store.SetNow(func() int64 { return now })

	now = 1000
	_, err := r.Register("old", agents.RegisterOptions{})
	require.NoError(t, err)
	now = 1000 + agents.TTLMs + 5000
	_, err = r.Register("new", agents.RegisterOptions{})
	require.NoError(t, err)

	all, err := r.List(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID)

	active, err := r.List(true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].ID)
}

func TestLockLimitAccounting(t *testing.T) {
	r, lockReg, _ := newTestRegistry(t)

	_, err := r.Register("a1", agents.RegisterOptions{MaxLocks: 2})
	require.NoError(t, err)

	_, err = lockReg.Acquire("l1", locks.AcquireOptions{Owner: "a1"})
	require.NoError(t, err)
	_, err = lockReg.Acquire("l2", locks.AcquireOptions{Owner: "a1"})
	require.NoError(t, err)

	allow, err := r.CanAcquireLock("a1")
	require.NoError(t, err)
	assert.False(t, allow.Allowed)
	require.NotNil(t, allow.Current)
	require.NotNil(t, allow.Max)
	assert.Equal(t, 2, *allow.Current)
	assert.Equal(t, 2, *allow.Max)
	assert.NotEmpty(t, allow.Error)

	// Unregistered agents are unrestricted, with no counts reported.
	allow, err = r.CanAcquireLock("a2")
	require.NoError(t, err)
	assert.True(t, allow.Allowed)
	assert.Nil(t, allow.Current)
	assert.Nil(t, allow.Max)
}

func TestServiceLimitAccounting(t *testing.T) {
	r, _, store := newTestRegistry(t)
	_, err := r.Register("a1", agents.RegisterOptions{MaxServices: 1})
	require.NoError(t, err)

	_, err = store.DB().Exec(
		`INSERT INTO services (id, port, status, agent_id, created_at, last_seen)
		 VALUES ('app:api', 3100, 'assigned', 'a1', 1, 1)`)
	require.NoError(t, err)

	allow, err := r.CanClaimService("a1")
	require.NoError(t, err)
	assert.False(t, allow.Allowed)
	assert.Equal(t, 1, *allow.Current)

	// Released services do not count.
	_, err = store.DB().Exec(`UPDATE services SET status = 'released' WHERE id = 'app:api'`)
	require.NoError(t, err)
	allow, err = r.CanClaimService("a1")
	require.NoError(t, err)
	assert.True(t, allow.Allowed)
	assert.Equal(t, 0, *allow.Current)
}

func TestCleanupReleasesLocks(t *testing.T) {
	r, lockReg, store := newTestRegistry(t)
	now := int64(1000)
	store.SetNow(func() int64 { return now })

	_, err := r.Register("stale", agents.RegisterOptions{})
	require.NoError(t, err)
	_, err = lockReg.Acquire("held", locks.AcquireOptions{Owner: "stale", TTL: "1h"})
	require.NoError(t, err)

	now += agents.TTLMs + 1000
	res, err := r.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned)
	assert.Equal(t, 1, res.ReleasedLocks)

	_, err = r.Get("stale")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))

	st, err := lockReg.Check("held")
	require.NoError(t, err)
	assert.False(t, st.Held)
}

// TestAcquireGuardEnforcedInCore verifies the limit holds on the lock
// registry itself, not just at a transport: direct-DB callers hit it too.
func TestAcquireGuardEnforcedInCore(t *testing.T) {
	r, lockReg, _ := newTestRegistry(t)
	lockReg.SetGuard(r)

	_, err := r.Register("a1", agents.RegisterOptions{MaxLocks: 1})
	require.NoError(t, err)

	_, err = lockReg.Acquire("l1", locks.AcquireOptions{Owner: "a1"})
	require.NoError(t, err)

	_, err = lockReg.Acquire("l2", locks.AcquireOptions{Owner: "a1"})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidation, types.CodeOf(err))
	assert.Equal(t, 1, types.ExtrasOf(err)["current"])
	assert.Equal(t, 1, types.ExtrasOf(err)["max"])

	// Anonymous owners stay unrestricted.
	_, err = lockReg.Acquire("l3", locks.AcquireOptions{Owner: "anon"})
	require.NoError(t, err)
}

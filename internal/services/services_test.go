package services

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichowens/port-daddy/internal/agents"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

func newTestRegistry(t *testing.T, alloc Allocator) (*Registry, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop(), alloc, nil, nil, nil, nil), store
}

func TestClaimAllocatesDistinctPorts(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})

	api, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, api.Port, 3100)
	assert.LessOrEqual(t, api.Port, 3199)
	assert.False(t, api.Existing)

	web, err := r.Claim("myapp:web", ClaimOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, api.Port, web.Port)

	// Repeat claim returns the original port and flags it existing.
	again, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.Equal(t, api.Port, again.Port)
	assert.True(t, again.Existing)
}

func TestClaimPreferredPort(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})

	res, err := r.Claim("myapp:api", ClaimOptions{Port: 3150})
	require.NoError(t, err)
	assert.Equal(t, 3150, res.Port)

	// A taken preferred port falls back to the scan.
	other, err := r.Claim("myapp:web", ClaimOptions{Port: 3150})
	require.NoError(t, err)
	assert.NotEqual(t, 3150, other.Port)
	assert.Equal(t, 3100, other.Port)
}

func TestClaimSkipsReservedAndSystemPorts(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{
		RangeLo:     3100,
		RangeHi:     3103,
		Reserved:    map[int]bool{3100: true},
		SystemPorts: func() map[int]bool { return map[int]bool{3101: true} },
	})

	res, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3102, res.Port)
}

func TestClaimPortExhausted(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3101})

	_, err := r.Claim("one", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim("two", ClaimOptions{})
	require.NoError(t, err)

	_, err = r.Claim("three", ClaimOptions{})
	require.Error(t, err)
	assert.Equal(t, types.CodePortExhausted, types.CodeOf(err))
}

func TestClaimInvalidIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{})
	for _, id := range []string{"", "a:b:c:d", "bad id", "myapp:*"} {
		_, err := r.Claim(id, ClaimOptions{})
		require.Error(t, err, "id %q", id)
		assert.Equal(t, types.CodeIdentityInvalid, types.CodeOf(err))
	}
}

func TestReleaseAndReclaim(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})

	first, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)

	res, err := r.Release("myapp:api", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, []int{first.Port}, res.ReleasedPorts)

	// Release is idempotent.
	res, err = r.Release("myapp:api", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released)

	// Reclaim of a released id gets the same port while it is still free.
	second, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Port, second.Port)
	assert.False(t, second.Existing)
}

func TestReclaimDrawsNewPortWhenTaken(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})

	first, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Release("myapp:api", "")
	require.NoError(t, err)

	// Another identity takes the freed port.
	squatter, err := r.Claim("other:svc", ClaimOptions{Port: first.Port})
	require.NoError(t, err)
	assert.Equal(t, first.Port, squatter.Port)

	second, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Port, second.Port)
}

func TestReleasePattern(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})

	_, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim("myapp:web", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim("other:svc", ClaimOptions{})
	require.NoError(t, err)

	res, err := r.Release("myapp:*", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)
	assert.Len(t, res.ReleasedPorts, 2)

	remaining, err := r.List("assigned")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "other:svc", remaining[0].ID)
}

func TestFind(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})
	_, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim("myapp:web", ClaimOptions{})
	require.NoError(t, err)

	all, err := r.Find("*")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := r.Find("myapp:*")
	require.NoError(t, err)
	assert.Len(t, some, 2)

	one, err := r.Find("myapp:api")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "myapp:api", one[0].ID)
}

func TestGetAndEndpoints(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})
	_, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)

	require.NoError(t, r.SetEndpoint("myapp:api", "admin", "http://localhost:3100/admin"))
	require.NoError(t, r.SetEndpoint("myapp:api", "admin", "http://localhost:3100/admin2"))

	svc, err := r.Get("myapp:api")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3100/admin2", svc.Endpoints["admin"])

	_, err = r.Get("missing:svc")
	require.Error(t, err)
	assert.Equal(t, types.CodeServiceNotFound, types.CodeOf(err))

	err = r.SetEndpoint("missing:svc", "x", "http://x")
	require.Error(t, err)
	assert.Equal(t, types.CodeServiceNotFound, types.CodeOf(err))
}

func TestExpiryCleanup(t *testing.T) {
	r, store := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})
	now := int64(10_000)
	store.SetNow(func() int64 { return now })

	_, err := r.Claim("temp:svc", ClaimOptions{Expires: float64(500)})
	require.NoError(t, err)
	_, err = r.Claim("perm:svc", ClaimOptions{})
	require.NoError(t, err)

	n, err := r.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	now += 1000
	n, err = r.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	svc, err := r.Get("temp:svc")
	require.NoError(t, err)
	assert.Equal(t, "released", svc.Status)
}

func TestNegativeExpiresImmediatelySweepable(t *testing.T) {
	r, store := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})
	now := int64(10_000)
	store.SetNow(func() int64 { return now })

	_, err := r.Claim("gone:svc", ClaimOptions{Expires: float64(-1)})
	require.NoError(t, err)

	n, err := r.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, Allocator{RangeLo: 3100, RangeHi: 3199})
	_, err := r.Claim("myapp:api", ClaimOptions{})
	require.NoError(t, err)

	snap, err := r.Snapshot([]string{"myapp:api", "myapp:web"})
	require.NoError(t, err)
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, "myapp:api")
}

type denyGuard struct{}

func (denyGuard) CanClaimService(string) (*agents.Allowance, error) {
	current, max := 3, 3
	return &agents.Allowance{Allowed: false, Current: &current, Max: &max, Error: "service limit reached"}, nil
}

func TestClaimGuard(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := New(store, zerolog.Nop(), Allocator{RangeLo: 3100, RangeHi: 3199}, nil, nil, denyGuard{}, nil)

	_, err = r.Claim("myapp:api", ClaimOptions{AgentID: "a1"})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidation, types.CodeOf(err))
	assert.Equal(t, 3, types.ExtrasOf(err)["current"])

	// Claims without an agent id bypass the guard.
	_, err = r.Claim("myapp:web", ClaimOptions{})
	require.NoError(t, err)

	// A repeat claim of an already-assigned identity bypasses the guard
	// too: it never adds to the agent's count.
	first, err := r.Claim("held:svc", ClaimOptions{})
	require.NoError(t, err)
	again, err := r.Claim("held:svc", ClaimOptions{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, first.Port, again.Port)
	assert.True(t, again.Existing)
}

package activity

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

func newTestLog(t *testing.T, opts Options) (*Log, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop(), opts), store
}

func TestRecordAndGetRecent(t *testing.T) {
	l, store := newTestLog(t, Options{})

	ts := int64(1000)
	store.SetNow(func() int64 { ts++; return ts })

	_, err := l.Record(types.ActivityServiceClaim, RecordOptions{AgentID: "a1", TargetID: "myapp:api"})
	require.NoError(t, err)
	_, err = l.Record(types.ActivityLockAcquire, RecordOptions{AgentID: "a2", TargetID: "deploy"})
	require.NoError(t, err)
	_, err = l.Record(types.ActivityServiceRelease, RecordOptions{AgentID: "a1", TargetID: "myapp:api"})
	require.NoError(t, err)

	entries, err := l.GetRecent(RecentFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first, non-increasing timestamps.
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].Timestamp, entries[i].Timestamp)
	}
	assert.Equal(t, types.ActivityServiceRelease, entries[0].Type)
}

func TestGetRecentFilters(t *testing.T) {
	l, _ := newTestLog(t, Options{})

	mustRecord(t, l, types.ActivityServiceClaim, "a1", "myapp:api")
	mustRecord(t, l, types.ActivityServiceClaim, "a2", "myapp:web")
	mustRecord(t, l, types.ActivityLockAcquire, "a1", "deploy")

	byType, err := l.GetRecent(RecentFilter{Type: types.ActivityServiceClaim})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byAgent, err := l.GetRecent(RecentFilter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byTarget, err := l.GetRecent(RecentFilter{TargetPattern: "myapp:*"})
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	_, err = l.GetRecent(RecentFilter{TargetPattern: "a:b:c:d"})
	require.Error(t, err)
}

func TestGetRecentLimitClamp(t *testing.T) {
	l, _ := newTestLog(t, Options{})
	for i := 0; i < 5; i++ {
		mustRecord(t, l, types.ActivityCleanup, "", "")
	}

	got, err := l.GetRecent(RecentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.GetRecent(RecentFilter{Limit: -5})
	require.NoError(t, err)
	assert.Len(t, got, 1) // clamped to the lower bound

	got, err = l.GetRecent(RecentFilter{Limit: 99_999})
	require.NoError(t, err)
	assert.Len(t, got, 5) // clamped to 1000, all rows returned
}

func TestGetByTimeRange(t *testing.T) {
	l, store := newTestLog(t, Options{})
	ts := int64(0)
	store.SetNow(func() int64 { ts += 100; return ts })

	for i := 0; i < 4; i++ {
		mustRecord(t, l, types.ActivityCleanup, "", "")
	}

	got, err := l.GetByTimeRange(150, 350, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetSummary(t *testing.T) {
	l, _ := newTestLog(t, Options{})
	mustRecord(t, l, types.ActivityServiceClaim, "", "")
	mustRecord(t, l, types.ActivityServiceClaim, "", "")
	mustRecord(t, l, types.ActivityLockAcquire, "", "")

	sum, err := l.GetSummary(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Total)
	require.Len(t, sum.ByType, 2)
	assert.Equal(t, types.ActivityServiceClaim, sum.ByType[0].Type)
	assert.Equal(t, int64(2), sum.ByType[0].Count)

	// Round-trip property: one more record bumps its type count by one.
	mustRecord(t, l, types.ActivityLockAcquire, "", "")
	sum2, err := l.GetSummary(0)
	require.NoError(t, err)
	for _, tc := range sum2.ByType {
		if tc.Type == types.ActivityLockAcquire {
			assert.Equal(t, int64(2), tc.Count)
		}
	}
}

func TestGetStats(t *testing.T) {
	l, store := newTestLog(t, Options{RetentionMs: 5000, MaxEntries: 7})
	ts := int64(100)
	store.SetNow(func() int64 { ts += 10; return ts })
	mustRecord(t, l, types.ActivityCleanup, "", "")
	mustRecord(t, l, types.ActivityCleanup, "", "")

	st, err := l.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalEntries)
	assert.Equal(t, int64(110), st.OldestEntry)
	assert.Equal(t, int64(120), st.NewestEntry)
	assert.Equal(t, int64(5000), st.RetentionMs)
	assert.Equal(t, 7, st.MaxEntries)
}

func TestCleanup(t *testing.T) {
	l, store := newTestLog(t, Options{RetentionMs: 1000, MaxEntries: 2})
	ts := int64(0)
	store.SetNow(func() int64 { return ts })

	ts = 100
	mustRecord(t, l, types.ActivityCleanup, "", "") // will age out
	ts = 2000
	for i := 0; i < 3; i++ {
		mustRecord(t, l, types.ActivityCleanup, "", "")
	}

	ts = 2500
	res, err := l.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedOld)
	assert.Equal(t, int64(1), res.DeletedExcess)
	assert.Equal(t, int64(2), res.Total)

	// Idempotent: nothing more to delete.
	res, err = l.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Total)
}

func mustRecord(t *testing.T, l *Log, typ, agent, target string) {
	t.Helper()
	_, err := l.Record(typ, RecordOptions{AgentID: agent, TargetID: target})
	require.NoError(t, err)
}

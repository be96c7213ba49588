package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var n int
	err = s.DB().QueryRow(`SELECT COUNT(*) FROM services`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSchemaIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pd.db")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.DB().Exec(
		`INSERT INTO agents (id, registered_at, last_heartbeat) VALUES (?, ?, ?)`,
		"a1", int64(1), int64(1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening re-runs the DDL; existing data must survive.
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	var got string
	err = s2.DB().QueryRow(`SELECT id FROM agents WHERE id = ?`, "a1").Scan(&got)
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
}

func TestWALMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pd.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var mode string
	require.NoError(t, s.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestTransactionRollback(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	boom := errors.New("boom")
	err = s.Transaction(context.Background(), func(conn *sql.Conn) error {
		_, err := conn.ExecContext(context.Background(),
			`INSERT INTO agents (id, registered_at, last_heartbeat) VALUES (?, ?, ?)`,
			"rolled-back", int64(1), int64(1))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM agents`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestTransactionCommit(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	err = s.Transaction(context.Background(), func(conn *sql.Conn) error {
		_, err := conn.ExecContext(context.Background(),
			`INSERT INTO agents (id, registered_at, last_heartbeat) VALUES (?, ?, ?)`,
			"kept", int64(1), int64(1))
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM agents`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPrepareCaches(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	a, err := s.Prepare(`SELECT COUNT(*) FROM services`)
	require.NoError(t, err)
	b, err := s.Prepare(`SELECT COUNT(*) FROM services`)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestSetNow(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	s.SetNow(func() int64 { return 42 })
	assert.Equal(t, int64(42), s.Now())
	s.SetNow(nil)
	assert.Greater(t, s.Now(), int64(42))
}

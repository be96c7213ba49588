// Package storage owns the embedded SQLite database every component shares.
// The database runs in WAL mode with foreign keys enforced; all times are
// stored as int64 unix milliseconds.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// EnvDBPath overrides the database location when no explicit path is given.
const EnvDBPath = "PORT_DADDY_DB"

// MemoryPath selects the test-only in-memory database.
const MemoryPath = ":memory:"

// Store is the single transactional store behind every component. One
// process holds one writer at a time per connection; multiple processes
// coordinate through WAL.
type Store struct {
	db     *sql.DB
	path   string
	memory bool

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt

	nowMu sync.RWMutex
	now   func() int64
}

// ResolvePath picks the database location: explicit override, then the
// PORT_DADDY_DB env var, then a default file beside the daemon binary.
func ResolvePath(override string) string {
	if override != "" {
		return override
	}
	if env := strings.TrimSpace(os.Getenv(EnvDBPath)); env != "" {
		return env
	}
	exe, err := os.Executable()
	if err != nil {
		return "port-daddy.db"
	}
	return filepath.Join(filepath.Dir(exe), "port-daddy.db")
}

// Open opens (creating if needed) the database at path and applies the
// schema. An empty path resolves via ResolvePath; MemoryPath opens the
// test-only in-memory database.
func Open(path string) (*Store, error) {
	if path == MemoryPath {
		return openDSN("file::memory:?_pragma=foreign_keys(ON)", true)
	}
	path = ResolvePath(path)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return openDSN(ConnString(path), false)
}

// OpenMemory opens a fresh in-memory store for tests.
func OpenMemory() (*Store, error) {
	return Open(MemoryPath)
}

func openDSN(dsn string, memory bool) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// A pooled :memory: connection would get a private database per
		// connection; pin the pool to one.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s := &Store{
		db:     db,
		path:   dsn,
		memory: memory,
		stmts:  make(map[string]*sql.Stmt),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool for read paths.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the current time in unix milliseconds. Tests override it with
// SetNow to drive TTL expiry deterministically.
func (s *Store) Now() int64 {
	s.nowMu.RLock()
	defer s.nowMu.RUnlock()
	return s.now()
}

// SetNow replaces the clock. Passing nil restores the wall clock.
func (s *Store) SetNow(fn func() int64) {
	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	if fn == nil {
		fn = func() int64 { return time.Now().UnixMilli() }
	}
	s.now = fn
}

// Prepare returns a cached prepared statement for query.
func (s *Store) Prepare(query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// Transaction runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection, committing on success and rolling back on any error.
//
// IMMEDIATE acquires a RESERVED lock up front, serializing writers so a
// claim-then-insert sequence can never race another writer. database/sql
// has no transaction mode in BeginTx, so the BEGIN runs as raw SQL on a
// pinned connection; SQLITE_BUSY at begin time is retried with exponential
// backoff on top of the driver's busy_timeout.
func (s *Store) Transaction(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return fmt.Errorf("begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Roll back on a background context so cleanup happens even
			// when ctx is already canceled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Close finalizes cached statements and closes the pool.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.stmtMu.Unlock()
	return s.db.Close()
}

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapNotFound converts sql.ErrNoRows to ErrNotFound with operation
// context; other errors are wrapped as-is.
func WrapNotFound(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

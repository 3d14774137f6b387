package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding tables or columns.
const SchemaVersion = 1

var (
	// ErrNotFound is returned by GetBlob when the key has never been written.
	ErrNotFound = errors.New("statedb: key not found")
	// ErrSchemaTooNew is returned by Migrate for a database from a newer build.
	ErrSchemaTooNew = errors.New("statedb: database schema is newer than this build")
)

// StateDB wraps a SQLite database holding tab history snapshots.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int

	mu     sync.Mutex
	closed bool
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// PRAGMAs below are per connection; a single connection keeps them in force
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database. Safe to call twice.
func (s *StateDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist. A database written by a
// newer schema is refused rather than downgraded.
func (s *StateDB) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}
	if onDisk, err := s.GetMeta("schema_version"); err != nil {
		return fmt.Errorf("statedb: read schema version: %w", err)
	} else if v, _ := strconv.Atoi(onDisk); v > SchemaVersion {
		return fmt.Errorf("%w: version %d, this build supports %d", ErrSchemaTooNew, v, SchemaVersion)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create blobs: %w", err)
	}

	// one row per running tabtrail server process
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS process_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Blobs ---

// GetBlob returns the value stored under key, or ErrNotFound.
func (s *StateDB) GetBlob(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM blobs WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get %s: %w", key, err)
	}
	return value, nil
}

// SetBlob stores value under key, replacing any previous value.
func (s *StateDB) SetBlob(key string, value []byte) error {
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO blobs (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("statedb: set %s: %w", key, err)
	}
	return nil
}

// BlobUpdatedAt returns when key was last written (zero time if never).
func (s *StateDB) BlobUpdatedAt(key string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow("SELECT updated_at FROM blobs WHERE key = ?", key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("statedb: updated_at %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// --- Metadata ---

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// --- Process heartbeats ---

// RegisterProcess records this process as a running server.
func (s *StateDB) RegisterProcess() error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO process_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE process_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterProcess removes this process from the heartbeat table.
func (s *StateDB) UnregisterProcess() error {
	_, err := s.db.Exec("DELETE FROM process_heartbeats WHERE pid = ?", s.pid)
	return err
}

// ElectPrimary makes this process the writer for the database unless another
// process with a fresh heartbeat already holds the role. Returns true if this
// process is (or already was) the primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE process_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM process_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: find primary: %w", err)
	}

	res, err := tx.Exec(
		"UPDATE process_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	)
	if err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return false, fmt.Errorf("statedb: process %d is not registered", s.pid)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE process_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

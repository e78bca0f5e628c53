package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite event log
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The CLI reads while the daemon writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=1000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

func (db *DB) initSchema() error {
	schema := `
	-- Daemon lifecycle events, one row per start/restart/stop/...
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		generation INTEGER NOT NULL DEFAULT 1,
		pid INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per spawned backend process
	CREATE TABLE IF NOT EXISTS backend_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		generation INTEGER NOT NULL,
		command TEXT,
		started_at DATETIME NOT NULL,
		ready_at DATETIME,
		exited_at DATETIME,
		exit_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_type ON daemon_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_backend_runs_started ON backend_runs(started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID         int64
	EventType  string
	Details    string
	Generation int
	PID        int
	Timestamp  time.Time
}

// LogDaemonEvent records a lifecycle event for the given generation
func (db *DB) LogDaemonEvent(eventType, details string, generation int) error {
	// Retry briefly if the CLI holds a lock; never block a restart on this
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO daemon_events (event_type, details, generation, pid, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			eventType, details, generation, os.Getpid(), time.Now(),
		)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log daemon event after %d retries: database locked", maxRetries)
}

// GetRecentDaemonEvents returns the newest events first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	return db.queryDaemonEvents(
		`SELECT id, event_type, COALESCE(details, ''), generation, pid, timestamp
		 FROM daemon_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
}

// GetDaemonEventsByType returns the newest events of one type first
func (db *DB) GetDaemonEventsByType(eventType string, limit int) ([]DaemonEvent, error) {
	return db.queryDaemonEvents(
		`SELECT id, event_type, COALESCE(details, ''), generation, pid, timestamp
		 FROM daemon_events
		 WHERE event_type = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		eventType, limit,
	)
}

func (db *DB) queryDaemonEvents(query string, args ...any) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Generation, &e.PID, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// BackendRun is one spawned backend process
type BackendRun struct {
	ID         int64
	PID        int
	Generation int
	Command    string
	StartedAt  time.Time
	ReadyAt    sql.NullTime
	ExitedAt   sql.NullTime
	ExitReason string
}

// RecordBackendStart inserts a run and returns its id
func (db *DB) RecordBackendStart(pid, generation int, command string) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO backend_runs (pid, generation, command, started_at)
		 VALUES (?, ?, ?, ?)`,
		pid, generation, command, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkBackendReady stamps the time the backend port accepted connections
func (db *DB) MarkBackendReady(runID int64) error {
	_, err := db.conn.Exec(`UPDATE backend_runs SET ready_at = ? WHERE id = ?`, time.Now(), runID)
	return err
}

// RecordBackendExit stamps the exit time and reason of a run
func (db *DB) RecordBackendExit(runID int64, reason string) error {
	_, err := db.conn.Exec(
		`UPDATE backend_runs SET exited_at = ?, exit_reason = ? WHERE id = ? AND exited_at IS NULL`,
		time.Now(), reason, runID,
	)
	return err
}

// GetRecentBackendRuns returns the newest runs first
func (db *DB) GetRecentBackendRuns(limit int) ([]BackendRun, error) {
	rows, err := db.conn.Query(
		`SELECT id, pid, generation, COALESCE(command, ''), started_at, ready_at, exited_at, COALESCE(exit_reason, '')
		 FROM backend_runs
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []BackendRun
	for rows.Next() {
		var r BackendRun
		if err := rows.Scan(&r.ID, &r.PID, &r.Generation, &r.Command, &r.StartedAt, &r.ReadyAt, &r.ExitedAt, &r.ExitReason); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

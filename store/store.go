// Package store provides persistent master-orchestrator state backed by an
// embedded SQLite database: the servers table and the Persistent-ID
// Allocator's high-water mark checkpoint.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — servers table
	`CREATE TABLE IF NOT EXISTS servers (
		name    TEXT PRIMARY KEY,
		ip      TEXT NOT NULL,
		port    INTEGER NOT NULL,
		state   TEXT NOT NULL DEFAULT 'up',
		version INTEGER NOT NULL DEFAULT 1
	)`,
	// v2 — allocator high-water mark
	`CREATE TABLE IF NOT EXISTS allocator_state (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		high_water  INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — seed the single allocator row
	`INSERT OR IGNORE INTO allocator_state(id, high_water) VALUES (1, 0)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes master-orchestrator persistence.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Warn("store: WAL mode failed, continuing", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("store: busy_timeout failed, continuing", "error", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping touches the connection to keep it alive across long idle stretches;
// the Control Loop calls this on a periodic keepalive tick.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Debug("store: applied migration", "version", v)
	}
	return nil
}

// ServerRow is one row of the servers table.
type ServerRow struct {
	Name    string
	IP      string
	Port    int
	State   string
	Version int
}

// UpsertServer inserts or replaces a row in the servers table. Called once
// at startup with name="master" so operators can see the master's own
// advertised (ip, port) the same way they see every world server.
func (s *Store) UpsertServer(row ServerRow) error {
	_, err := s.db.Exec(
		`INSERT INTO servers(name, ip, port, state, version) VALUES(?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   ip = excluded.ip, port = excluded.port,
		   state = excluded.state, version = excluded.version`,
		row.Name, row.IP, row.Port, row.State, row.Version,
	)
	return err
}

// GetServer returns the row named name. Returns sql.ErrNoRows if absent.
func (s *Store) GetServer(name string) (ServerRow, error) {
	var row ServerRow
	err := s.db.QueryRow(
		`SELECT name, ip, port, state, version FROM servers WHERE name = ?`, name,
	).Scan(&row.Name, &row.IP, &row.Port, &row.State, &row.Version)
	return row, err
}

// ListServers returns every row in the servers table, ordered by name.
func (s *Store) ListServers() ([]ServerRow, error) {
	rows, err := s.db.Query(`SELECT name, ip, port, state, version FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerRow
	for rows.Next() {
		var row ServerRow
		if err := rows.Scan(&row.Name, &row.IP, &row.Port, &row.State, &row.Version); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LoadAllocatorHighWater reads the Persistent-ID Allocator's checkpointed
// high-water mark. Failure to read here is fatal — the caller is expected
// to treat a non-nil error as startup-fatal.
func (s *Store) LoadAllocatorHighWater() (uint32, error) {
	var v uint32
	err := s.db.QueryRow(`SELECT high_water FROM allocator_state WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("load allocator high-water mark: %w", err)
	}
	return v, nil
}

// SaveAllocatorHighWater persists the allocator's current high-water mark.
func (s *Store) SaveAllocatorHighWater(v uint32) error {
	_, err := s.db.Exec(`UPDATE allocator_state SET high_water = ? WHERE id = 1`, v)
	return err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at destPath using SQLite's backup
// facility through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

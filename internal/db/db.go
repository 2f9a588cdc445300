// Package db is the relay's embedded store: a set of logically separate
// "trees" (actors, connections, allow/block domain lists, node metadata,
// media, settings, last-seen timestamps, and the job queue) implemented as
// SQL tables over a dual SQLite/PostgreSQL backend. SQLite (pure-Go, via
// modernc.org/sqlite) is the zero-setup default; PostgreSQL is a drop-in
// swap via DATABASE_URL for higher-traffic deployments.
//
// Every tree is addressed through typed methods rather than a generic
// get/set API so that callers (the inbox state machine, the job workers,
// the admin interface) never construct raw keys themselves.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods
// the relay's core needs.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A bare file path like "relay.db" → SQLite
//   - "sqlite://path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode allows concurrent readers alongside one writer. A small
		// pool lets read-heavy operations (policy checks, cache misses,
		// admin stats) proceed in parallel instead of queuing behind every
		// write; busy_timeout makes SQLite's own writer serialization
		// graceful (retry for up to 5s) instead of surfacing SQLITE_BUSY.
		//
		// For deployments accepting a high sustained rate of inbound
		// activities, switch to PostgreSQL via DATABASE_URL=postgres://... —
		// SQLite's single-writer architecture is a hard ceiling no tuning
		// removes.
		const sqliteMaxConns = 4
		sqlDB.SetMaxOpenConns(sqliteMaxConns)
		sqlDB.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := sqlDB.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}

		slog.Info("sqlite store opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: sqlDB, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs all pending database migrations. Migrations are a fixed,
// ordered list of idempotent statements rather than a numbered-file
// framework: every statement is its own CREATE ... IF NOT EXISTS, so
// running the full list against an up-to-date database is a no-op.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL shared between SQLite and PostgreSQL: one table per
// tree named in §4.A of the specification this store implements.
var migrations = []string{
	// settings: generic key-value tree. Holds the relay's own private key
	// PEM, restricted-mode/validate-signatures live toggles, and anything
	// else that needs to survive a restart without its own table.
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	// actor: canonical remote-actor records, keyed by actor IRI.
	`CREATE TABLE IF NOT EXISTS actors (
		id             TEXT PRIMARY KEY,
		inbox          TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		public_key_id  TEXT NOT NULL UNIQUE,
		saved_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS actors_public_key_id ON actors(public_key_id)`,

	// connected_actor_ids: the set of origins (scheme+authority) currently
	// following the relay.
	`CREATE TABLE IF NOT EXISTS connections (
		origin     TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,

	// allowed_domains / blocked_domains: reversed-label keyed domain lists.
	// The primary key IS the reversed key; prefix matching (hasPrefixMatch)
	// reads the keys and compares prefixes in Go rather than in SQL.
	`CREATE TABLE IF NOT EXISTS allowed_domains (
		reversed_key TEXT PRIMARY KEY,
		domain       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocked_domains (
		reversed_key TEXT PRIMARY KEY,
		domain       TEXT NOT NULL
	)`,

	// node_info / node_instance / node_contact: NodeMetadata sub-records,
	// keyed by the owning actor's IRI.
	`CREATE TABLE IF NOT EXISTS node_info (
		actor_id           TEXT PRIMARY KEY,
		software           TEXT NOT NULL,
		version            TEXT NOT NULL,
		open_registrations INTEGER NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_instance (
		actor_id          TEXT PRIMARY KEY,
		title             TEXT NOT NULL,
		description       TEXT NOT NULL,
		version           TEXT NOT NULL,
		reg               INTEGER NOT NULL,
		requires_approval INTEGER NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_contact (
		actor_id     TEXT PRIMARY KEY,
		username     TEXT NOT NULL,
		display_name TEXT NOT NULL,
		url          TEXT NOT NULL,
		avatar       TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,

	// media: UUID <-> source URL, with optional cached bytes and MIME type.
	`CREATE TABLE IF NOT EXISTS media (
		id           TEXT PRIMARY KEY,
		source_url   TEXT NOT NULL UNIQUE,
		content_type TEXT NOT NULL DEFAULT '',
		bytes        BLOB,
		cached_at    TEXT
	)`,

	// last_seen: per-authority latest-response timestamp.
	`CREATE TABLE IF NOT EXISTS last_seen (
		authority TEXT PRIMARY KEY,
		seen_at   TEXT NOT NULL
	)`,

	// jobs: persisted queue state. job_id is a ULID, so "oldest pending"
	// is a plain ORDER BY job_id scan.
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id      TEXT PRIMARY KEY,
		queue       TEXT NOT NULL,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		attempt     INTEGER NOT NULL DEFAULT 0,
		timeout_sec INTEGER NOT NULL,
		next_run_at TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		payload     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_poll ON jobs(queue, status, next_run_at)`,

	// audit_log: append-only record of admin mutations.
	`CREATE TABLE IF NOT EXISTS audit_log (
		ts     TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_ts ON audit_log(ts)`,
}

// ph returns the Nth SQL placeholder token for this driver.
// SQLite uses ? for every position; PostgreSQL uses $1, $2, ...
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) upsert(table, keyCol, valCol string) string {
	if s.driver == "postgres" {
		return fmt.Sprintf(
			"INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s",
			table, keyCol, valCol, keyCol, valCol, valCol,
		)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET %s=excluded.%s",
		table, keyCol, valCol, keyCol, valCol, valCol,
	)
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ignoreNoRows turns sql.ErrNoRows into a nil error, for callers that signal
// absence via a boolean ok return instead of an error.
func ignoreNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

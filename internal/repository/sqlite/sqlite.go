// Package sqlite implements the repository interfaces using SQLite as the
// storage backend.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the binary needs
// no C toolchain. database/sql gives us the usual pool, but SQLite allows a
// single writer at a time; the pool is capped at one connection so writers
// queue in Go instead of failing with SQLITE_BUSY. The cap also keeps every
// query on the same ":memory:" database in tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite" driver with database/sql.
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/readmebot.db"  file-based database (persistent)
//   - ":memory:"           in-memory database (tests)
//
// Connection failures are returned immediately; the caller is expected to
// abort startup rather than serve with a broken store.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is still reachable (used by /healthz).
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates every table. CREATE ... IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	// accounts: the token columns are all NULL or all NOT NULL, never mixed.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id                  TEXT PRIMARY KEY,
			github_id           INTEGER NOT NULL UNIQUE,
			github_username     TEXT NOT NULL,
			avatar_url          TEXT NOT NULL DEFAULT '',
			auto_readme_enabled INTEGER NOT NULL DEFAULT 1,
			token_key_id        TEXT,
			token_iv            BLOB,
			token_ciphertext    BLOB,
			token_tag           BLOB,
			token_invalid       INTEGER NOT NULL DEFAULT 0,
			created_at          DATETIME NOT NULL,
			updated_at          DATETIME NOT NULL,
			CHECK (
				(token_key_id IS NULL AND token_iv IS NULL AND token_ciphertext IS NULL AND token_tag IS NULL)
				OR
				(token_key_id IS NOT NULL AND token_iv IS NOT NULL AND token_ciphertext IS NOT NULL AND token_tag IS NOT NULL)
			)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS pending_links (
			id               TEXT PRIMARY KEY,
			token_key_id     TEXT NOT NULL,
			token_iv         BLOB NOT NULL,
			token_ciphertext BLOB NOT NULL,
			token_tag        BLOB NOT NULL,
			expires_at       DATETIME NOT NULL,
			created_at       DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating pending_links table: %w", err)
	}

	// GitHub treats owner/name case-insensitively; NOCASE makes the unique
	// constraint, the index and every lookup agree with it.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS activated_repos (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL REFERENCES accounts(id),
			repo_full_name TEXT NOT NULL COLLATE NOCASE,
			webhook_id     INTEGER NOT NULL,
			active         INTEGER NOT NULL DEFAULT 1,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			UNIQUE (account_id, repo_full_name)
		);
		CREATE INDEX IF NOT EXISTS idx_activated_repos_repo ON activated_repos(repo_full_name, active);
	`)
	if err != nil {
		return fmt.Errorf("creating activated_repos table: %w", err)
	}

	// activity_log is append-only. account_id is a weak reference (no
	// foreign key) so history outlives the account.
	//
	// seq gives a strict insertion order; created_at alone can tie.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS activity_log (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			repo_name  TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			status     TEXT NOT NULL CHECK (status IN ('ongoing', 'success', 'failed')),
			attempt_id TEXT NOT NULL DEFAULT '',
			commit_sha TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_account ON activity_log(account_id, seq);
		CREATE INDEX IF NOT EXISTS idx_activity_attempt ON activity_log(attempt_id);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_one_start ON activity_log(attempt_id)
			WHERE action = 'README_GENERATION_STARTED';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_one_terminal ON activity_log(attempt_id)
			WHERE action IN ('README_GENERATION_SUCCESS', 'README_GENERATION_FAILED');

		CREATE TRIGGER IF NOT EXISTS activity_log_no_update
			BEFORE UPDATE ON activity_log
			BEGIN SELECT RAISE(ABORT, 'activity_log is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS activity_log_no_delete
			BEFORE DELETE ON activity_log
			BEGIN SELECT RAISE(ABORT, 'activity_log is append-only'); END;
	`)
	if err != nil {
		return fmt.Errorf("creating activity_log table: %w", err)
	}

	return nil
}

// now returns the current time in UTC, truncated to microseconds so values
// survive the round trip through SQLite's text representation unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// isUniqueViolation reports whether err came from a UNIQUE constraint or a
// unique index. Extended result codes are not always enabled, so the primary
// code is checked together with the message.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

// Package database provides the SQLite storage substrate for supportd.
package database

import (
	"context"
	"fmt"
	"os"

	"github.com/brokerly/supportd/database/sqliteconfig"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	_ "modernc.org/sqlite"
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// New opens (and creates, if needed) the database at path and applies the
// schema. Use path ":memory:" for tests.
func New(path string) (*Database, error) {
	var cfg *sqliteconfig.Config
	if path == ":memory:" {
		cfg = sqliteconfig.Memory()
	} else {
		cfg = sqliteconfig.Default(path)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig opens a database with custom SQLite configuration.
func NewWithConfig(cfg *sqliteconfig.Config) (*Database, error) {
	connectionURL, err := cfg.ToURL()
	if err != nil {
		return nil, fmt.Errorf("building SQLite connection URL: %w", err)
	}

	isNewDatabase := false
	if cfg.Path != ":memory:" {
		if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
			isNewDatabase = true
		}
	}

	log.Debug().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Bool("new_database", isNewDatabase).
		Msg("Opening SQLite database")

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite concurrency settings: single connection model
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	schema := &squibble.Schema{Current: Schema()}
	if err := schema.Apply(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// WithTx executes a function within a database transaction.
func (d *Database) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Schema returns the current database schema.
//
// The partial unique index on impersonation_sessions makes the
// one-active-session-per-(admin,target) invariant a storage-level constraint:
// two concurrent requests for the same pair race on the INSERT and exactly one
// wins.
func Schema() string {
	return `
-- User directory
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    is_admin INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    balance_cents INTEGER NOT NULL DEFAULT 0,
    open_flags INTEGER NOT NULL DEFAULT 0,
    last_login DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    modified_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

-- Impersonation sessions
CREATE TABLE IF NOT EXISTS impersonation_sessions (
    id TEXT PRIMARY KEY,
    admin_id TEXT NOT NULL,
    target_user_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    ip_address TEXT,
    user_agent TEXT,
    approval_required INTEGER NOT NULL DEFAULT 0,
    auto_approved INTEGER NOT NULL DEFAULT 0,
    approved_by TEXT,
    approval_time DATETIME,
    denied_by TEXT,
    denial_reason TEXT,
    active INTEGER NOT NULL DEFAULT 0,
    start_time DATETIME,
    end_time DATETIME,
    ended_by TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (admin_id) REFERENCES users(id),
    FOREIGN KEY (target_user_id) REFERENCES users(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_impersonation_one_active
    ON impersonation_sessions(admin_id, target_user_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_impersonation_admin_active
    ON impersonation_sessions(admin_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_impersonation_created
    ON impersonation_sessions(created_at DESC);

-- Actions attributed to impersonation sessions (append-only)
CREATE TABLE IF NOT EXISTS impersonation_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    resource_type TEXT,
    resource_id TEXT,
    old_values TEXT,
    new_values TEXT,
    ip_address TEXT,
    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (session_id) REFERENCES impersonation_sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_impersonation_actions_session
    ON impersonation_actions(session_id, timestamp);

-- General audit log
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
    actor_user_id TEXT,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    risk_level TEXT NOT NULL DEFAULT 'low',
    changes TEXT,
    ip_address TEXT,
    user_agent TEXT,
    FOREIGN KEY (actor_user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_risk ON audit_log(risk_level, timestamp);
`
}

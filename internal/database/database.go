package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrRunFinalized  = errors.New("run already finalized")
	ErrItemTerminal  = errors.New("item already in terminal state")
	ErrRetryExceeded = errors.New("item retry limit exceeded")
)

type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &DB{db: db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.db.BeginTx(ctx, opts)
}

// migrations are applied once, in order, at startup. Application code targets
// the final schema shape only; there is no runtime schema introspection.
var migrations = []string{
	// 1: owned state tables
	`CREATE TABLE IF NOT EXISTS account_state (
        account_id TEXT PRIMARY KEY,
        last_uid INTEGER NOT NULL DEFAULT 0,
        last_checked_at DATETIME,
        last_backfill_at DATETIME,
        last_connected_at DATETIME,
        consecutive_failures INTEGER NOT NULL DEFAULT 0,
        cooldown_until DATETIME,
        updated_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS sync_runs (
        id TEXT PRIMARY KEY,
        account_id TEXT NOT NULL,
        trigger_source TEXT NOT NULL,
        status TEXT NOT NULL,
        dry_run BOOLEAN NOT NULL DEFAULT 0,
        scanned INTEGER NOT NULL DEFAULT 0,
        matched INTEGER NOT NULL DEFAULT 0,
        inserted INTEGER NOT NULL DEFAULT 0,
        failed INTEGER NOT NULL DEFAULT 0,
        skipped_duplicate INTEGER NOT NULL DEFAULT 0,
        cursor_before INTEGER NOT NULL DEFAULT 0,
        cursor_after INTEGER NOT NULL DEFAULT 0,
        error_code TEXT NOT NULL DEFAULT '',
        error_message TEXT NOT NULL DEFAULT '',
        skipped_reasons TEXT NOT NULL DEFAULT '',
        failed_reasons TEXT NOT NULL DEFAULT '',
        started_at DATETIME NOT NULL,
        finished_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_sync_runs_account ON sync_runs(account_id, started_at);
    CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
    CREATE TABLE IF NOT EXISTS sync_items (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        account_id TEXT NOT NULL,
        uid INTEGER NOT NULL,
        status TEXT NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        message_id TEXT NOT NULL DEFAULT '',
        header_date DATETIME,
        preview TEXT NOT NULL DEFAULT '',
        reservation_id INTEGER,
        retry_count INTEGER NOT NULL DEFAULT 0,
        next_retry_at DATETIME,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_sync_items_run ON sync_items(run_id);
    CREATE INDEX IF NOT EXISTS idx_sync_items_retry ON sync_items(account_id, status, next_retry_at);`,

	// 2: capture and staging tables
	`CREATE TABLE IF NOT EXISTS raw_captures (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        account_id TEXT NOT NULL,
        uid INTEGER NOT NULL,
        message_id TEXT NOT NULL DEFAULT '',
        fields TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        UNIQUE(account_id, uid)
    );
    CREATE TABLE IF NOT EXISTS manual_staging (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        account_id TEXT NOT NULL,
        uid INTEGER NOT NULL,
        message_id TEXT NOT NULL DEFAULT '',
        listing_name TEXT NOT NULL DEFAULT '',
        guest_name TEXT NOT NULL DEFAULT '',
        confirmation_code TEXT NOT NULL DEFAULT '',
        checkin DATETIME,
        checkout DATETIME,
        price REAL NOT NULL DEFAULT 0,
        cleaning_fee REAL NOT NULL DEFAULT 0,
        resolved BOOLEAN NOT NULL DEFAULT 0,
        created_at DATETIME NOT NULL
    );`,

	// 3: reservation store and property directory
	`CREATE TABLE IF NOT EXISTS reservations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        idempotency_key TEXT NOT NULL UNIQUE,
        source TEXT NOT NULL,
        confirmation_code TEXT NOT NULL DEFAULT '',
        property_id INTEGER NOT NULL,
        guest_name TEXT NOT NULL DEFAULT '',
        checkin DATETIME NOT NULL,
        checkout DATETIME NOT NULL,
        nights INTEGER NOT NULL DEFAULT 0,
        price REAL NOT NULL DEFAULT 0,
        cleaning_fee REAL NOT NULL DEFAULT 0,
        net_income REAL NOT NULL DEFAULT 0,
        avg_nightly_price REAL NOT NULL DEFAULT 0,
        status TEXT NOT NULL DEFAULT 'active',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_reservations_code ON reservations(source, confirmation_code);
    CREATE INDEX IF NOT EXISTS idx_reservations_property ON reservations(property_id, checkin);
    CREATE TABLE IF NOT EXISTS properties (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL,
        active BOOLEAN NOT NULL DEFAULT 1
    );`,

	// 4: outbox for reservation-changed events
	`CREATE TABLE IF NOT EXISTS outbox (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        reservation_id INTEGER NOT NULL,
        change_type TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        retry_count INTEGER NOT NULL DEFAULT 0,
        last_error TEXT,
        created_at DATETIME NOT NULL,
        processed_at DATETIME,
        next_retry_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_retry_at);`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL
    )`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

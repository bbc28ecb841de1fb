package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hostsync/internal/models"
)

// EnsureAccountState returns the state row for the account, creating it lazily
// with a zero cursor on first sight.
func (db *DB) EnsureAccountState(ctx context.Context, accountID string) (*models.AccountState, error) {
	state, err := db.GetAccountState(ctx, accountID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx,
		`INSERT INTO account_state (account_id, last_uid, consecutive_failures, updated_at)
         VALUES (?, 0, 0, ?)
         ON CONFLICT(account_id) DO NOTHING`,
		accountID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create account state: %w", err)
	}

	return db.GetAccountState(ctx, accountID)
}

func (db *DB) GetAccountState(ctx context.Context, accountID string) (*models.AccountState, error) {
	query := `SELECT account_id, last_uid, last_checked_at, last_backfill_at, last_connected_at,
                     consecutive_failures, cooldown_until, updated_at
              FROM account_state WHERE account_id = ?`

	var s models.AccountState
	err := db.QueryRowContext(ctx, query, accountID).Scan(
		&s.AccountID, &s.LastUID, &s.LastCheckedAt, &s.LastBackfillAt, &s.LastConnectedAt,
		&s.ConsecutiveFailures, &s.CooldownUntil, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account state: %w", err)
	}
	return &s, nil
}

// SaveAccountState writes the full state row. Callers hold the account's
// advisory lock, so last-write-wins is safe here.
func (db *DB) SaveAccountState(ctx context.Context, s *models.AccountState) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := db.ExecContext(ctx,
		`UPDATE account_state
         SET last_uid = ?, last_checked_at = ?, last_backfill_at = ?, last_connected_at = ?,
             consecutive_failures = ?, cooldown_until = ?, updated_at = ?
         WHERE account_id = ?`,
		s.LastUID, s.LastCheckedAt, s.LastBackfillAt, s.LastConnectedAt,
		s.ConsecutiveFailures, s.CooldownUntil, s.UpdatedAt, s.AccountID,
	)
	if err != nil {
		return fmt.Errorf("save account state: %w", err)
	}
	return nil
}

// AdvanceCursor moves the account cursor forward. The cursor never moves
// backwards even if a caller passes a smaller UID.
func (db *DB) AdvanceCursor(ctx context.Context, accountID string, uid uint32) error {
	_, err := db.ExecContext(ctx,
		`UPDATE account_state SET last_uid = ?, updated_at = ?
         WHERE account_id = ? AND last_uid < ?`,
		uid, time.Now().UTC(), accountID, uid,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

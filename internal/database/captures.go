package database

import (
	"context"
	"fmt"
	"time"

	"hostsync/internal/models"
)

// SaveRawCapture stores the parsed-field snapshot for a message, replacing any
// previous capture for the same (account, uid).
func (db *DB) SaveRawCapture(ctx context.Context, c *models.RawCapture) error {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx,
		`INSERT INTO raw_captures (account_id, uid, message_id, fields, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(account_id, uid) DO UPDATE SET message_id = excluded.message_id,
             fields = excluded.fields, created_at = excluded.created_at`,
		c.AccountID, c.UID, c.MessageID, c.Fields, now,
	)
	if err != nil {
		return fmt.Errorf("save raw capture: %w", err)
	}
	c.CreatedAt = now
	return nil
}

func (db *DB) CreateStagingEntry(ctx context.Context, e *models.StagingEntry) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO manual_staging (account_id, uid, message_id, listing_name, guest_name,
                                     confirmation_code, checkin, checkout, price, cleaning_fee,
                                     resolved, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		e.AccountID, e.UID, e.MessageID, e.ListingName, e.GuestName,
		e.ConfirmationCode, e.Checkin, e.Checkout, e.Price, e.CleaningFee, now,
	)
	if err != nil {
		return fmt.Errorf("create staging entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("staging entry insert id: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	return nil
}

func (db *DB) ListUnresolvedStaging(ctx context.Context, limit int) ([]models.StagingEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, account_id, uid, message_id, listing_name, guest_name,
                confirmation_code, checkin, checkout, price, cleaning_fee, resolved, created_at
         FROM manual_staging WHERE resolved = 0 ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unresolved staging: %w", err)
	}
	defer rows.Close()

	var entries []models.StagingEntry
	for rows.Next() {
		var e models.StagingEntry
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.UID, &e.MessageID, &e.ListingName, &e.GuestName,
			&e.ConfirmationCode, &e.Checkin, &e.Checkout, &e.Price, &e.CleaningFee, &e.Resolved, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan staging entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) MarkStagingResolved(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `UPDATE manual_staging SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark staging resolved: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

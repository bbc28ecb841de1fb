package database

import (
	"context"
	"fmt"
	"time"

	"hostsync/internal/models"
)

func (db *DB) CreateItem(ctx context.Context, item *models.SyncItem) error {
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	res, err := db.ExecContext(ctx,
		`INSERT INTO sync_items (run_id, account_id, uid, status, reason, message_id, header_date,
                                 preview, reservation_id, retry_count, next_retry_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.RunID, item.AccountID, item.UID, item.Status, item.Reason, item.MessageID, item.HeaderDate,
		item.Preview, item.ReservationID, item.RetryCount, item.NextRetryAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("create sync item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sync item insert id: %w", err)
	}
	item.ID = id
	return nil
}

// UpdateItemStatus advances the item's state. Terminal states are guarded at
// the SQL level and never overwritten.
func (db *DB) UpdateItemStatus(ctx context.Context, id int64, status string, reason models.Reason, reservationID *int64, preview string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_items
         SET status = ?, reason = ?,
             reservation_id = COALESCE(?, reservation_id),
             preview = CASE WHEN ? != '' THEN ? ELSE preview END,
             updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		status, reason, reservationID, preview, preview, time.Now().UTC(),
		id,
		models.ItemStatusInserted, models.ItemStatusUpdated, models.ItemStatusSkipped, models.ItemStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("update sync item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync item: %w", err)
	}
	if affected == 0 {
		return ErrItemTerminal
	}
	return nil
}

// ScheduleItemRetry re-queues a failed item with the next backoff tier, or
// marks it terminally failed once the tiers are exhausted. The passed reason
// is the one recorded if this failure is the item's last.
func (db *DB) ScheduleItemRetry(ctx context.Context, item *models.SyncItem, reason models.Reason) error {
	if item.RetryCount >= models.MaxItemRetries {
		if err := db.UpdateItemStatus(ctx, item.ID, models.ItemStatusFailed, reason, nil, ""); err != nil {
			return err
		}
		item.Status = models.ItemStatusFailed
		item.Reason = reason
		return ErrRetryExceeded
	}

	delay := models.RetryDelays[item.RetryCount]
	next := time.Now().UTC().Add(delay)

	res, err := db.ExecContext(ctx,
		`UPDATE sync_items
         SET status = ?, reason = ?, retry_count = retry_count + 1, next_retry_at = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		models.ItemStatusRetry, models.ReasonRetryScheduled, next, time.Now().UTC(),
		item.ID,
		models.ItemStatusInserted, models.ItemStatusUpdated, models.ItemStatusSkipped, models.ItemStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("schedule item retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule item retry: %w", err)
	}
	if affected == 0 {
		return ErrItemTerminal
	}

	item.Status = models.ItemStatusRetry
	item.Reason = models.ReasonRetryScheduled
	item.RetryCount++
	item.NextRetryAt = &next
	return nil
}

// GetDueRetryItems returns retry items whose next_retry_at has elapsed,
// oldest first, so the orchestrator drains them before scanning new UIDs.
func (db *DB) GetDueRetryItems(ctx context.Context, accountID string, limit int) ([]models.SyncItem, error) {
	rows, err := db.QueryContext(ctx,
		itemSelect+`
         WHERE account_id = ? AND status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
         ORDER BY next_retry_at ASC LIMIT ?`,
		accountID, models.ItemStatusRetry, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get due retry items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (db *DB) ListRunItems(ctx context.Context, runID string) ([]models.SyncItem, error) {
	rows, err := db.QueryContext(ctx,
		itemSelect+` WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

const itemSelect = `SELECT id, run_id, account_id, uid, status, reason, message_id, header_date,
       preview, reservation_id, retry_count, next_retry_at, created_at, updated_at
FROM sync_items`

func scanItems(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]models.SyncItem, error) {
	var items []models.SyncItem
	for rows.Next() {
		var it models.SyncItem
		err := rows.Scan(
			&it.ID, &it.RunID, &it.AccountID, &it.UID, &it.Status, &it.Reason, &it.MessageID, &it.HeaderDate,
			&it.Preview, &it.ReservationID, &it.RetryCount, &it.NextRetryAt, &it.CreatedAt, &it.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

package database

import (
	"context"
	"fmt"
	"time"

	"hostsync/internal/models"
)

func (db *DB) CreateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	now := time.Now().UTC()
	if ev.Status == "" {
		ev.Status = models.OutboxPending
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO outbox (reservation_id, change_type, status, retry_count, last_error, created_at, next_retry_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ReservationID, ev.ChangeType, ev.Status, ev.RetryCount, ev.LastError, now, ev.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("create outbox event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("outbox insert id: %w", err)
	}
	ev.ID = id
	ev.CreatedAt = now
	return nil
}

// GetDueOutboxEvents returns pending and due-retry events, oldest first.
func (db *DB) GetDueOutboxEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, reservation_id, change_type, status, retry_count, last_error, created_at, processed_at, next_retry_at
         FROM outbox
         WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
         ORDER BY created_at ASC LIMIT ?`,
		models.OutboxPending, models.OutboxRetry, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get due outbox events: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		err := rows.Scan(
			&ev.ID, &ev.ReservationID, &ev.ChangeType, &ev.Status, &ev.RetryCount,
			&ev.LastError, &ev.CreatedAt, &ev.ProcessedAt, &ev.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (db *DB) UpdateOutboxStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []any
	now := time.Now().UTC()

	switch status {
	case models.OutboxRetry:
		query = `UPDATE outbox SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []any{status, errMsg, nextRetryAt, id}
	case models.OutboxCompleted, models.OutboxFailed:
		query = `UPDATE outbox SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []any{status, nullIfEmpty(errMsg), nextRetryAt, now, id}
	default:
		query = `UPDATE outbox SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []any{status, nullIfEmpty(errMsg), nextRetryAt, id}
	}

	_, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox status: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

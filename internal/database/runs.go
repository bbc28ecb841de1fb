package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hostsync/internal/models"
)

func (db *DB) CreateRun(ctx context.Context, run *models.SyncRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, account_id, trigger_source, status, dry_run, cursor_before, started_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AccountID, run.Trigger, run.Status, run.DryRun, run.CursorBefore, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

// FinalizeRun writes the run's terminal state exactly once. A second finalize
// attempt returns ErrRunFinalized.
func (db *DB) FinalizeRun(ctx context.Context, run *models.SyncRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now

	res, err := db.ExecContext(ctx,
		`UPDATE sync_runs
         SET status = ?, scanned = ?, matched = ?, inserted = ?, failed = ?, skipped_duplicate = ?,
             cursor_after = ?, error_code = ?, error_message = ?,
             skipped_reasons = ?, failed_reasons = ?, finished_at = ?
         WHERE id = ? AND status = ?`,
		run.Status, run.Scanned, run.Matched, run.Inserted, run.Failed, run.SkippedDuplicate,
		run.CursorAfter, run.ErrorCode, run.ErrorMessage,
		encodeReasons(run.SkippedReasonCounts), encodeReasons(run.FailedReasonCounts), now,
		run.ID, models.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}
	if affected == 0 {
		return ErrRunFinalized
	}
	return nil
}

func (db *DB) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	row := db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return run, nil
}

func (db *DB) ListRuns(ctx context.Context, accountID string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := runSelect
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRunsBetween returns runs started inside [from, to), oldest first.
func (db *DB) ListRunsBetween(ctx context.Context, from, to time.Time) ([]models.SyncRun, error) {
	rows, err := db.QueryContext(ctx,
		runSelect+` WHERE started_at >= ? AND started_at < ? ORDER BY started_at ASC`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list sync runs by range: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// SweepStaleRuns force-fails runs stuck in running for longer than age.
// Returns the ids of swept runs.
func (db *DB) SweepStaleRuns(ctx context.Context, age time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-age)

	rows, err := db.QueryContext(ctx,
		`SELECT id FROM sync_runs WHERE status = ? AND started_at < ?`,
		models.RunStatusRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		_, err := db.ExecContext(ctx,
			`UPDATE sync_runs SET status = ?, error_code = ?, error_message = ?, finished_at = ?
             WHERE id = ? AND status = ?`,
			models.RunStatusFailed, string(models.ErrCodeStale), "run exceeded staleness limit", now,
			id, models.RunStatusRunning,
		)
		if err != nil {
			return nil, fmt.Errorf("sweep stale run %s: %w", id, err)
		}
	}
	return ids, nil
}

const runSelect = `SELECT id, account_id, trigger_source, status, dry_run,
       scanned, matched, inserted, failed, skipped_duplicate,
       cursor_before, cursor_after, error_code, error_message,
       skipped_reasons, failed_reasons, started_at, finished_at
FROM sync_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.SyncRun, error) {
	var run models.SyncRun
	var skipped, failed string
	err := row.Scan(
		&run.ID, &run.AccountID, &run.Trigger, &run.Status, &run.DryRun,
		&run.Scanned, &run.Matched, &run.Inserted, &run.Failed, &run.SkippedDuplicate,
		&run.CursorBefore, &run.CursorAfter, &run.ErrorCode, &run.ErrorMessage,
		&skipped, &failed, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.SkippedReasonCounts = decodeReasons(skipped)
	run.FailedReasonCounts = decodeReasons(failed)
	return &run, nil
}

func encodeReasons(m map[string]int) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeReasons(s string) map[string]int {
	if s == "" {
		return nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

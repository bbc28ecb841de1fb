package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hostsync/internal/models"
)

// UpsertReservation inserts the reservation unless a row already holds its
// idempotency key. Insert-on-conflict-do-nothing followed by a key lookup
// guarantees at-least-once processing never creates two canonical rows for
// one booking. The idempotency key always wins over any content heuristic:
// messages without a confirmation code fall back to the composite key built
// in models, so there is no second dedup pass to race with.
func (db *DB) UpsertReservation(ctx context.Context, r *models.Reservation) (bool, error) {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = r.Key()
	}
	now := time.Now().UTC()

	res, err := db.ExecContext(ctx,
		`INSERT INTO reservations (idempotency_key, source, confirmation_code, property_id, guest_name,
                                   checkin, checkout, nights, price, cleaning_fee, net_income, avg_nightly_price,
                                   status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(idempotency_key) DO NOTHING`,
		r.IdempotencyKey, r.Source, r.ConfirmationCode, r.PropertyID, r.GuestName,
		r.Checkin, r.Checkout, r.Nights, r.Price, r.CleaningFee, r.NetIncome, r.AvgNightlyPrice,
		models.ReservationActive, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert reservation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert reservation: %w", err)
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("reservation insert id: %w", err)
		}
		r.ID = id
		r.Status = models.ReservationActive
		r.CreatedAt = now
		r.UpdatedAt = now
		return true, nil
	}

	// Duplicate: recover the existing row's id for downstream notification.
	existing, err := db.GetReservationByKey(ctx, r.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("lookup duplicate reservation: %w", err)
	}
	r.ID = existing.ID
	r.Status = existing.Status
	r.CreatedAt = existing.CreatedAt
	return false, nil
}

// ApplyReservationUpdate refreshes the mutable fields of an existing
// reservation, used for alteration emails that hit an existing key.
func (db *DB) ApplyReservationUpdate(ctx context.Context, r *models.Reservation) error {
	_, err := db.ExecContext(ctx,
		`UPDATE reservations
         SET guest_name = ?, checkin = ?, checkout = ?, nights = ?,
             price = ?, cleaning_fee = ?, net_income = ?, avg_nightly_price = ?,
             status = ?, updated_at = ?
         WHERE id = ?`,
		r.GuestName, r.Checkin, r.Checkout, r.Nights,
		r.Price, r.CleaningFee, r.NetIncome, r.AvgNightlyPrice,
		models.ReservationActive, time.Now().UTC(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return nil
}

// CancelReservation marks the reservation matching (source, code) cancelled.
func (db *DB) CancelReservation(ctx context.Context, source, code string) (int64, error) {
	existing, err := db.GetReservationByKey(ctx, models.ReservationKey(source, code))
	if err != nil {
		return 0, err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`,
		models.ReservationCancelled, time.Now().UTC(), existing.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel reservation: %w", err)
	}
	return existing.ID, nil
}

func (db *DB) GetReservationByKey(ctx context.Context, key string) (*models.Reservation, error) {
	row := db.QueryRowContext(ctx, reservationSelect+` WHERE idempotency_key = ?`, key)
	return scanReservation(row)
}

func (db *DB) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	row := db.QueryRowContext(ctx, reservationSelect+` WHERE id = ?`, id)
	return scanReservation(row)
}

const reservationSelect = `SELECT id, idempotency_key, source, confirmation_code, property_id, guest_name,
       checkin, checkout, nights, price, cleaning_fee, net_income, avg_nightly_price,
       status, created_at, updated_at
FROM reservations`

func scanReservation(row *sql.Row) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(
		&r.ID, &r.IdempotencyKey, &r.Source, &r.ConfirmationCode, &r.PropertyID, &r.GuestName,
		&r.Checkin, &r.Checkout, &r.Nights, &r.Price, &r.CleaningFee, &r.NetIncome, &r.AvgNightlyPrice,
		&r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return &r, nil
}

package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	ReservationActive    = "active"
	ReservationCancelled = "cancelled"
)

// Reservation is the canonical record merged into the booking store. At most
// one row exists per idempotency key.
type Reservation struct {
	ID               int64     `json:"id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Source           string    `json:"source"`
	ConfirmationCode string    `json:"confirmation_code"`
	PropertyID       int64     `json:"property_id"`
	GuestName        string    `json:"guest_name"`
	Checkin          time.Time `json:"checkin"`
	Checkout         time.Time `json:"checkout"`
	Nights           int       `json:"nights"`
	Price            float64   `json:"price"`
	CleaningFee      float64   `json:"cleaning_fee"`
	NetIncome        float64   `json:"net_income"`
	AvgNightlyPrice  float64   `json:"avg_nightly_price"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Key derives the reservation's idempotency key. A confirmation code wins;
// without one the key is a composite of property, dates and guest, so content
// duplicates collapse only when the code is absent.
func (r *Reservation) Key() string {
	if r.ConfirmationCode != "" {
		return ReservationKey(r.Source, r.ConfirmationCode)
	}
	return FallbackKey(r.Source, r.PropertyID, r.Checkin, r.Checkout, r.GuestName)
}

// ReservationKey builds the primary idempotency key.
func ReservationKey(source, code string) string {
	return fmt.Sprintf("src:%s:code:%s", source, strings.ToUpper(code))
}

// FallbackKey builds the composite key used when a message carries no
// confirmation code.
func FallbackKey(source string, propertyID int64, checkin, checkout time.Time, guest string) string {
	g := strings.Join(strings.Fields(strings.ToLower(guest)), " ")
	return fmt.Sprintf("src:%s:prop:%d:in:%s:out:%s:guest:%s",
		source, propertyID, checkin.Format("2006-01-02"), checkout.Format("2006-01-02"), g)
}

// Property is a row in the read-only property directory.
type Property struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// AccountState is the durable per-account cursor and health row, mutated only
// under the account's advisory lock.
type AccountState struct {
	AccountID           string     `json:"account_id"`
	LastUID             uint32     `json:"last_uid"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastBackfillAt      *time.Time `json:"last_backfill_at,omitempty"`
	LastConnectedAt     *time.Time `json:"last_connected_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// InCooldown reports whether the account is still cooling down at now.
func (s *AccountState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

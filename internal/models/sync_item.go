package models

import "time"

const (
	ItemStatusScanned  = "scanned"
	ItemStatusParsed   = "parsed"
	ItemStatusMapped   = "mapped"
	ItemStatusInserted = "inserted"
	ItemStatusUpdated  = "updated"
	ItemStatusSkipped  = "skipped"
	ItemStatusFailed   = "failed"
	ItemStatusRetry    = "retry"
)

// SyncItem is the audit row for one fetched message. Transitions are monotonic
// within a run (scanned → parsed → terminal); a failed item may be re-queued
// as retry across future runs.
type SyncItem struct {
	ID            int64      `json:"id"`
	RunID         string     `json:"run_id"`
	AccountID     string     `json:"account_id"`
	UID           uint32     `json:"uid"`
	Status        string     `json:"status"`
	Reason        Reason     `json:"reason,omitempty"`
	MessageID     string     `json:"message_id,omitempty"`
	HeaderDate    *time.Time `json:"header_date,omitempty"`
	Preview       string     `json:"preview,omitempty"`
	ReservationID *int64     `json:"reservation_id,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Terminal reports whether the item reached a state that must never be
// silently overwritten.
func (i *SyncItem) Terminal() bool {
	switch i.Status {
	case ItemStatusInserted, ItemStatusUpdated, ItemStatusSkipped, ItemStatusFailed:
		return true
	}
	return false
}

// RawCapture is a durable snapshot of parsed-but-unresolved fields, kept for
// manual reconciliation.
type RawCapture struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"account_id"`
	UID       uint32    `json:"uid"`
	MessageID string    `json:"message_id"`
	Fields    string    `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
}

// StagingEntry lands in the manual-resolution queue when a listing name does
// not resolve to a property.
type StagingEntry struct {
	ID               int64      `json:"id"`
	AccountID        string     `json:"account_id"`
	UID              uint32     `json:"uid"`
	MessageID        string     `json:"message_id"`
	ListingName      string     `json:"listing_name"`
	GuestName        string     `json:"guest_name"`
	ConfirmationCode string     `json:"confirmation_code"`
	Checkin          *time.Time `json:"checkin,omitempty"`
	Checkout         *time.Time `json:"checkout,omitempty"`
	Price            float64    `json:"price"`
	CleaningFee      float64    `json:"cleaning_fee"`
	Resolved         bool       `json:"resolved"`
	CreatedAt        time.Time  `json:"created_at"`
}

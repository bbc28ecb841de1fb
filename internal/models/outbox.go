package models

import "time"

const (
	ChangeInserted  = "inserted"
	ChangeUpdated   = "updated"
	ChangeCancelled = "cancelled"
)

const (
	OutboxPending   = "pending"
	OutboxRetry     = "retry"
	OutboxCompleted = "completed"
	OutboxFailed    = "failed"
)

// OutboxEvent is a durable "reservation changed" record. The sync pipeline
// writes it; the outbox worker delivers it to the task-generation service
// independently, so a collaborator outage never fails a sync run.
type OutboxEvent struct {
	ID            int64      `json:"id"`
	ReservationID int64      `json:"reservation_id"`
	ChangeType    string     `json:"change_type"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

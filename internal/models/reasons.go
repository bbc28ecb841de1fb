package models

// Reason is the closed set of per-message outcome codes. A reason is decided
// once, at the point of judgment, and carried as a value from then on.
type Reason string

const (
	ReasonInserted         Reason = "inserted"
	ReasonUpdated          Reason = "updated"
	ReasonDuplicate        Reason = "duplicate"
	ReasonCancelled        Reason = "cancelled"
	ReasonFailed           Reason = "failed"
	ReasonPropertyNotFound Reason = "property_not_found"
	ReasonMissingCode      Reason = "missing_confirmation_code"
	ReasonMissingDates     Reason = "missing_dates"
	ReasonNotWhitelisted   Reason = "not_whitelisted"
	ReasonRetryScheduled   Reason = "retry_scheduled"
)

// IsFailure reports whether the reason counts towards the run's failed total
// and therefore blocks the cursor from advancing.
func (r Reason) IsFailure() bool {
	return r == ReasonFailed || r == ReasonRetryScheduled
}

// SkipReason explains why a whole run was skipped. Skips are rate-limit
// conditions, not errors.
type SkipReason string

const (
	SkipLocked      SkipReason = "locked"
	SkipMinInterval SkipReason = "min_interval"
	SkipCooldown    SkipReason = "cooldown"
)

// ErrorCode is the machine-readable cause attached to a failed run.
type ErrorCode string

const (
	ErrCodeAuthFailed   ErrorCode = "imap_auth_failed"
	ErrCodeNetworkError ErrorCode = "imap_network_error"
	ErrCodeNoAccounts   ErrorCode = "no_accounts"
	ErrCodeStale        ErrorCode = "stale"
	ErrCodeInternal     ErrorCode = "internal"
)

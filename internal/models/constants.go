package models

import "time"

const (
	// MaxMessagesCeiling caps any caller-supplied per-run message limit.
	MaxMessagesCeiling = 500

	// MaxRunsCeiling caps the number of accounts processed per invocation.
	MaxRunsCeiling = 500

	// DefaultBatchSize messages per fetch batch.
	DefaultBatchSize = 20

	// DefaultWorkers goroutines per batch.
	DefaultWorkers = 4

	// MaxItemRetries failed retries before an item is terminally failed.
	MaxItemRetries = 3

	// CooldownFailureThreshold consecutive connect failures before cooldown.
	CooldownFailureThreshold = 3
)

const (
	// DefaultCooldown applied once the failure threshold is crossed.
	DefaultCooldown = 30 * time.Minute

	// DefaultMinInterval between two runs for the same account.
	DefaultMinInterval = time.Minute

	// StaleRunAge after which a still-running run is force-failed.
	StaleRunAge = 10 * time.Minute

	// DefaultLockTTL for the per-account advisory lock.
	DefaultLockTTL = 15 * time.Minute
)

// RetryDelays are the per-item retry tiers, indexed by retry_count at the time
// of failure: first failure +5m, second +15m, third +60m.
var RetryDelays = [MaxItemRetries]time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

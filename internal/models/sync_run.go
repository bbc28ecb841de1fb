package models

import "time"

const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)

const (
	TriggerManual   = "manual"
	TriggerCron     = "cron"
	TriggerBackfill = "backfill"
	TriggerAPI      = "api"
)

// SyncRun records one sync attempt for one account. Created once at run start,
// finalized exactly once.
type SyncRun struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account_id"`
	Trigger             string          `json:"trigger"`
	Status              string          `json:"status"`
	DryRun              bool            `json:"dry_run"`
	Scanned             int             `json:"scanned"`
	Matched             int             `json:"matched"`
	Inserted            int             `json:"inserted"`
	Failed              int             `json:"failed"`
	SkippedDuplicate    int             `json:"skipped_duplicate"`
	CursorBefore        uint32          `json:"cursor_before"`
	CursorAfter         uint32          `json:"cursor_after"`
	ErrorCode           string          `json:"error_code,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	SkippedReasonCounts map[string]int  `json:"skipped_reason_counts,omitempty"`
	FailedReasonCounts  map[string]int  `json:"failed_reason_counts,omitempty"`
	StartedAt           time.Time       `json:"started_at"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

// CountReason tallies a terminal item reason into the run's aggregate counters
// and histogram maps. Not safe for concurrent use; the orchestrator tallies
// under its own lock.
func (r *SyncRun) CountReason(reason Reason) {
	switch reason {
	case ReasonInserted, ReasonUpdated, ReasonCancelled:
		r.Matched++
		if reason == ReasonInserted {
			r.Inserted++
		}
	case ReasonDuplicate:
		r.Matched++
		r.SkippedDuplicate++
		r.bumpSkipped(reason)
	case ReasonFailed, ReasonRetryScheduled:
		r.Failed++
		r.bumpFailed(reason)
	default:
		r.bumpSkipped(reason)
	}
}

func (r *SyncRun) bumpSkipped(reason Reason) {
	if r.SkippedReasonCounts == nil {
		r.SkippedReasonCounts = make(map[string]int)
	}
	r.SkippedReasonCounts[string(reason)]++
}

func (r *SyncRun) bumpFailed(reason Reason) {
	if r.FailedReasonCounts == nil {
		r.FailedReasonCounts = make(map[string]int)
	}
	r.FailedReasonCounts[string(reason)]++
}

// RunStats is the aggregate returned to the caller of a job invocation.
type RunStats struct {
	Scanned          int `json:"scanned"`
	Matched          int `json:"matched"`
	Inserted         int `json:"inserted"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Failed           int `json:"failed"`
}

// Add folds one finalized run into the job-level stats.
func (s *RunStats) Add(run *SyncRun) {
	s.Scanned += run.Scanned
	s.Matched += run.Matched
	s.Inserted += run.Inserted
	s.SkippedDuplicate += run.SkippedDuplicate
	s.Failed += run.Failed
}

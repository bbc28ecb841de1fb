package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/events"
	"hostsync/internal/imap"
	"hostsync/internal/lock"
	"hostsync/internal/models"
	"hostsync/internal/resolver"

	"github.com/rs/zerolog"
)

const (
	ModeIncremental = "incremental"
	ModeBackfill    = "backfill"
)

// ErrNoAccounts means the configuration yields no enabled accounts to sync.
var ErrNoAccounts = errors.New("no accounts configured")

// Mailbox is the slice of an IMAP session the orchestrator needs, split out
// so tests can run the full pipeline against a fake server.
type Mailbox interface {
	SearchSinceUID(lastUID uint32, limit int) ([]uint32, error)
	SearchWindow(since, before time.Time, limit int) ([]uint32, error)
	Fetch(uids []uint32) ([]imap.Message, error)
	Close()
}

// Dialer opens a mailbox for one account.
type Dialer func(ctx context.Context, account config.AccountConfig, cfg config.IMAPConfig) (Mailbox, error)

// Options controls one job invocation.
type Options struct {
	Mode        string        `json:"mode"`
	Since       time.Time     `json:"since,omitempty"`
	Before      time.Time     `json:"before,omitempty"`
	DryRun      bool          `json:"dry_run"`
	MaxMessages int           `json:"max_messages"`
	MaxRuns     int           `json:"max_runs"`
	BatchSize   int           `json:"batch_size"`
	Workers     int           `json:"workers"`
	BatchSleep  time.Duration `json:"batch_sleep"`
	MinInterval time.Duration `json:"min_interval"`
	UIDs        []uint32      `json:"uids,omitempty"`
	Account     string        `json:"account,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
}

func (o *Options) normalize(sync config.SyncConfig) {
	if o.Mode == "" {
		o.Mode = ModeIncremental
	}
	if o.Trigger == "" {
		o.Trigger = models.TriggerManual
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = sync.MaxMessages
	}
	if o.MaxMessages <= 0 || o.MaxMessages > models.MaxMessagesCeiling {
		o.MaxMessages = models.MaxMessagesCeiling
	}
	if o.MaxRuns <= 0 || o.MaxRuns > models.MaxRunsCeiling {
		o.MaxRuns = models.MaxRunsCeiling
	}
	if o.BatchSize <= 0 {
		o.BatchSize = sync.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = models.DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = sync.Workers
	}
	if o.Workers <= 0 {
		o.Workers = models.DefaultWorkers
	}
	if o.BatchSleep < 0 {
		o.BatchSleep = 0
	}
	if o.MinInterval == 0 {
		o.MinInterval = sync.MinInterval
	}
}

// ScheduleRun points a caller at the audit row for one account.
type ScheduleRun struct {
	Account string `json:"account"`
	RunID   string `json:"run_id"`
}

// Result is the job-level response.
type Result struct {
	OK           bool            `json:"ok"`
	ScheduleRuns []ScheduleRun   `json:"schedule_runs"`
	Stats        models.RunStats `json:"stats"`
}

// Service orchestrates sync runs across all configured accounts.
type Service struct {
	cfg     *config.Config
	db      *database.DB
	locker  *lock.Locker
	bus     *events.EventBus
	dial    Dialer
	logger  zerolog.Logger
	tallyMu sync.Mutex
}

func New(cfg *config.Config, db *database.DB, locker *lock.Locker, bus *events.EventBus, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		db:     db,
		locker: locker,
		bus:    bus,
		dial: func(ctx context.Context, account config.AccountConfig, imapCfg config.IMAPConfig) (Mailbox, error) {
			sess, err := imap.Dial(ctx, account, imapCfg)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		logger: logger.With().Str("component", "sync").Logger(),
	}
}

// SetDialer swaps the mailbox factory. Used by tests and debug tooling.
func (s *Service) SetDialer(d Dialer) { s.dial = d }

// Run executes one sync job: accounts are processed sequentially, and one
// account's failure never aborts the job.
func (s *Service) Run(ctx context.Context, opts Options) (*Result, error) {
	opts.normalize(s.cfg.Sync)

	accounts := s.cfg.EnabledAccounts(opts.Account)
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	if len(accounts) > opts.MaxRuns {
		accounts = accounts[:opts.MaxRuns]
	}

	// One read-only snapshot of the property directory per invocation.
	idx, err := resolver.Build(ctx, s.db)
	if err != nil {
		return nil, err
	}

	result := &Result{OK: true}
	for _, account := range accounts {
		run := s.runAccount(ctx, account, opts, idx)
		result.ScheduleRuns = append(result.ScheduleRuns, ScheduleRun{Account: account.ID, RunID: run.ID})
		result.Stats.Add(run)

		if err := s.bus.PublishJSON(events.EventRunFinished, events.RunEventPayload{
			RunID:     run.ID,
			AccountID: run.AccountID,
			Status:    run.Status,
			Scanned:   run.Scanned,
			Inserted:  run.Inserted,
			Failed:    run.Failed,
		}); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("publish run event")
		}
	}
	return result, nil
}

// SweepStale force-fails running runs older than the staleness threshold.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	ids, err := s.db.SweepStaleRuns(ctx, models.StaleRunAge)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.logger.Warn().Str("run_id", id).Msg("force-failed stale run")
	}
	return len(ids), nil
}

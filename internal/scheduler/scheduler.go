package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/models"
	"hostsync/internal/service"

	"github.com/rs/zerolog"
)

// Runner is the slice of the sync service the scheduler drives.
type Runner interface {
	Run(ctx context.Context, opts service.Options) (*service.Result, error)
	SweepStale(ctx context.Context) (int, error)
}

// Scheduler triggers incremental syncs for all enabled accounts on a fixed
// interval and sweeps runs that died without finalizing.
type Scheduler struct {
	cfg    config.SyncConfig
	runner Runner
	logger zerolog.Logger
}

func New(cfg config.SyncConfig, runner Runner, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start blocks until ctx is cancelled. The first tick is delayed by a random
// jitter so restarting replicas do not all hammer the IMAP servers at once.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.CronInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	var jitter time.Duration
	if n := int64(interval / 10); n > 0 {
		jitter = time.Duration(rand.Int63n(n))
	}
	s.logger.Info().
		Dur("interval", interval).
		Dur("jitter", jitter).
		Msg("Scheduler started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if swept, err := s.runner.SweepStale(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Stale run sweep failed")
	} else if swept > 0 {
		s.logger.Warn().Int("count", swept).Msg("Force-failed stale runs")
	}

	opts := service.Options{
		Mode:        service.ModeIncremental,
		Trigger:     models.TriggerCron,
		MinInterval: s.cfg.MinInterval,
	}

	result, err := s.runner.Run(ctx, opts)
	if errors.Is(err, service.ErrNoAccounts) {
		s.logger.Warn().Msg("No enabled accounts to sync")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled sync failed")
		return
	}

	s.logger.Info().
		Int("runs", len(result.ScheduleRuns)).
		Int("scanned", result.Stats.Scanned).
		Int("inserted", result.Stats.Inserted).
		Int("failed", result.Stats.Failed).
		Msg("Scheduled sync finished")
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/imap"
	"hostsync/internal/lock"
	"hostsync/internal/metrics"
	"hostsync/internal/models"
	"hostsync/internal/resolver"

	"github.com/google/uuid"
)

// runAccount performs one sync attempt for one account and always returns a
// finalized run descriptor, even on skip.
func (s *Service) runAccount(ctx context.Context, account config.AccountConfig, opts Options, idx *resolver.Index) *models.SyncRun {
	log := s.logger.With().Str("account", account.ID).Logger()
	now := time.Now().UTC()

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Trigger:   opts.Trigger,
		Status:    models.RunStatusRunning,
		DryRun:    opts.DryRun,
		StartedAt: now,
	}

	lease, err := s.locker.TryLock(ctx, account.ID)
	if err != nil {
		if held, ok := lock.IsHeld(err); ok {
			return s.recordSkip(ctx, run, models.SkipLocked,
				fmt.Sprintf("retry after %s", held.RetryAt.UTC().Format(time.RFC3339)))
		}
		return s.recordFailure(ctx, run, models.ErrCodeInternal, err)
	}
	defer func() {
		if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("release account lock")
		}
	}()

	state, err := s.db.EnsureAccountState(ctx, account.ID)
	if err != nil {
		return s.recordFailure(ctx, run, models.ErrCodeInternal, err)
	}
	run.CursorBefore = state.LastUID

	if opts.MinInterval > 0 && len(opts.UIDs) == 0 && state.LastCheckedAt != nil {
		if next := state.LastCheckedAt.Add(opts.MinInterval); now.Before(next) {
			return s.recordSkip(ctx, run, models.SkipMinInterval,
				fmt.Sprintf("retry after %s", next.UTC().Format(time.RFC3339)))
		}
	}
	if state.InCooldown(now) {
		return s.recordSkip(ctx, run, models.SkipCooldown,
			fmt.Sprintf("retry after %s", state.CooldownUntil.UTC().Format(time.RFC3339)))
	}

	if err := s.db.CreateRun(ctx, run); err != nil {
		log.Error().Err(err).Msg("create run")
		run.Status = models.RunStatusFailed
		run.ErrorCode = string(models.ErrCodeInternal)
		run.ErrorMessage = err.Error()
		return run
	}

	state.LastCheckedAt = &now
	if opts.Mode == ModeBackfill {
		state.LastBackfillAt = &now
	}

	mbox, err := s.dial(ctx, account, s.cfg.IMAP)
	if err != nil {
		code := models.ErrCodeNetworkError
		kind := "network"
		if imap.IsAuthError(err) {
			code = models.ErrCodeAuthFailed
			kind = "auth"
		}
		metrics.IncIMAPError(account.ID, kind)

		state.ConsecutiveFailures++
		if state.ConsecutiveFailures >= models.CooldownFailureThreshold {
			until := now.Add(s.cooldown())
			state.CooldownUntil = &until
			log.Warn().Time("until", until).Int("failures", state.ConsecutiveFailures).Msg("account entering cooldown")
		}
		if err := s.db.SaveAccountState(ctx, state); err != nil {
			log.Error().Err(err).Msg("save account state")
		}
		return s.finalize(ctx, run, models.RunStatusFailed, code, err.Error())
	}
	defer mbox.Close()

	state.ConsecutiveFailures = 0
	state.CooldownUntil = nil
	state.LastConnectedAt = &now
	if err := s.db.SaveAccountState(ctx, state); err != nil {
		log.Error().Err(err).Msg("save account state")
	}

	maxUID := s.scanAccount(ctx, mbox, account, opts, idx, run, state.LastUID)

	status := models.RunStatusSuccess
	if run.ErrorCode != "" {
		status = models.RunStatusFailed
	}
	run.CursorAfter = run.CursorBefore
	if maxUID > run.CursorBefore {
		run.CursorAfter = maxUID
	}

	// The cursor moves forward only after a clean incremental pass; a dry run
	// records items but must leave the mailbox re-scannable.
	if status == models.RunStatusSuccess &&
		opts.Mode == ModeIncremental && len(opts.UIDs) == 0 && !opts.DryRun &&
		run.Failed == 0 && run.CursorAfter > run.CursorBefore {
		if err := s.db.AdvanceCursor(ctx, account.ID, run.CursorAfter); err != nil {
			log.Error().Err(err).Msg("advance cursor")
		}
	}

	finalized := s.finalize(ctx, run, status, "", "")
	metrics.ObserveRunDuration(account.ID, time.Since(now))
	log.Info().
		Str("run_id", run.ID).
		Str("status", finalized.Status).
		Int("scanned", run.Scanned).
		Int("inserted", run.Inserted).
		Int("failed", run.Failed).
		Uint32("cursor_after", run.CursorAfter).
		Msg("sync run finished")
	return finalized
}

// scanAccount drains due retry items, then new UIDs, in bounded batches.
// Returns the highest UID attempted.
func (s *Service) scanAccount(ctx context.Context, mbox Mailbox, account config.AccountConfig, opts Options, idx *resolver.Index, run *models.SyncRun, lastUID uint32) uint32 {
	log := s.logger.With().Str("account", account.ID).Str("run_id", run.ID).Logger()

	budget := opts.MaxMessages
	var maxUID uint32

	retryItems, err := s.db.GetDueRetryItems(ctx, account.ID, budget)
	if err != nil {
		log.Error().Err(err).Msg("load due retries")
	}
	byUID := make(map[uint32]*models.SyncItem, len(retryItems))
	retryUIDs := make([]uint32, 0, len(retryItems))
	for i := range retryItems {
		byUID[retryItems[i].UID] = &retryItems[i]
		retryUIDs = append(retryUIDs, retryItems[i].UID)
	}

	var newUIDs []uint32
	if remaining := budget - len(retryUIDs); remaining > 0 {
		switch {
		case len(opts.UIDs) > 0:
			newUIDs = opts.UIDs
			if len(newUIDs) > remaining {
				newUIDs = newUIDs[:remaining]
			}
		case opts.Mode == ModeBackfill:
			newUIDs, err = mbox.SearchWindow(opts.Since, opts.Before, remaining)
		default:
			newUIDs, err = mbox.SearchSinceUID(lastUID, remaining)
		}
		if err != nil {
			log.Error().Err(err).Msg("uid search failed")
			run.ErrorCode = string(models.ErrCodeNetworkError)
			run.ErrorMessage = err.Error()
		}
	}

	uids := retryUIDs
	for _, uid := range newUIDs {
		// A due retry already owns this UID's audit row.
		if _, dup := byUID[uid]; !dup {
			uids = append(uids, uid)
		}
	}
	for start := 0; start < len(uids); start += opts.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + opts.BatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		msgs, err := mbox.Fetch(batch)
		if err != nil {
			log.Error().Err(err).Uints32("uids", batch).Msg("fetch batch failed")
			// The whole batch is attempted; count each UID as a failure so the
			// cursor cannot advance past unfetched mail.
			for _, uid := range batch {
				s.tally(run, account.ID, models.ReasonFailed)
				if uid > maxUID {
					maxUID = uid
				}
			}
			continue
		}

		fetched := make(map[uint32]imap.Message, len(msgs))
		for _, m := range msgs {
			fetched[m.UID] = m
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, opts.Workers)
		for _, uid := range batch {
			if uid > maxUID {
				maxUID = uid
			}
			msg, ok := fetched[uid]
			if !ok {
				// Message vanished from the mailbox between search and fetch.
				s.expireItem(ctx, run, account, byUID[uid], uid)
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(msg imap.Message, item *models.SyncItem) {
				defer wg.Done()
				defer func() { <-sem }()
				s.processMessage(ctx, run, account, msg, item, idx, opts.DryRun)
			}(msg, byUID[uid])
		}
		wg.Wait()

		if opts.BatchSleep > 0 && end < len(uids) {
			select {
			case <-ctx.Done():
			case <-time.After(opts.BatchSleep):
			}
		}
	}
	return maxUID
}

func (s *Service) cooldown() time.Duration {
	if s.cfg.Sync.Cooldown > 0 {
		return s.cfg.Sync.Cooldown
	}
	return models.DefaultCooldown
}

// tally folds one terminal reason into the run counters. Safe under the batch
// worker pool.
func (s *Service) tally(run *models.SyncRun, accountID string, reason models.Reason) {
	s.tallyMu.Lock()
	run.Scanned++
	run.CountReason(reason)
	s.tallyMu.Unlock()
	metrics.IncItem(accountID, string(reason))
}

func (s *Service) recordSkip(ctx context.Context, run *models.SyncRun, reason models.SkipReason, msg string) *models.SyncRun {
	if err := s.db.CreateRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("account", run.AccountID).Msg("create skipped run")
	}
	run = s.finalize(ctx, run, models.RunStatusSkipped, models.ErrorCode(reason), msg)
	s.logger.Info().
		Str("account", run.AccountID).
		Str("run_id", run.ID).
		Str("reason", string(reason)).
		Msg("sync run skipped")
	return run
}

func (s *Service) recordFailure(ctx context.Context, run *models.SyncRun, code models.ErrorCode, cause error) *models.SyncRun {
	if err := s.db.CreateRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("account", run.AccountID).Msg("create failed run")
	}
	return s.finalize(ctx, run, models.RunStatusFailed, code, cause.Error())
}

func (s *Service) finalize(ctx context.Context, run *models.SyncRun, status string, code models.ErrorCode, msg string) *models.SyncRun {
	run.Status = status
	if code != "" {
		run.ErrorCode = string(code)
	}
	if msg != "" {
		run.ErrorMessage = msg
	}
	if err := s.db.FinalizeRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("finalize run")
	}
	metrics.IncRun(run.AccountID, run.Status)
	return run
}

// expireItem handles a UID that search returned but fetch could not produce.
func (s *Service) expireItem(ctx context.Context, run *models.SyncRun, account config.AccountConfig, item *models.SyncItem, uid uint32) {
	if item == nil {
		created := &models.SyncItem{RunID: run.ID, AccountID: account.ID, UID: uid, Status: models.ItemStatusScanned}
		if err := s.db.CreateItem(ctx, created); err != nil {
			s.logger.Error().Err(err).Uint32("uid", uid).Msg("create item for missing message")
			s.tally(run, account.ID, models.ReasonFailed)
			return
		}
		item = created
	}
	s.tally(run, account.ID, s.failItem(ctx, item, fmt.Errorf("message %d no longer in mailbox", uid)))
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/events"
	"hostsync/internal/extract"
	"hostsync/internal/imap"
	"hostsync/internal/models"
	"hostsync/internal/resolver"
)

// processMessage runs the full per-message pipeline: audit scanned, classify
// and extract, resolve the property, upsert idempotently, audit the terminal
// state. A panic inside the pipeline is confined to this message.
func (s *Service) processMessage(ctx context.Context, run *models.SyncRun, account config.AccountConfig, msg imap.Message, item *models.SyncItem, idx *resolver.Index, dryRun bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("account", account.ID).
				Str("run_id", run.ID).
				Uint32("uid", msg.UID).
				Msg("message pipeline panicked")
			if item != nil && item.ID != 0 {
				if err := s.db.UpdateItemStatus(ctx, item.ID, models.ItemStatusFailed, models.ReasonFailed, nil, ""); err != nil {
					s.logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark panicked item failed")
				}
			}
			s.tally(run, account.ID, models.ReasonFailed)
		}
	}()

	if item == nil {
		headerDate := msg.Date
		item = &models.SyncItem{
			RunID:      run.ID,
			AccountID:  account.ID,
			UID:        msg.UID,
			Status:     models.ItemStatusScanned,
			MessageID:  msg.MessageID,
			HeaderDate: &headerDate,
		}
		if err := s.db.CreateItem(ctx, item); err != nil {
			s.logger.Error().Err(err).Uint32("uid", msg.UID).Msg("create sync item")
			s.tally(run, account.ID, models.ReasonFailed)
			return
		}
	}

	reason := s.judge(ctx, account, msg, item, idx, dryRun)
	s.tally(run, account.ID, reason)
}

// judge decides the message's one canonical reason code and persists every
// side effect that decision implies.
func (s *Service) judge(ctx context.Context, account config.AccountConfig, msg imap.Message, item *models.SyncItem, idx *resolver.Index, dryRun bool) models.Reason {
	res := extract.Extract(extract.Input{
		From:       msg.From,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
		HeaderDate: msg.Date,
	}, account.SenderDomain)

	if res.Kind == extract.KindNotWhitelisted {
		s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonNotWhitelisted, nil, "")
		return models.ReasonNotWhitelisted
	}

	pv := preview(res)
	if err := s.db.UpdateItemStatus(ctx, item.ID, models.ItemStatusParsed, "", nil, pv); err != nil &&
		!errors.Is(err, database.ErrItemTerminal) {
		s.logger.Error().Err(err).Int64("item_id", item.ID).Msg("audit parsed")
	}

	if res.Kind == extract.KindCancellation {
		return s.judgeCancellation(ctx, account, item, res, pv, dryRun)
	}
	return s.judgeBooking(ctx, account, msg, item, res, idx, pv, dryRun)
}

func (s *Service) judgeCancellation(ctx context.Context, account config.AccountConfig, item *models.SyncItem, res extract.Result, pv string, dryRun bool) models.Reason {
	if res.ConfirmationCode == "" {
		s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonMissingCode, nil, pv)
		return models.ReasonMissingCode
	}
	if dryRun {
		s.terminalItem(ctx, item, models.ItemStatusUpdated, models.ReasonCancelled, nil, pv)
		return models.ReasonCancelled
	}

	id, err := s.db.CancelReservation(ctx, account.Source, res.ConfirmationCode)
	if err != nil {
		// A cancellation can outrun its own confirmation mail; the retry tiers
		// give the confirmation time to land.
		return s.failItem(ctx, item, fmt.Errorf("cancel %s: %w", res.ConfirmationCode, err))
	}

	cancelled := &models.Reservation{ID: id, Source: account.Source, ConfirmationCode: res.ConfirmationCode}
	if err := s.emitChange(ctx, account, item, cancelled, models.ChangeCancelled); err != nil {
		return s.failItem(ctx, item, err)
	}

	s.terminalItem(ctx, item, models.ItemStatusUpdated, models.ReasonCancelled, &id, pv)
	return models.ReasonCancelled
}

func (s *Service) judgeBooking(ctx context.Context, account config.AccountConfig, msg imap.Message, item *models.SyncItem, res extract.Result, idx *resolver.Index, pv string, dryRun bool) models.Reason {
	if !res.HasDates {
		if !dryRun {
			s.capture(ctx, account, msg, res)
		}
		s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonMissingDates, nil, pv)
		return models.ReasonMissingDates
	}
	// Without a code the fallback key needs the guest name to stay unique.
	if res.ConfirmationCode == "" && res.GuestName == "" {
		if !dryRun {
			s.capture(ctx, account, msg, res)
		}
		s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonMissingCode, nil, pv)
		return models.ReasonMissingCode
	}

	propertyID, ok := idx.Resolve(res.ListingName)
	if !ok {
		if !dryRun {
			s.capture(ctx, account, msg, res)
			s.stage(ctx, account, msg, res)
		}
		s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonPropertyNotFound, nil, pv)
		return models.ReasonPropertyNotFound
	}

	if err := s.db.UpdateItemStatus(ctx, item.ID, models.ItemStatusMapped, "", nil, pv); err != nil &&
		!errors.Is(err, database.ErrItemTerminal) {
		s.logger.Error().Err(err).Int64("item_id", item.ID).Msg("audit mapped")
	}

	resv := &models.Reservation{
		Source:           account.Source,
		ConfirmationCode: res.ConfirmationCode,
		PropertyID:       propertyID,
		GuestName:        res.GuestName,
		Checkin:          res.Checkin,
		Checkout:         res.Checkout,
		Nights:           res.Nights,
		Price:            res.Price,
		CleaningFee:      res.CleaningFee,
		NetIncome:        res.NetIncome,
		AvgNightlyPrice:  res.AvgNightlyPrice,
	}

	if dryRun {
		existing, err := s.db.GetReservationByKey(ctx, resv.Key())
		switch {
		case err == nil:
			s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonDuplicate, &existing.ID, pv)
			return models.ReasonDuplicate
		case errors.Is(err, database.ErrNotFound):
			s.terminalItem(ctx, item, models.ItemStatusInserted, models.ReasonInserted, nil, pv)
			return models.ReasonInserted
		default:
			return s.failItem(ctx, item, err)
		}
	}

	inserted, err := s.db.UpsertReservation(ctx, resv)
	if err != nil {
		return s.failItem(ctx, item, err)
	}

	if inserted {
		if err := s.emitChange(ctx, account, item, resv, models.ChangeInserted); err != nil {
			return s.failItem(ctx, item, err)
		}
		s.terminalItem(ctx, item, models.ItemStatusInserted, models.ReasonInserted, &resv.ID, pv)
		return models.ReasonInserted
	}

	if res.Kind == extract.KindAlteration {
		if err := s.db.ApplyReservationUpdate(ctx, resv); err != nil {
			return s.failItem(ctx, item, err)
		}
		if err := s.emitChange(ctx, account, item, resv, models.ChangeUpdated); err != nil {
			return s.failItem(ctx, item, err)
		}
		s.terminalItem(ctx, item, models.ItemStatusUpdated, models.ReasonUpdated, &resv.ID, pv)
		return models.ReasonUpdated
	}

	s.terminalItem(ctx, item, models.ItemStatusSkipped, models.ReasonDuplicate, &resv.ID, pv)
	return models.ReasonDuplicate
}

// emitChange writes the durable outbox row and notifies in-process listeners.
// The outbox write must succeed; the bus is fire and forget.
func (s *Service) emitChange(ctx context.Context, account config.AccountConfig, item *models.SyncItem, resv *models.Reservation, change string) error {
	ev := &models.OutboxEvent{ReservationID: resv.ID, ChangeType: change}
	if err := s.db.CreateOutboxEvent(ctx, ev); err != nil {
		return err
	}

	eventType := events.EventReservationCreated
	switch change {
	case models.ChangeUpdated:
		eventType = events.EventReservationUpdated
	case models.ChangeCancelled:
		eventType = events.EventReservationCancelled
	}
	payload := events.ReservationEventPayload{
		ReservationID:    resv.ID,
		Source:           resv.Source,
		ConfirmationCode: resv.ConfirmationCode,
		PropertyID:       resv.PropertyID,
		GuestName:        resv.GuestName,
		CheckIn:          resv.Checkin,
		CheckOut:         resv.Checkout,
		Status:           resv.Status,
		AccountID:        account.ID,
		RunID:            item.RunID,
	}
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Int64("reservation_id", resv.ID).Msg("publish reservation event")
	}
	return nil
}

func (s *Service) terminalItem(ctx context.Context, item *models.SyncItem, status string, reason models.Reason, reservationID *int64, pv string) {
	err := s.db.UpdateItemStatus(ctx, item.ID, status, reason, reservationID, pv)
	if err != nil && !errors.Is(err, database.ErrItemTerminal) {
		s.logger.Error().Err(err).Int64("item_id", item.ID).Str("status", status).Msg("audit terminal item state")
	}
}

// failItem schedules the next retry tier or, once the tiers are exhausted,
// marks the item terminally failed.
func (s *Service) failItem(ctx context.Context, item *models.SyncItem, cause error) models.Reason {
	s.logger.Error().
		Err(cause).
		Int64("item_id", item.ID).
		Uint32("uid", item.UID).
		Str("account", item.AccountID).
		Str("run_id", item.RunID).
		Msg("message processing failed")

	err := s.db.ScheduleItemRetry(ctx, item, models.ReasonFailed)
	switch {
	case err == nil:
		return models.ReasonRetryScheduled
	case errors.Is(err, database.ErrRetryExceeded), errors.Is(err, database.ErrItemTerminal):
		return models.ReasonFailed
	default:
		s.logger.Error().Err(err).Int64("item_id", item.ID).Msg("schedule item retry")
		return models.ReasonFailed
	}
}

// capture snapshots the parsed fields for manual reconciliation.
func (s *Service) capture(ctx context.Context, account config.AccountConfig, msg imap.Message, res extract.Result) {
	fields, err := json.Marshal(res)
	if err != nil {
		s.logger.Error().Err(err).Uint32("uid", msg.UID).Msg("encode raw capture")
		return
	}
	c := &models.RawCapture{AccountID: account.ID, UID: msg.UID, MessageID: msg.MessageID, Fields: string(fields)}
	if err := s.db.SaveRawCapture(ctx, c); err != nil {
		s.logger.Error().Err(err).Uint32("uid", msg.UID).Msg("save raw capture")
	}
}

// stage queues an unresolved listing for manual property mapping.
func (s *Service) stage(ctx context.Context, account config.AccountConfig, msg imap.Message, res extract.Result) {
	e := &models.StagingEntry{
		AccountID:        account.ID,
		UID:              msg.UID,
		MessageID:        msg.MessageID,
		ListingName:      res.ListingName,
		GuestName:        res.GuestName,
		ConfirmationCode: res.ConfirmationCode,
		Price:            res.Price,
		CleaningFee:      res.CleaningFee,
	}
	if res.HasDates {
		ci, co := res.Checkin, res.Checkout
		e.Checkin, e.Checkout = &ci, &co
	}
	if err := s.db.CreateStagingEntry(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("listing", res.ListingName).Msg("create staging entry")
	}
}

func preview(res extract.Result) string {
	parts := make([]string, 0, 3)
	if res.ConfirmationCode != "" {
		parts = append(parts, res.ConfirmationCode)
	}
	if res.ListingName != "" {
		parts = append(parts, res.ListingName)
	}
	if res.GuestName != "" {
		parts = append(parts, res.GuestName)
	}
	p := strings.Join(parts, " / ")
	if len(p) > 120 {
		p = p[:120]
	}
	return p
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hostsync/internal/database"
	"hostsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TaskService turns reservation changes into guest-task schedules
// (cleaning, check-in prep) on the collaborator side.
type TaskService interface {
	UpsertReservation(ctx context.Context, r *models.Reservation) error
	CancelReservation(ctx context.Context, reservationID int64) error
}

// OutboxWorker drains the outbox table and delivers each change to the
// task service. Delivery failures never touch the sync pipeline; they
// stay in the outbox with backoff until exhausted.
type OutboxWorker struct {
	db            *database.DB
	tasks         TaskService
	redis         *redis.Client
	retryPolicy   RetryPolicy
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        zerolog.Logger
}

// NewOutboxWorker builds a worker with sane defaults.
func NewOutboxWorker(db *database.DB, tasks TaskService, redisClient *redis.Client, retry RetryPolicy, logger zerolog.Logger) *OutboxWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	return &OutboxWorker{
		db:            db,
		tasks:         tasks,
		redis:         redisClient,
		retryPolicy:   retry,
		deadLetterKey: "hostsync:outbox:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger.With().Str("component", "outbox_worker").Logger(),
	}
}

// Start launches the delivery loop; stops when ctx is done.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("outbox worker started")
	defer w.logger.Info().Msg("outbox worker stopped")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n := w.DrainOnce(ctx); n > 0 {
			w.logger.Debug().Int("delivered", n).Msg("outbox batch processed")
		}
	}
}

// DrainOnce processes one batch of due events and reports how many it saw.
func (w *OutboxWorker) DrainOnce(ctx context.Context) int {
	events, err := w.db.GetDueOutboxEvents(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("fetch due outbox events")
		return 0
	}

	for i := range events {
		w.processEvent(ctx, &events[i])
	}
	return len(events)
}

func (w *OutboxWorker) processEvent(ctx context.Context, ev *models.OutboxEvent) {
	res, err := w.db.GetReservation(ctx, ev.ReservationID)
	if errors.Is(err, database.ErrNotFound) {
		// Reservation row gone; the event can never be delivered.
		w.failEvent(ctx, ev, err)
		return
	}
	if err != nil {
		w.retryOrFail(ctx, ev, err)
		return
	}

	if err := w.deliver(ctx, ev.ChangeType, res); err != nil {
		w.retryOrFail(ctx, ev, err)
		return
	}

	if err := w.db.UpdateOutboxStatus(ctx, ev.ID, models.OutboxCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("mark outbox completed")
	}
}

func (w *OutboxWorker) deliver(ctx context.Context, changeType string, res *models.Reservation) error {
	switch changeType {
	case models.ChangeInserted, models.ChangeUpdated:
		return w.tasks.UpsertReservation(ctx, res)
	case models.ChangeCancelled:
		return w.tasks.CancelReservation(ctx, res.ID)
	default:
		return fmt.Errorf("unknown change type: %s", changeType)
	}
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, ev *models.OutboxEvent, cause error) {
	attempt := ev.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failEvent(ctx, ev, cause)
		return
	}

	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.db.UpdateOutboxStatus(ctx, ev.ID, models.OutboxRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("mark outbox retry")
	}
}

func (w *OutboxWorker) failEvent(ctx context.Context, ev *models.OutboxEvent, cause error) {
	if err := w.db.UpdateOutboxStatus(ctx, ev.ID, models.OutboxFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("mark outbox failed")
	}
	w.pushDeadLetter(ctx, ev)
}

func (w *OutboxWorker) pushDeadLetter(ctx context.Context, ev *models.OutboxEvent) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		w.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("deadletter push")
	}
}

package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/models"

	"github.com/rs/zerolog"
)

func TestDeliverInserted(t *testing.T) {
	db := newTestDB(t)
	tasks := &fakeTasks{}
	w := NewOutboxWorker(db, tasks, nil, RetryPolicy{}, zerolog.Nop())

	ctx := context.Background()
	res := seedReservation(t, db, "HMAAA11111")
	ev := seedEvent(t, db, res.ID, models.ChangeInserted)

	w.processEvent(ctx, ev)

	status, retryCount, nextRetry := loadEventStatus(t, db, ev.ID)
	if status != models.OutboxCompleted {
		t.Fatalf("expected status=completed, got %s", status)
	}
	if retryCount != 0 {
		t.Fatalf("expected retry_count=0, got %d", retryCount)
	}
	if nextRetry.Valid {
		t.Fatalf("expected next_retry_at NULL on success")
	}
	if tasks.upsertCalls != 1 {
		t.Fatalf("expected upsert call, got %d", tasks.upsertCalls)
	}
}

func TestDeliverCancelled(t *testing.T) {
	db := newTestDB(t)
	tasks := &fakeTasks{}
	w := NewOutboxWorker(db, tasks, nil, RetryPolicy{}, zerolog.Nop())

	ctx := context.Background()
	res := seedReservation(t, db, "HMBBB22222")
	ev := seedEvent(t, db, res.ID, models.ChangeCancelled)

	w.processEvent(ctx, ev)

	status, _, _ := loadEventStatus(t, db, ev.ID)
	if status != models.OutboxCompleted {
		t.Fatalf("expected status=completed, got %s", status)
	}
	if tasks.cancelCalls != 1 {
		t.Fatalf("expected cancel call, got %d", tasks.cancelCalls)
	}
}

func TestDeliverRetryOnError(t *testing.T) {
	db := newTestDB(t)
	tasks := &fakeTasks{err: errors.New("boom")}
	w := NewOutboxWorker(db, tasks, nil, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}, zerolog.Nop())

	ctx := context.Background()
	res := seedReservation(t, db, "HMCCC33333")
	ev := seedEvent(t, db, res.ID, models.ChangeUpdated)

	w.processEvent(ctx, ev)

	status, retryCount, nextRetry := loadEventStatus(t, db, ev.ID)
	if status != models.OutboxRetry {
		t.Fatalf("expected status=retry, got %s", status)
	}
	if retryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", retryCount)
	}
	if !nextRetry.Valid || nextRetry.Time.Before(time.Now()) {
		t.Fatalf("expected next_retry_at in future, got %v", nextRetry)
	}
}

func TestDeliverFailAfterRetriesExhausted(t *testing.T) {
	db := newTestDB(t)
	tasks := &fakeTasks{err: errors.New("fatal")}
	w := NewOutboxWorker(db, tasks, nil, RetryPolicy{MaxRetries: 1}, zerolog.Nop())

	ctx := context.Background()
	res := seedReservation(t, db, "HMDDD44444")
	ev := seedEvent(t, db, res.ID, models.ChangeUpdated)

	w.processEvent(ctx, ev)

	status, _, _ := loadEventStatus(t, db, ev.ID)
	if status != models.OutboxFailed {
		t.Fatalf("expected status=failed, got %s", status)
	}
}

func TestDeliverMissingReservation(t *testing.T) {
	db := newTestDB(t)
	tasks := &fakeTasks{}
	w := NewOutboxWorker(db, tasks, nil, RetryPolicy{MaxRetries: 5}, zerolog.Nop())

	ctx := context.Background()
	ev := seedEvent(t, db, 99999, models.ChangeInserted)

	w.processEvent(ctx, ev)

	status, _, _ := loadEventStatus(t, db, ev.ID)
	if status != models.OutboxFailed {
		t.Fatalf("expected status=failed for missing reservation, got %s", status)
	}
	if tasks.upsertCalls != 0 {
		t.Fatalf("expected no delivery attempt, got %d", tasks.upsertCalls)
	}
}

func TestDrainOnceProcessesBatch(t *testing.T) {
	db := newTestDB(t)
	tasks := &fakeTasks{}
	w := NewOutboxWorker(db, tasks, nil, RetryPolicy{}, zerolog.Nop())

	ctx := context.Background()
	res := seedReservation(t, db, "HMEEE55555")
	seedEvent(t, db, res.ID, models.ChangeInserted)
	seedEvent(t, db, res.ID, models.ChangeUpdated)

	if n := w.DrainOnce(ctx); n != 2 {
		t.Fatalf("expected 2 events drained, got %d", n)
	}
	if tasks.upsertCalls != 2 {
		t.Fatalf("expected 2 upserts, got %d", tasks.upsertCalls)
	}
	if n := w.DrainOnce(ctx); n != 0 {
		t.Fatalf("expected empty second drain, got %d", n)
	}
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	d1 := policy.NextDelay(1)
	d2 := policy.NextDelay(2)
	d3 := policy.NextDelay(5)

	if d1 != time.Second {
		t.Fatalf("attempt1 expected 1s, got %s", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("attempt2 expected 2s, got %s", d2)
	}
	if d3 != 5*time.Second {
		t.Fatalf("attempt5 expected capped 5s, got %s", d3)
	}
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.Jitter <= 0 {
		t.Fatal("default policy expected to carry jitter")
	}

	// attempt 3: 2s * 2^2 = 8s, jittered by ±20%.
	lo, hi := 6400*time.Millisecond, 9600*time.Millisecond
	for i := 0; i < 50; i++ {
		d := policy.NextDelay(3)
		if d < lo || d > hi {
			t.Fatalf("attempt3 delay %s outside [%s, %s]", d, lo, hi)
		}
	}

	// Jitter never drops a delay below the initial one.
	tight := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 1, Jitter: 0.9}
	for i := 0; i < 50; i++ {
		if d := tight.NextDelay(1); d < time.Second {
			t.Fatalf("jittered delay %s below initial", d)
		}
	}
}

func TestHTTPTaskService(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotKey = req.Header.Get("X-API-Key")
		_ = json.NewDecoder(req.Body).Decode(&gotBody)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewHTTPTaskService(config.TaskSyncConfig{BaseURL: srv.URL, APIKey: "secret"})

	res := &models.Reservation{ID: 7, Source: "airbnb", ConfirmationCode: "HMFFF66666"}
	if err := svc.UpsertReservation(context.Background(), res); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if gotPath != "/api/v1/tasks/upsert" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotKey != "secret" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}

	if err := svc.CancelReservation(context.Background(), 7); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gotPath != "/api/v1/tasks/cancel" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["reservation_id"] != float64(7) {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestHTTPTaskServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewHTTPTaskService(config.TaskSyncConfig{BaseURL: srv.URL})
	if err := svc.UpsertReservation(context.Background(), &models.Reservation{ID: 1}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

// Helpers

type fakeTasks struct {
	err         error
	upsertCalls int
	cancelCalls int
}

func (f *fakeTasks) UpsertReservation(ctx context.Context, r *models.Reservation) error {
	f.upsertCalls++
	return f.err
}

func (f *fakeTasks) CancelReservation(ctx context.Context, id int64) error {
	f.cancelCalls++
	return f.err
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	db, err := database.New(path)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedReservation(t *testing.T, db *database.DB, code string) *models.Reservation {
	t.Helper()
	res := &models.Reservation{
		Source:           "airbnb",
		ConfirmationCode: code,
		GuestName:        "Dana",
		Checkin:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Checkout:         time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Nights:           3,
		Status:           "confirmed",
	}
	if _, err := db.UpsertReservation(context.Background(), res); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	return res
}

func seedEvent(t *testing.T, db *database.DB, reservationID int64, change string) *models.OutboxEvent {
	t.Helper()
	ev := &models.OutboxEvent{ReservationID: reservationID, ChangeType: change}
	if err := db.CreateOutboxEvent(context.Background(), ev); err != nil {
		t.Fatalf("seed outbox event: %v", err)
	}
	return ev
}

func loadEventStatus(t *testing.T, db *database.DB, id int64) (status string, retryCount int, nextRetry sql.NullTime) {
	t.Helper()
	row := db.QueryRowContext(context.Background(), `SELECT status, retry_count, next_retry_at FROM outbox WHERE id = ?`, id)
	if err := row.Scan(&status, &retryCount, &nextRetry); err != nil {
		t.Fatalf("scan event: %v", err)
	}
	return status, retryCount, nextRetry
}

package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hostsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening must not re-apply migrations.
	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()

	var version int
	err = db.QueryRowContext(context.Background(),
		`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestAccountStateLazyCreate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetAccountState(ctx, "acc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	state, err := db.EnsureAccountState(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", state.AccountID)
	assert.Equal(t, uint32(0), state.LastUID)
	assert.Equal(t, 0, state.ConsecutiveFailures)

	// Second ensure returns the same row.
	again, err := db.EnsureAccountState(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, state.AccountID, again.AccountID)
}

func TestSaveAccountState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	state, err := db.EnsureAccountState(ctx, "acc-1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	cooldown := now.Add(30 * time.Minute)
	state.LastUID = 42
	state.LastCheckedAt = &now
	state.ConsecutiveFailures = 2
	state.CooldownUntil = &cooldown
	require.NoError(t, db.SaveAccountState(ctx, state))

	got, err := db.GetAccountState(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.LastUID)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, got.InCooldown(now.Add(time.Minute)))
	assert.False(t, got.InCooldown(cooldown.Add(time.Second)))
}

func TestAdvanceCursorForwardOnly(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureAccountState(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, db.AdvanceCursor(ctx, "acc-1", 100))
	require.NoError(t, db.AdvanceCursor(ctx, "acc-1", 50)) // no-op

	got, err := db.GetAccountState(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got.LastUID)

	require.NoError(t, db.AdvanceCursor(ctx, "acc-1", 150))
	got, err = db.GetAccountState(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(150), got.LastUID)
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	run := &models.SyncRun{
		ID:           "run-1",
		AccountID:    "acc-1",
		Trigger:      models.TriggerManual,
		Status:       models.RunStatusRunning,
		CursorBefore: 10,
	}
	require.NoError(t, db.CreateRun(ctx, run))

	run.Status = models.RunStatusSuccess
	run.Scanned = 5
	run.Matched = 3
	run.Inserted = 2
	run.SkippedDuplicate = 1
	run.CursorAfter = 15
	run.SkippedReasonCounts = map[string]int{"duplicate": 1}
	require.NoError(t, db.FinalizeRun(ctx, run))

	// Exactly-once finalize.
	assert.ErrorIs(t, db.FinalizeRun(ctx, run), ErrRunFinalized)

	got, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 5, got.Scanned)
	assert.Equal(t, uint32(15), got.CursorAfter)
	assert.Equal(t, map[string]int{"duplicate": 1}, got.SkippedReasonCounts)
	require.NotNil(t, got.FinishedAt)
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		account := "acc-1"
		if id == "r3" {
			account = "acc-2"
		}
		require.NoError(t, db.CreateRun(ctx, &models.SyncRun{
			ID: id, AccountID: account, Trigger: models.TriggerCron, Status: models.RunStatusRunning,
		}))
	}

	all, err := db.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := db.ListRuns(ctx, "acc-2", 10)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "r3", one[0].ID)
}

func TestSweepStaleRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stale := &models.SyncRun{ID: "stale", AccountID: "a", Trigger: "manual",
		Status: models.RunStatusRunning, StartedAt: time.Now().UTC().Add(-time.Hour)}
	fresh := &models.SyncRun{ID: "fresh", AccountID: "a", Trigger: "manual",
		Status: models.RunStatusRunning}
	require.NoError(t, db.CreateRun(ctx, stale))
	require.NoError(t, db.CreateRun(ctx, fresh))

	swept, err := db.SweepStaleRuns(ctx, models.StaleRunAge)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, swept)

	got, err := db.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, string(models.ErrCodeStale), got.ErrorCode)

	got, err = db.GetRun(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

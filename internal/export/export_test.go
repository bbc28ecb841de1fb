package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"hostsync/internal/database"
	"hostsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteWorkbook(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	run := &models.SyncRun{ID: "run-1", AccountID: "host@example.com", Trigger: models.TriggerManual, Status: models.RunStatusRunning}
	require.NoError(t, db.CreateRun(ctx, run))
	item := &models.SyncItem{RunID: run.ID, AccountID: run.AccountID, UID: 42, Status: models.ItemStatusScanned}
	require.NoError(t, db.CreateItem(ctx, item))
	require.NoError(t, db.UpdateItemStatus(ctx, item.ID, models.ItemStatusInserted, models.ReasonInserted, nil, "HMABC12345 / Cozy Loft"))
	run.Status = models.RunStatusSuccess
	run.Scanned, run.Matched, run.Inserted = 1, 1, 1
	require.NoError(t, db.FinalizeRun(ctx, run))

	var buf bytes.Buffer
	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	require.NoError(t, New(db).WriteWorkbook(ctx, &buf, from, to))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	runs, err := f.GetRows("Runs")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(runs), 3, "title, header and one run row")
	assert.Equal(t, "run-1", runs[2][0])
	assert.Equal(t, "success", runs[2][3])

	items, err := f.GetRows("Items")
	require.NoError(t, err)
	require.Len(t, items, 2, "header and one item row")
	assert.Equal(t, "run-1", items[1][0])
	assert.Equal(t, "inserted", items[1][3])
	assert.Contains(t, items[1][6], "HMABC12345")
}

func TestWriteWorkbookEmptyRange(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, New(db).WriteWorkbook(context.Background(), &buf,
		time.Now().Add(-time.Hour), time.Now()))
	assert.NotZero(t, buf.Len())
}

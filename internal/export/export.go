// Package export renders run and item audit data into XLSX workbooks for
// operators who triage outside the database.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"hostsync/internal/database"
	"hostsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	runsSheet  = "Runs"
	itemsSheet = "Items"
)

type Exporter struct {
	db *database.DB
}

func New(db *database.DB) *Exporter {
	return &Exporter{db: db}
}

// WriteWorkbook streams an XLSX workbook covering runs started in [from, to)
// plus their audit items.
func (e *Exporter) WriteWorkbook(ctx context.Context, w io.Writer, from, to time.Time) error {
	runs, err := e.db.ListRunsBetween(ctx, from, to)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeRuns(f, runs, from, to); err != nil {
		return err
	}
	if err := e.writeItems(ctx, f, runs); err != nil {
		return err
	}

	_ = f.DeleteSheet("Sheet1")
	if idx, err := f.GetSheetIndex(runsSheet); err == nil {
		f.SetActiveSheet(idx)
	}
	return f.Write(w)
}

func (e *Exporter) writeRuns(f *excelize.File, runs []models.SyncRun, from, to time.Time) error {
	if _, err := f.NewSheet(runsSheet); err != nil {
		return fmt.Errorf("create runs sheet: %w", err)
	}

	_ = f.SetCellValue(runsSheet, "A1", fmt.Sprintf("Runs %s - %s",
		from.Format("2006-01-02"), to.Format("2006-01-02")))
	_ = f.MergeCell(runsSheet, "A1", "L1")

	style, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(runsSheet, "A1", "A1", style)

	headers := []string{"Run ID", "Account", "Trigger", "Status", "Dry run",
		"Scanned", "Matched", "Inserted", "Duplicates", "Failed", "Error", "Started"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 2)
		_ = f.SetCellValue(runsSheet, cell, h)
	}

	for i, run := range runs {
		row := i + 3
		values := []any{
			run.ID, run.AccountID, run.Trigger, run.Status, run.DryRun,
			run.Scanned, run.Matched, run.Inserted, run.SkippedDuplicate, run.Failed,
			runError(run), run.StartedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(runsSheet, cell, v)
		}
	}

	_ = f.SetColWidth(runsSheet, "A", "A", 38)
	_ = f.SetColWidth(runsSheet, "B", "L", 16)
	return nil
}

func (e *Exporter) writeItems(ctx context.Context, f *excelize.File, runs []models.SyncRun) error {
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return fmt.Errorf("create items sheet: %w", err)
	}

	headers := []string{"Run ID", "Account", "UID", "Status", "Reason", "Retries", "Preview", "Updated"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(itemsSheet, cell, h)
	}

	row := 2
	for _, run := range runs {
		items, err := e.db.ListRunItems(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			values := []any{
				item.RunID, item.AccountID, item.UID, item.Status, string(item.Reason),
				item.RetryCount, item.Preview, item.UpdatedAt.Format(time.RFC3339),
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(itemsSheet, cell, v)
			}
			row++
		}
	}

	_ = f.SetColWidth(itemsSheet, "A", "A", 38)
	_ = f.SetColWidth(itemsSheet, "B", "H", 18)
	return nil
}

func runError(run models.SyncRun) string {
	if run.ErrorCode == "" {
		return ""
	}
	return strings.TrimSpace(run.ErrorCode + " " + run.ErrorMessage)
}

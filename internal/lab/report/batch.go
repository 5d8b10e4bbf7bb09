// Package report renders QC data as Excel workbooks.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/xuri/excelize/v2"
)

const (
	ResultsSheet = "Results"
	BatchSheet   = "Batch"
)

var ResultsHeader = []string{
	"Result",
	"Analysis",
	"Equipment",
	"Value",
	"Deviation (SD)",
	"Within Limits",
	"Recorded At",
	"Recorded By",
}

// Deviation returns how many standard deviations value lies from the batch
// target. ok is false when the target is not numeric or the batch has no
// standard deviation.
func Deviation(batch *models.Batch, value int) (sd float64, ok bool) {
	target, err := strconv.ParseFloat(batch.Target, 64)
	if err != nil || batch.StandardDeviation <= 0 {
		return 0, false
	}
	return (float64(value) - target) / float64(batch.StandardDeviation), true
}

// BatchResults builds a workbook with the batch's control limits and its
// results in the order they were recorded.
func BatchResults(batch *models.Batch, results []*models.Result) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(ResultsSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(BatchSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeBatch(f, batch); err != nil {
		return nil, err
	}
	if err := writeResults(f, batch, results); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBatch(f *excelize.File, batch *models.Batch) error {
	rows := [][]any{
		{"Batch", int(batch.ID)},
		{"Description", batch.Description},
		{"Control Level", int(batch.ControlLevelID)},
		{"Lot", batch.Lot},
		{"Equipment", string(batch.EquipmentCode)},
		{"Expiration Date", batch.ExpirationDate.Format(time.DateOnly)},
		{"Target", batch.Target},
		{"Lower", batch.Lower},
		{"Upper", batch.Upper},
		{"Standard Deviation", batch.StandardDeviation},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(BatchSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write batch row %d: %w", i+1, err)
		}
	}
	return f.SetColWidth(BatchSheet, "A", "A", 20)
}

func writeResults(f *excelize.File, batch *models.Batch, results []*models.Result) error {
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	header := make([]any, len(ResultsHeader))
	for i, h := range ResultsHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(ResultsSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(ResultsHeader), 1)
	if err := f.SetCellStyle(ResultsSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	ordered := make([]*models.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for i, r := range ordered {
		var deviation any
		if sd, ok := Deviation(batch, r.Value); ok {
			deviation = sd
		}
		within := "No"
		if batch.Accepts(r.Value) {
			within = "Yes"
		}
		row := []any{
			int(r.ID),
			string(r.AnalysisCode),
			string(r.EquipmentCode),
			r.Value,
			deviation,
			within,
			r.CreatedAt.UTC().Format(time.RFC3339),
			string(r.CreatedBy),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(ResultsSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write result row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(ResultsSheet, "A", "H", 16); err != nil {
		return err
	}
	return f.SetPanes(ResultsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

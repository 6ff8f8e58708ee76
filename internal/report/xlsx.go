package report

import (
	"fmt"
	"io"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/xuri/excelize/v2"
)

const reportSheet = "Reports"

var reportColumns = []string{
	"Session ID", "Student ID", "Exam ID", "Status", "Start Time", "End Time",
	"Tab Switches", "Face Not Visible", "Multiple Faces", "Mic Activity",
	"Risk Score", "Risk Level", "Flagged", "Total Violations", "Unreadable Events",
}

// WriteReportsXLSX writes one worksheet with a row per session report.
func WriteReportsXLSX(w io.Writer, reports []model.SessionReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(reportColumns))
	for i, c := range reportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(reportSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(reportColumns), 1)
	if err := f.SetCellStyle(reportSheet, "A1", last, bold); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}

	for i, r := range reports {
		end := ""
		if r.EndTime != nil {
			end = r.EndTime.UTC().Format(TimestampLayout)
		}
		row := []any{
			r.ID.String(),
			r.StudentID,
			r.ExamID.String(),
			string(r.Status),
			r.StartTime.UTC().Format(TimestampLayout),
			end,
			r.Risk.TabSwitches,
			r.Risk.FaceNotVisible,
			r.Risk.MultipleFaces,
			r.Risk.MicActivity,
			r.Risk.RiskScore,
			r.RiskLevel,
			r.Flagged,
			r.Risk.TotalViolations,
			r.UnreadableEvents,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(reportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(reportSheet, "A", "C", 38); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

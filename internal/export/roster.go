// Package export writes tutor rosters as Excel workbooks and session
// schedules as iCalendar feeds.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"tutorsync/internal/model"
)

var (
	rosterColumns  = []string{"Session", "Code", "Title", "Day", "Date", "Start", "End", "Mode", "Location", "Student ID", "Name", "Email", "Attendance"}
	summaryColumns = []string{"Session", "Code", "Capacity", "Enrolled", "Present", "Absent", "Pending", "Status"}
)

// sheetWriter appends rows to an excelize workbook sheet by sheet.
type sheetWriter struct {
	file         *excelize.File
	currentSheet string
	currentRow   int
}

func newSheetWriter() *sheetWriter {
	return &sheetWriter{file: excelize.NewFile()}
}

func (w *sheetWriter) addSheet(name string) error {
	// Excel limit
	if len(name) > 31 {
		name = name[:31]
	}

	if w.currentSheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet %s: %w", name, err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}

	w.currentSheet = name
	w.currentRow = 1
	return nil
}

func (w *sheetWriter) writeHeader(columns []string) error {
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	if err := w.writeRow(row); err != nil {
		return err
	}

	style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	start, _ := excelize.CoordinatesToCellName(1, w.currentRow-1)
	end, _ := excelize.CoordinatesToCellName(len(columns), w.currentRow-1)
	if err := w.file.SetCellStyle(w.currentSheet, start, end, style); err != nil {
		return err
	}
	return w.file.SetPanes(w.currentSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	})
}

func (w *sheetWriter) writeRow(row []any) error {
	if w.currentSheet == "" {
		return fmt.Errorf("no active sheet")
	}
	cell, err := excelize.CoordinatesToCellName(1, w.currentRow)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.currentSheet, cell, &row); err != nil {
		return err
	}
	w.currentRow++
	return nil
}

// WriteRoster writes one row per participant plus a per-session summary sheet.
func WriteRoster(out io.Writer, sessions []model.Session) error {
	w := newSheetWriter()
	defer w.file.Close()

	if err := w.addSheet("Roster"); err != nil {
		return err
	}
	if err := w.writeHeader(rosterColumns); err != nil {
		return err
	}
	for _, s := range sessions {
		for _, p := range s.Participants {
			row := []any{
				s.ID, s.Code, s.Title, s.Day, s.Date, s.Start, s.End,
				string(s.Mode), s.Location, p.ID, p.Name, p.Email, string(p.Attendance),
			}
			if err := w.writeRow(row); err != nil {
				return fmt.Errorf("roster row %s/%s: %w", s.ID, p.ID, err)
			}
		}
	}

	if err := w.addSheet("Summary"); err != nil {
		return err
	}
	if err := w.writeHeader(summaryColumns); err != nil {
		return err
	}
	for _, s := range sessions {
		present, absent, pending := attendanceCounts(s.Participants)
		row := []any{s.ID, s.Code, s.Capacity, s.Enrolled, present, absent, pending, string(s.Status)}
		if err := w.writeRow(row); err != nil {
			return fmt.Errorf("summary row %s: %w", s.ID, err)
		}
	}

	w.file.SetActiveSheet(0)
	return w.file.Write(out)
}

func attendanceCounts(ps []model.Participant) (present, absent, pending int) {
	for _, p := range ps {
		switch p.Attendance {
		case model.AttendancePresent:
			present++
		case model.AttendanceAbsent:
			absent++
		default:
			pending++
		}
	}
	return present, absent, pending
}

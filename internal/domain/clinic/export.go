package clinic

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// XLSXContentType is the media type of exported workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var patientExportHeader = []string{
	"Last Name", "First Name", "Email", "Phone", "Date of Birth", "Address", "Notes", "Created",
}

var appointmentExportHeader = []string{
	"Date", "Time", "Duration (min)", "Status", "Patient", "Phone", "Reason", "Notes",
}

// ExportPatients renders patients as a single-sheet workbook.
func ExportPatients(patients []Patient, loc *time.Location) ([]byte, error) {
	rows := make([][]any, len(patients))
	for i, p := range patients {
		rows[i] = []any{
			p.LastName, p.FirstName, deref(p.Email), deref(p.Phone), deref(p.DateOfBirth),
			deref(p.Address), deref(p.Notes), formatStamp(p.CreatedAt, loc),
		}
	}
	return writeWorkbook("Patients", patientExportHeader, []float64{18, 18, 28, 16, 14, 32, 40, 18}, rows)
}

// ExportAppointments renders appointments as a single-sheet workbook with
// dates shown in loc.
func ExportAppointments(appts []Appointment, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	rows := make([][]any, len(appts))
	for i, a := range appts {
		at := a.AppointmentDate.In(loc)
		var patient, phone string
		if a.Patient != nil {
			patient = a.Patient.LastName + ", " + a.Patient.FirstName
			phone = deref(a.Patient.Phone)
		}
		rows[i] = []any{
			at.Format(time.DateOnly), at.Format("15:04"), a.DurationMinutes, string(a.Status),
			patient, phone, deref(a.Reason), deref(a.Notes),
		}
	}
	return writeWorkbook("Appointments", appointmentExportHeader, []float64{12, 8, 14, 12, 28, 16, 32, 40}, rows)
}

func writeWorkbook(sheet string, header []string, widths []float64, rows [][]any) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating header style: %w", err)
	}

	for col, title := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return nil, fmt.Errorf("writing header %s: %w", cell, err)
		}
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("styling header: %w", err)
	}
	for i, w := range widths {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(sheet, name, name, w); err != nil {
			return nil, err
		}
	}

	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", r+2, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freezing header: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatStamp(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

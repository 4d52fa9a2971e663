package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/trusted360/audit-engine/internal/db/models"
)

// Export formats
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

// ExportContentTypes maps each export format to its MIME type
var ExportContentTypes = map[string]string{
	FormatCSV:  "text/csv",
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	FormatPDF:  "application/pdf",
}

// Render renders rep in format.
func Render(rep *models.GeneratedReport, format string) ([]byte, error) {
	switch format {
	case FormatCSV:
		return RenderCSV(rep)
	case FormatXLSX:
		return RenderXLSX(rep)
	case FormatPDF:
		return RenderPDF(rep)
	}
	return nil, fmt.Errorf("unsupported export format: %s", format)
}

func exportColumns(rep *models.GeneratedReport) []string {
	if len(rep.Data.Columns) > 0 {
		return rep.Data.Columns
	}
	return DefaultColumns
}

// cellText formats a projected value for text formats. Numbers decoded from
// JSON arrive as float64; whole numbers print without a fraction.
func cellText(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprint(v)
}

// csvCell renders v for a CSV cell. Text that a spreadsheet would evaluate as
// a formula is prefixed with a quote; numbers are written as they are.
func csvCell(v interface{}) string {
	text := cellText(v)
	if _, ok := v.(string); !ok || text == "" {
		return text
	}
	switch text[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + text
	}
	return text
}

// RenderCSV writes the report rows, one column per template column.
func RenderCSV(rep *models.GeneratedReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	cols := exportColumns(rep)
	if err := w.Write(cols); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	record := make([]string, len(cols))
	for _, row := range rep.Data.Rows {
		for i, c := range cols {
			record[i] = csvCell(row[c])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderXLSX builds a workbook with a Summary sheet and an Events sheet.
func RenderXLSX(rep *models.GeneratedReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet, eventsSheet = "Summary", "Events"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(eventsSheet); err != nil {
		return nil, fmt.Errorf("failed to add sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	summary := [][]interface{}{
		{"Report", rep.Name},
		{"Period", rep.StartDate.Format(dayLayout) + " to " + rep.EndDate.Format(dayLayout)},
		{"Total events", rep.Summary.TotalEvents},
		{"Critical events", rep.Summary.CriticalEvents},
		{"Most active day", derefOr(rep.Summary.MostActiveDay, "-")},
		{"Top category", derefOr(rep.Summary.TopCategory, "-")},
		{"Truncated", rep.Data.Truncated},
	}
	row := 1
	for _, kv := range summary {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", row), &kv); err != nil {
			return nil, fmt.Errorf("failed to write summary: %w", err)
		}
		row++
	}

	row++
	_ = f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", row), &[]interface{}{"Category", "Events"})
	_ = f.SetCellStyle(summarySheet, fmt.Sprintf("A%d", row), fmt.Sprintf("B%d", row), bold)
	row++
	for _, c := range sortedKeys(rep.Data.EventsByCategory) {
		_ = f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", row), &[]interface{}{c, rep.Data.EventsByCategory[c]})
		row++
	}
	_ = f.SetCellStyle(summarySheet, "A1", "A7", bold)

	cols := exportColumns(rep)
	header := make([]interface{}, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := f.SetSheetRow(eventsSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(cols), 1)
	_ = f.SetCellStyle(eventsSheet, "A1", last, bold)

	for i, r := range rep.Data.Rows {
		values := make([]interface{}, len(cols))
		for j, c := range cols {
			values[j] = r[c]
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(eventsSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF prints the summary, category breakdown and top users.
// Event rows are left to the CSV and XLSX formats.
func RenderPDF(rep *models.GeneratedReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, rep.Name)
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	pdf.Cell(40, 8, fmt.Sprintf("Period: %s to %s", rep.StartDate.Format(dayLayout), rep.EndDate.Format(dayLayout)))
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 10, "Summary")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, kv := range [][2]string{
		{"Total events:", strconv.Itoa(rep.Summary.TotalEvents)},
		{"Critical events:", strconv.Itoa(rep.Summary.CriticalEvents)},
		{"Most active day:", derefOr(rep.Summary.MostActiveDay, "-")},
		{"Top category:", derefOr(rep.Summary.TopCategory, "-")},
	} {
		pdf.Cell(60, 8, kv[0])
		pdf.Cell(40, 8, kv[1])
		pdf.Ln(8)
	}

	if len(rep.Data.EventsByCategory) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(40, 10, "Events by category")
		pdf.Ln(10)
		pdf.SetFont("Arial", "", 10)
		for _, c := range sortedKeys(rep.Data.EventsByCategory) {
			pdf.Cell(60, 8, c)
			pdf.Cell(40, 8, strconv.Itoa(rep.Data.EventsByCategory[c]))
			pdf.Ln(8)
		}
	}

	if len(rep.Data.TopUsers) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(40, 10, "Top users")
		pdf.Ln(10)
		pdf.SetFont("Arial", "", 10)
		for _, u := range rep.Data.TopUsers {
			pdf.Cell(60, 8, u.UserName)
			pdf.Cell(40, 8, strconv.Itoa(u.Count))
			pdf.Ln(8)
		}
	}

	if rep.Data.Truncated {
		pdf.Ln(4)
		pdf.SetFont("Arial", "I", 9)
		pdf.Cell(40, 8, "Row limit reached; counts cover the loaded rows only.")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

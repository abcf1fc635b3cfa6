package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// CSVExporter renders a Sheet into CSV bytes.
type CSVExporter struct {
	comma rune
}

// NewCSVExporter builds a CSV exporter. Spreadsheet tools in fr-FR locales expect ';'.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{comma: ';'}
}

// ContentType implements Renderer.
func (e *CSVExporter) ContentType() string { return "text/csv; charset=utf-8" }

// Extension implements Renderer.
func (e *CSVExporter) Extension() string { return "csv" }

// Render writes meta lines first, a blank line, then the table.
func (e *CSVExporter) Render(sheet Sheet) ([]byte, error) {
	if len(sheet.Headers) == 0 {
		return nil, fmt.Errorf("csv requires at least one header")
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	writer.Comma = e.comma

	if sheet.Title != "" {
		if err := writer.Write([]string{sheet.Title}); err != nil {
			return nil, fmt.Errorf("write csv title: %w", err)
		}
	}
	for _, line := range sheet.Meta {
		if err := writer.Write([]string{line.Label, line.Value}); err != nil {
			return nil, fmt.Errorf("write csv meta: %w", err)
		}
	}
	if sheet.Title != "" || len(sheet.Meta) > 0 {
		if err := writer.Write([]string{""}); err != nil {
			return nil, fmt.Errorf("write csv separator: %w", err)
		}
	}

	if err := writer.Write(sheet.Headers); err != nil {
		return nil, fmt.Errorf("write csv headers: %w", err)
	}
	for i, row := range sheet.Rows {
		if len(row) != len(sheet.Headers) {
			return nil, fmt.Errorf("csv row %d has %d cells, want %d", i, len(row), len(sheet.Headers))
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

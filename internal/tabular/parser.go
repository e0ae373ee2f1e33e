package tabular

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/reconlab/pipeline/internal/sniff"
)

// Parse converts a buffer that already passed content sniffing into a Table.
// The verdict's detected type selects the parse path; indeterminate buffers
// take the CSV path and fail there with a precise structural reason.
func Parse(filename string, data []byte, verdict sniff.Verdict) (*Table, error) {
	var (
		table *Table
		err   error
	)

	switch verdict.DetectedType {
	case sniff.TypeZipBased:
		table, err = parseXLSX(filename, data)
	case sniff.TypeOLE2:
		table, err = parseXLS(filename, data)
	default:
		table, err = parseCSV(filename, data)
	}
	if err != nil {
		return nil, err
	}

	// Defense in depth: a polyglot can pass magic-number checks and still
	// not be genuinely tabular. Sample the headers and first data row for
	// leftover binary content before handing the table to a script.
	if err := scanForBinaryJunk(table); err != nil {
		return nil, err
	}

	return table, nil
}

// parseCSV implements the text path: split on line breaks, drop blank lines,
// comma-split the first line into headers and each following line into a
// positional row map.
func parseCSV(filename string, data []byte) (*Table, error) {
	data = sanitizeUTF8(data)

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return nil, structuralErr("file has no content lines")
	}
	if !strings.Contains(lines[0], ",") {
		return nil, structuralErr("first line is not comma-delimited")
	}
	if len(lines) < 2 {
		return nil, structuralErr("no data rows after header")
	}

	headers := uniqueHeaders(splitFields(lines[0]))

	rows := make([]Row, 0, len(lines)-1)
	for _, line := range lines[1:] {
		rows = append(rows, rowFromCells(headers, splitFields(line)))
	}

	return newTable(filename, headers, rows), nil
}

// splitFields splits a CSV line on commas and trims surrounding whitespace
// and quotes from each field.
func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// parseXLSX opens a ZIP-based workbook and extracts the first sheet.
func parseXLSX(filename string, data []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, structuralErr("open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, structuralErr("workbook has no sheets")
	}

	grid, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, structuralErr("read sheet %q: %v", sheets[0], err)
	}

	return tableFromGrid(filename, grid)
}

// parseXLS opens a legacy OLE2 workbook and extracts the first sheet.
func parseXLS(filename string, data []byte) (*Table, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, structuralErr("open legacy workbook: %v", err)
	}
	if wb.NumSheets() == 0 {
		return nil, structuralErr("workbook has no sheets")
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, structuralErr("workbook first sheet is unreadable")
	}

	var grid [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			grid = append(grid, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := 0; j < row.LastCol(); j++ {
			if j < row.FirstCol() {
				cells = append(cells, "")
				continue
			}
			cells = append(cells, row.Col(j))
		}
		grid = append(grid, cells)
	}

	return tableFromGrid(filename, grid)
}

// tableFromGrid maps a 2D cell array to a Table: first non-empty row becomes
// the headers, remaining rows map positionally.
func tableFromGrid(filename string, grid [][]string) (*Table, error) {
	// Drop fully empty rows the way the CSV path drops blank lines.
	compact := grid[:0]
	for _, cells := range grid {
		if isEmptyRow(cells) {
			continue
		}
		compact = append(compact, cells)
	}

	if len(compact) == 0 {
		return nil, structuralErr("sheet has no content rows")
	}
	if len(compact) < 2 {
		return nil, structuralErr("no data rows after header")
	}

	headers := uniqueHeaders(trimAll(compact[0]))

	rows := make([]Row, 0, len(compact)-1)
	for _, cells := range compact[1:] {
		rows = append(rows, rowFromCells(headers, cells))
	}

	return newTable(filename, headers, rows), nil
}

func newTable(filename string, headers []string, rows []Row) *Table {
	return &Table{
		Filename: filename,
		Headers:  headers,
		Rows:     rows,
		Summary:  Summary{TotalRows: len(rows), ColumnCount: len(headers)},
	}
}

// rowFromCells maps cells positionally onto headers. Short rows fill the
// remaining headers with empty strings; extra cells beyond the header count
// are dropped.
func rowFromCells(headers []string, cells []string) Row {
	row := make(Row, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			row[h] = cells[i]
		} else {
			row[h] = ""
		}
	}
	return row
}

// uniqueHeaders suffixes duplicate header names positionally ("amount",
// "amount_2", ...) so row maps never silently lose cells.
func uniqueHeaders(headers []string) []string {
	seen := make(map[string]int, len(headers))
	out := make([]string, len(headers))
	for i, h := range headers {
		if h == "" {
			h = "column_" + itoa(i+1)
		}
		seen[h]++
		if n := seen[h]; n > 1 {
			h = h + "_" + itoa(n)
		}
		out[i] = h
	}
	return out
}

func trimAll(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

func isEmptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// itoa avoids pulling strconv into the hot row path for tiny positive ints.
func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

// ============================================================================
// Binary junk detection
// ============================================================================

// Thresholds for the post-parse junk scan. Tuned against real exports: a
// legitimate sheet occasionally carries one replacement character from a
// bad encoding, a polyglot carries runs of them.
const (
	junkNonPrintableRatio = 0.3
	junkMaxNulRun         = 3
	junkMaxReplacement    = 3
)

// scanForBinaryJunk inspects the headers and first data row for indicators
// of mis-sniffed binary content.
func scanForBinaryJunk(t *Table) error {
	sample := make([]string, 0, len(t.Headers)*2)
	sample = append(sample, t.Headers...)
	if len(t.Rows) > 0 {
		first := t.Rows[0]
		for _, h := range t.Headers {
			sample = append(sample, first[h])
		}
	}

	for _, value := range sample {
		if value == "" {
			continue
		}
		if err := checkValueForJunk(value); err != nil {
			return err
		}
	}
	return nil
}

func checkValueForJunk(value string) error {
	var (
		nonPrintable int
		total        int
		nulRun       int
		replacements int
	)

	for _, r := range value {
		total++
		switch {
		case r == 0:
			nulRun++
			if nulRun > junkMaxNulRun {
				return junkErr("run of null bytes in cell content")
			}
			nonPrintable++
			continue
		case r == utf8.RuneError:
			replacements++
			if replacements > junkMaxReplacement {
				return junkErr("repeated replacement characters in cell content")
			}
		case !unicode.IsPrint(r) && !unicode.IsSpace(r):
			nonPrintable++
		}
		nulRun = 0
	}

	if total >= 8 && float64(nonPrintable) > junkNonPrintableRatio*float64(total) {
		return junkErr("cell content is mostly non-printable")
	}
	return nil
}

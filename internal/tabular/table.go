// Package tabular converts sniffed-valid byte buffers into ordered header
// lists and row objects. It handles plain CSV text as well as ZIP-based
// (.xlsx) and OLE2 (.xls) spreadsheet containers, always reading only the
// first sheet.
package tabular

import (
	"fmt"

	"github.com/reconlab/pipeline/internal/sniff"
)

// Row maps a header name to the cell value at that column position.
type Row map[string]string

// Summary carries the row/column counts callers display alongside a parse.
type Summary struct {
	TotalRows   int `json:"total_rows"`
	ColumnCount int `json:"column_count"`
}

// Table is the parsed form of one upload.
//
// Header order is preserved from the source and row order matches source
// order. Every row has exactly len(Headers) keys; cells missing from the
// source are present as empty strings.
type Table struct {
	Filename string   `json:"filename"`
	Headers  []string `json:"headers"`
	Rows     []Row    `json:"rows"`
	Summary  Summary  `json:"summary"`
}

// ParseError is a terminal parsing failure. There is no retry path: the
// uploader has to fix the file and upload again.
type ParseError struct {
	Kind    sniff.ErrorKind
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func structuralErr(format string, args ...any) *ParseError {
	return &ParseError{Kind: sniff.KindStructuralInvalid, Message: fmt.Sprintf(format, args...)}
}

func junkErr(format string, args ...any) *ParseError {
	return &ParseError{Kind: sniff.KindBinaryJunk, Message: fmt.Sprintf(format, args...)}
}

package tabular

// sanitize.go normalizes raw text input before line splitting.
//
// Client exports routinely arrive with Windows-1252 bytes, truncated
// multi-byte sequences, or a UTF-8 BOM. Invalid sequences are replaced with
// U+FFFD rather than rejected; the replacement characters then double as a
// binary-junk indicator downstream (a genuinely tabular file produces few of
// them, a polyglot produces runs).

import (
	"bytes"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// sanitizeUTF8 returns data with the BOM stripped and every invalid UTF-8
// sequence replaced by the Unicode replacement character.
func sanitizeUTF8(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune(utf8.RuneError)
		} else {
			buf.Write(data[:size])
		}
		data = data[size:]
	}
	return buf.Bytes()
}

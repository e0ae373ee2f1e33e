// Package sniff determines an uploaded file's true type from its byte
// content, independent of the declared filename.
//
// Filename-first validation is defeated by trivial renaming, so the sniffer
// works content-first: it matches a fixed-size prefix against a table of
// magic signatures and rejects anything whose content identifies a known
// dangerous type (image, audio, video, executable, PDF, generic archive).
// Container formats that can legitimately hold spreadsheets (ZIP, OLE2) are
// passed through to structural parsing rather than accepted outright; the
// sniffer only filters known-bad content, it never proves a file is a valid
// spreadsheet.
package sniff

import (
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultMaxFileSize is the upload size ceiling (50MB).
const DefaultMaxFileSize int64 = 50 * 1024 * 1024

// prefixWindow is how many bytes of the file are inspected for signatures.
const prefixWindow = 256

// textSampleSize is how many bytes are sampled for the printable-text check.
const textSampleSize = 512

// textPrintableRatio is the minimum fraction of printable bytes for a buffer
// with no binary signature to be classified as text.
const textPrintableRatio = 0.8

// ErrorKind identifies why a candidate was rejected.
type ErrorKind string

const (
	KindEmpty               ErrorKind = "empty"
	KindTooLarge            ErrorKind = "too_large"
	KindExtensionNotAllowed ErrorKind = "extension_not_allowed"
	KindDoubleExtension     ErrorKind = "double_extension_suspicious"
	KindTypeMismatch        ErrorKind = "type_mismatch"
	KindStructuralInvalid   ErrorKind = "structural_invalid"
	KindBinaryJunk          ErrorKind = "binary_junk_detected"
)

// Verdict is the outcome of examining one upload candidate. It is produced
// once and never mutated.
type Verdict struct {
	IsValid      bool      `json:"is_valid"`
	DetectedType string    `json:"detected_type,omitempty"`
	Confidence   float64   `json:"confidence"`
	Kind         ErrorKind `json:"error_kind,omitempty"`
	SecurityFlag string    `json:"security_flag,omitempty"`
}

// Detected type labels for buffers the sniffer allows onward. The tabular
// parser dispatches on these.
const (
	TypeText     = "text"
	TypeZipBased = "zip-based"
	TypeOLE2     = "ole2"
)

// defaultAllowedExtensions are the spreadsheet/CSV extensions accepted at the
// upload boundary.
var defaultAllowedExtensions = []string{".csv", ".xlsx", ".xls", ".ods"}

// doubleExtensionPattern matches a dangerous extension immediately followed
// by an allowed spreadsheet/CSV extension, e.g. "payload.exe.csv" or
// "malicious.jpg.xlsx". Matched against the lowercased filename before any
// content is read.
var doubleExtensionPattern = regexp.MustCompile(
	`\.(exe|bat|cmd|com|scr|msi|dll|js|vbs|jar|sh|ps1|` +
		`jpg|jpeg|png|gif|bmp|webp|tiff?|ico|` +
		`mp3|mp4|mov|avi|wav|` +
		`zip|rar|7z|gz|tar|pdf)` +
		`\.(csv|xlsx|xls|ods)$`)

// reverseDoubleExtensionPattern catches the mirror trick: an allowed
// extension followed by a dangerous one, e.g. "malicious.xlsx.jpg".
var reverseDoubleExtensionPattern = regexp.MustCompile(
	`\.(csv|xlsx|xls|ods)` +
		`\.(exe|bat|cmd|com|scr|msi|dll|js|vbs|jar|sh|ps1|` +
		`jpg|jpeg|png|gif|bmp|webp|tiff?|ico|` +
		`mp3|mp4|mov|avi|wav|` +
		`zip|rar|7z|gz|tar|pdf)$`)

// Sniffer examines upload candidates. Each call is pure given its inputs;
// a single Sniffer is safe for concurrent use.
type Sniffer struct {
	maxSize int64
	allowed map[string]bool
}

// NewSniffer creates a sniffer with the given size ceiling and allowed
// extensions. Zero or negative maxSize falls back to DefaultMaxFileSize;
// an empty extension list falls back to the spreadsheet/CSV defaults.
func NewSniffer(maxSize int64, allowedExtensions []string) *Sniffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if len(allowedExtensions) == 0 {
		allowedExtensions = defaultAllowedExtensions
	}

	// Normalize to dotted-lowercase so config values like "csv" and
	// filepath.Ext results like ".CSV" land on the same key.
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	return &Sniffer{maxSize: maxSize, allowed: allowed}
}

// Examine inspects a named byte buffer and verdicts its true type.
//
// Check order matters: size and extension policy run before any content is
// read, so a 2GB disguised executable is rejected without touching its bytes.
func (s *Sniffer) Examine(filename string, data []byte) Verdict {
	if len(data) == 0 {
		return invalid(KindEmpty, "", "")
	}
	if int64(len(data)) > s.maxSize {
		return invalid(KindTooLarge, "", "")
	}

	lower := strings.ToLower(filename)
	if doubleExtensionPattern.MatchString(lower) || reverseDoubleExtensionPattern.MatchString(lower) {
		return invalid(KindDoubleExtension, "",
			"filename uses a suspicious double extension: "+filename)
	}
	if ext := strings.ToLower(filepath.Ext(filename)); !s.allowed[ext] {
		return invalid(KindExtensionNotAllowed, "", "")
	}

	prefix := data
	if len(prefix) > prefixWindow {
		prefix = prefix[:prefixWindow]
	}

	if match := matchSignature(prefix); match != nil {
		switch match.category {
		case catContainer:
			// Could be a real spreadsheet container. Structural parsing
			// decides; the sniffer only clears it of known-bad signatures.
			if match.name == "zip-based" {
				return Verdict{IsValid: true, DetectedType: TypeZipBased, Confidence: 0.7}
			}
			return Verdict{IsValid: true, DetectedType: TypeOLE2, Confidence: 0.8}
		default:
			return invalid(KindTypeMismatch, match.name,
				"content identifies as "+match.name+" despite filename "+filename)
		}
	}

	if isMostlyPrintable(data) {
		return Verdict{IsValid: true, DetectedType: TypeText, Confidence: 0.8}
	}

	// No signature and not obviously text. Let structural parsing fail it
	// naturally rather than guessing here.
	return Verdict{IsValid: true, Confidence: 0.3}
}

func invalid(kind ErrorKind, detected, flag string) Verdict {
	v := Verdict{Kind: kind, DetectedType: detected, SecurityFlag: flag}
	if detected != "" {
		v.Confidence = 0.9
	}
	return v
}

// isMostlyPrintable reports whether at least textPrintableRatio of the first
// textSampleSize bytes are printable ASCII or whitespace.
func isMostlyPrintable(data []byte) bool {
	sample := data
	if len(sample) > textSampleSize {
		sample = sample[:textSampleSize]
	}

	printable := 0
	for _, b := range sample {
		if (b >= 0x20 && b < 0x7F) || b == '\t' || b == '\n' || b == '\r' {
			printable++
		}
	}
	return float64(printable) >= textPrintableRatio*float64(len(sample))
}

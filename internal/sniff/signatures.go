package sniff

// signatures.go defines the magic-byte signature table used for content-based
// file type detection.
//
// Each signature is a set of (offset, bytes) parts that must all match within
// the prefix window. Signatures are checked in table order and the first full
// match wins; the patterns are disjoint, so order only matters for readability.
//
// The table is a denylist plus two container formats: ZIP and OLE2 are not
// rejected on match because modern (.xlsx) and legacy (.xls) spreadsheets are
// themselves ZIP and OLE2 containers. They proceed to structural parsing,
// which is where a disguised archive ultimately fails.

import "bytes"

// category classifies a detected type for dispatch after a signature match.
type category int

const (
	catImage category = iota
	catAudio
	catVideo
	catDocument
	catArchive
	catExecutable
	catContainer // may be a spreadsheet; defer to structural parsing
)

// sigPart is one contiguous byte pattern at a fixed offset.
type sigPart struct {
	offset int
	magic  []byte
}

// signature describes one detectable file format.
type signature struct {
	name     string // detected type label, e.g. "jpeg"
	category category
	parts    []sigPart
}

func sig(name string, cat category, parts ...sigPart) signature {
	return signature{name: name, category: cat, parts: parts}
}

func at(offset int, magic ...byte) sigPart {
	return sigPart{offset: offset, magic: magic}
}

// signatureTable lists every format the sniffer recognizes.
var signatureTable = []signature{
	// Images
	sig("jpeg", catImage, at(0, 0xFF, 0xD8, 0xFF, 0xE0)), // JFIF (APP0)
	sig("jpeg", catImage, at(0, 0xFF, 0xD8, 0xFF, 0xE1)), // Exif (APP1)
	sig("jpeg", catImage, at(0, 0xFF, 0xD8, 0xFF, 0xE2)),
	sig("jpeg", catImage, at(0, 0xFF, 0xD8, 0xFF, 0xE8)), // SPIFF
	sig("jpeg", catImage, at(0, 0xFF, 0xD8, 0xFF, 0xDB)), // raw quantization table start
	sig("png", catImage, at(0, 0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A)),
	sig("gif", catImage, at(0, 'G', 'I', 'F', '8', '7', 'a')),
	sig("gif", catImage, at(0, 'G', 'I', 'F', '8', '9', 'a')),
	// BMP's two-byte magic alone would misfire on CSV text starting with
	// "BM"; the reserved zero bytes at offset 6 disambiguate.
	sig("bmp", catImage, at(0, 'B', 'M'), at(6, 0x00, 0x00, 0x00, 0x00)),
	sig("webp", catImage, at(0, 'R', 'I', 'F', 'F'), at(8, 'W', 'E', 'B', 'P')),
	sig("tiff", catImage, at(0, 'I', 'I', 0x2A, 0x00)), // little-endian
	sig("tiff", catImage, at(0, 'M', 'M', 0x00, 0x2A)), // big-endian
	sig("ico", catImage, at(0, 0x00, 0x00, 0x01, 0x00)),

	// Audio / video
	sig("mp3", catAudio, at(0, 'I', 'D', '3')),
	sig("mp3", catAudio, at(0, 0xFF, 0xFB)), // MPEG-1 layer III frame sync
	sig("mp3", catAudio, at(0, 0xFF, 0xF3)),
	sig("mp3", catAudio, at(0, 0xFF, 0xF2)),
	sig("mp4", catVideo, at(4, 'f', 't', 'y', 'p')), // MP4/MOV box header
	sig("avi", catVideo, at(0, 'R', 'I', 'F', 'F'), at(8, 'A', 'V', 'I', ' ')),

	// Documents and archives
	sig("pdf", catDocument, at(0, '%', 'P', 'D', 'F')),
	sig("rar", catArchive, at(0, 'R', 'a', 'r', '!', 0x1A, 0x07)),
	sig("7z", catArchive, at(0, '7', 'z', 0xBC, 0xAF, 0x27, 0x1C)),

	// Executables
	sig("exe", catExecutable, at(0, 'M', 'Z')),

	// Containers that may legitimately hold spreadsheets.
	sig("zip-based", catContainer, at(0, 'P', 'K', 0x03, 0x04)),
	sig("zip-based", catContainer, at(0, 'P', 'K', 0x05, 0x06)), // empty archive
	sig("zip-based", catContainer, at(0, 'P', 'K', 0x07, 0x08)), // spanned archive
	sig("ole2", catContainer, at(0, 0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1)),
}

// matches reports whether every part of the signature is present in data.
func (s signature) matches(data []byte) bool {
	for _, p := range s.parts {
		end := p.offset + len(p.magic)
		if end > len(data) {
			return false
		}
		if !bytes.Equal(data[p.offset:end], p.magic) {
			return false
		}
	}
	return true
}

// matchSignature returns the first matching signature, or nil.
func matchSignature(data []byte) *signature {
	for i := range signatureTable {
		if signatureTable[i].matches(data) {
			return &signatureTable[i]
		}
	}
	return nil
}

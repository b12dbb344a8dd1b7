// Package format encodes and decodes the darc container structures: the
// fixed-size header, the length-prefixed index entries, and the end record.
//
// All multi-byte integers are big-endian. Offsets and lengths written by the
// encoders are internally consistent; decoders validate magic, version, and
// structural sizes before interpreting any field.
package format

import (
	"errors"
	"fmt"
)

// Structural constants of the container layout.
const (
	// Magic is the 4-byte signature at offset 0 of every archive.
	Magic = "DAR\x00"

	// EndMagic is the 4-byte signature of the end record.
	EndMagic = "DEND"

	// Version is the container version this codec reads and writes.
	Version = 2

	// HeaderSize is the fixed size of the archive header. The data section
	// always begins at this offset.
	HeaderSize = 512

	// EndRecordSize is the fixed size of the terminal end record.
	EndRecordSize = 64

	// ChecksumSize is the width of the BLAKE3 archive and entry checksums.
	ChecksumSize = 32

	// HeaderChecksumOffset is the byte offset of the archive checksum field
	// within the header.
	HeaderChecksumOffset = 36

	// EndChecksumOffset is the byte offset of the archive checksum field
	// within the end record.
	EndChecksumOffset = 20

	// DataLengthPrefixSize is the size of the per-entry length prefix in the
	// data section.
	DataLengthPrefixSize = 8
)

// Sentinel errors wrapped by FormatError.
var (
	// ErrBadMagic is returned when a structure's magic bytes are wrong.
	ErrBadMagic = errors.New("darc: bad magic")

	// ErrUnsupportedVersion is returned when the header version is not the
	// codec's supported version.
	ErrUnsupportedVersion = errors.New("darc: unsupported version")

	// ErrTruncated is returned when fewer bytes are available than a
	// structure requires.
	ErrTruncated = errors.New("darc: truncated")

	// ErrMalformed is returned when a structure's fields are internally
	// inconsistent.
	ErrMalformed = errors.New("darc: malformed structure")
)

// FormatError describes a structural problem at a known location in the
// archive byte stream.
type FormatError struct {
	// Offset is the byte offset of the structure being decoded, relative to
	// the start of the archive. Negative when unknown.
	Offset int64

	// Reason is a short human-readable description of the problem.
	Reason string

	// Err is the underlying sentinel (ErrBadMagic, ErrUnsupportedVersion,
	// ErrTruncated, or ErrMalformed).
	Err error
}

func (e *FormatError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v: %s (offset %d)", e.Err, e.Reason, e.Offset)
}

func (e *FormatError) Unwrap() error { return e.Err }

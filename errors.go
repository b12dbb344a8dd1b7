package darc

import (
	"errors"

	"github.com/darcfmt/darc/internal/compress"
	"github.com/darcfmt/darc/internal/format"
)

// FormatError describes a structural problem at a known location in the
// archive byte stream. It wraps one of ErrBadMagic, ErrUnsupportedVersion,
// ErrTruncated, or ErrMalformed.
type FormatError = format.FormatError

// Sentinel errors re-exported from internal packages.
var (
	// ErrBadMagic is returned when a structure's magic bytes are wrong.
	ErrBadMagic = format.ErrBadMagic

	// ErrUnsupportedVersion is returned when the header version is not the
	// codec's supported version.
	ErrUnsupportedVersion = format.ErrUnsupportedVersion

	// ErrTruncated is returned when the archive is shorter than its
	// structures require.
	ErrTruncated = format.ErrTruncated

	// ErrMalformed is returned when archive structures are internally
	// inconsistent.
	ErrMalformed = format.ErrMalformed

	// ErrUnsupportedAlgorithm is returned when an entry carries a
	// compression tag this codec does not know. Archives written by newer
	// codecs remain listable; only decompression of such entries fails.
	ErrUnsupportedAlgorithm = compress.ErrUnsupportedAlgorithm
)

// Sentinel errors specific to the darc package.
var (
	// ErrChecksumMismatch is returned when a per-entry or archive-level
	// checksum does not match the stored value.
	ErrChecksumMismatch = errors.New("darc: checksum mismatch")

	// ErrChecksumDiverged is returned when the header and end-record copies
	// of the archive checksum differ, a corruption signal detectable
	// without rehashing the stream.
	ErrChecksumDiverged = errors.New("darc: header and end record checksums diverge")

	// ErrPathConflict is returned when two entries resolve to the same
	// archive path at build time, or an extraction target collides with an
	// existing file.
	ErrPathConflict = errors.New("darc: path conflict")

	// ErrPartialExtraction is returned when extraction completed but one or
	// more entries failed; the ExtractReport lists them.
	ErrPartialExtraction = errors.New("darc: some entries failed to extract")

	// ErrOwnerOutOfRange is returned in strict ownership mode when a file's
	// uid or gid does not fit the format's single-byte fields.
	ErrOwnerOutOfRange = errors.New("darc: uid or gid exceeds 255")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("darc: size overflow")

	// ErrTooManyFiles is returned when the file count exceeds the
	// configured limit or the format's 32-bit entry count.
	ErrTooManyFiles = errors.New("darc: too many files")
)

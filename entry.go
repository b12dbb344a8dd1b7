package darc

import (
	"io/fs"
	"time"

	"github.com/darcfmt/darc/internal/compress"
	"github.com/darcfmt/darc/internal/format"
)

// Algorithm identifies the compression codec used for an entry.
type Algorithm = compress.Algorithm

// Known algorithm tags. The numeric values are part of the on-disk format.
const (
	AlgorithmNone      = compress.None
	AlgorithmBrotli    = compress.Brotli
	AlgorithmZstandard = compress.Zstandard
	AlgorithmLZMA      = compress.LZMA
)

// Checksum is a 32-byte BLAKE3 digest.
type Checksum = [32]byte

// Entry is the metadata the index records for one archived file.
type Entry struct {
	// Path is the file path relative to the archive root, slash-separated.
	Path string

	// DataOffset is the byte offset of the entry's length-prefixed block
	// within the data section.
	DataOffset uint64

	// UncompressedSize is the original file size in bytes.
	UncompressedSize uint64

	// CompressedSize is the stored size in bytes. Equal to UncompressedSize
	// when Algorithm is AlgorithmNone.
	CompressedSize uint64

	// Algorithm is the compression codec applied to the entry.
	Algorithm Algorithm

	// ModTime is the source file's modification time, second precision.
	ModTime time.Time

	// UID and GID are the source file's owner, capped at 255 by the
	// single-byte format fields.
	UID uint8
	GID uint8

	// Perm holds the source file's permission bits.
	Perm fs.FileMode

	// Checksum is the BLAKE3 digest of the uncompressed content.
	Checksum Checksum
}

// entryFromIndex converts a decoded index entry to the public form. The
// algorithm tag is carried through unchecked; readers reject unknown tags
// when they decompress, so listing stays forward-compatible.
func entryFromIndex(e *format.IndexEntry) Entry {
	return Entry{
		Path:             e.Path,
		DataOffset:       e.DataOffset,
		UncompressedSize: e.UncompressedSize,
		CompressedSize:   e.CompressedSize,
		Algorithm:        Algorithm(e.Algorithm),
		ModTime:          time.Unix(int64(e.ModTimeUnix), 0), //nolint:gosec // mtimes fit in int64
		UID:              e.UID,
		GID:              e.GID,
		Perm:             fs.FileMode(e.Perm),
		Checksum:         e.Checksum,
	}
}

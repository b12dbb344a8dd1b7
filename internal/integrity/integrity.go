// Package integrity computes and verifies the BLAKE3 checksums the container
// stores: one per entry over the uncompressed bytes, and one over the whole
// serialized archive, held redundantly in the header and end record.
//
// The archive checksum lives inside the stream it covers, so it is defined
// over the byte stream with both fixed-width checksum fields zeroed. Writers
// serialize with the fields zeroed, hash, then patch the digest into both
// fields in place; patching cannot shift any other offset because the fields
// are constant-width. Verifiers recompute by substituting zeros for both
// fields while streaming.
package integrity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/darcfmt/darc/internal/format"
)

// Size is the checksum width in bytes.
const Size = format.ChecksumSize

// Checksum is a 32-byte BLAKE3 digest.
type Checksum [Size]byte

// ErrStreamTooSmall is returned when an archive is smaller than a header
// plus an end record, making the checksum windows undefined.
var ErrStreamTooSmall = errors.New("darc: stream too small for checksum fields")

// Sum computes the BLAKE3 digest of data. Used for per-entry checksums when
// the whole content is resident.
func Sum(data []byte) Checksum {
	return blake3.Sum256(data)
}

// NewHasher returns a streaming BLAKE3 hasher for incremental per-entry
// checksumming during the compression pass.
func NewHasher() *blake3.Hasher {
	return blake3.New()
}

// SumOf copies a hasher's 32-byte digest into a Checksum.
func SumOf(h *blake3.Hasher) Checksum {
	var sum Checksum
	copy(sum[:], h.Sum(nil))
	return sum
}

// Equal compares two checksums in constant time.
func Equal(a, b Checksum) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ArchiveChecksum computes the archive-level digest of a serialized archive
// of the given size, substituting zeros for the header checksum field and
// the end-record checksum field.
func ArchiveChecksum(r io.ReaderAt, size int64) (Checksum, error) {
	if size < format.HeaderSize+format.EndRecordSize {
		return Checksum{}, ErrStreamTooSmall
	}

	windows := [2]window{
		{start: format.HeaderChecksumOffset, end: format.HeaderChecksumOffset + Size},
		{start: size - format.EndRecordSize + format.EndChecksumOffset, end: size - format.EndRecordSize + format.EndChecksumOffset + Size},
	}

	hasher := blake3.New()
	buf := make([]byte, 64<<10)
	section := io.NewSectionReader(r, 0, size)
	var pos int64
	for pos < size {
		n, err := section.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for _, w := range windows {
				w.zero(chunk, pos)
			}
			hasher.Write(chunk)
			pos += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Checksum{}, fmt.Errorf("hash archive stream: %w", err)
		}
	}
	if pos != size {
		return Checksum{}, fmt.Errorf("hash archive stream: short read (%d of %d bytes)", pos, size)
	}

	return SumOf(hasher), nil
}

// Patch writes sum into both checksum fields of a serialized archive of the
// given size. The fields must currently hold the placeholder zeros written
// during serialization; Patch does not verify this.
func Patch(w io.WriterAt, size int64, sum Checksum) error {
	if size < format.HeaderSize+format.EndRecordSize {
		return ErrStreamTooSmall
	}
	if _, err := w.WriteAt(sum[:], format.HeaderChecksumOffset); err != nil {
		return fmt.Errorf("patch header checksum: %w", err)
	}
	endOffset := size - format.EndRecordSize + format.EndChecksumOffset
	if _, err := w.WriteAt(sum[:], endOffset); err != nil {
		return fmt.Errorf("patch end record checksum: %w", err)
	}
	return nil
}

// window is a half-open byte range [start, end) in the archive stream whose
// content hashes as zeros.
type window struct {
	start, end int64
}

// zero clears the overlap between the window and a chunk that begins at
// absolute offset pos.
func (w window) zero(chunk []byte, pos int64) {
	lo := max(w.start-pos, 0)
	hi := min(w.end-pos, int64(len(chunk)))
	for i := lo; i < hi; i++ {
		chunk[i] = 0
	}
}

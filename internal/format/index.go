package format

import (
	"encoding/binary"
	"math"
)

// entryFixedSize is the byte size of an index entry after the path: offsets,
// sizes, algorithm tag, mtime, ownership, permissions, and checksum.
const entryFixedSize = 8 + 8 + 8 + 1 + 8 + 1 + 1 + 2 + ChecksumSize

// IndexEntry is the decoded form of one index entry.
type IndexEntry struct {
	Path             string
	DataOffset       uint64
	UncompressedSize uint64
	CompressedSize   uint64
	Algorithm        uint8
	ModTimeUnix      uint64
	UID              uint8
	GID              uint8
	Perm             uint16
	Checksum         [ChecksumSize]byte
}

// EncodedSize returns the on-disk size of the entry including its 4-byte
// length prefix.
func (e *IndexEntry) EncodedSize() int {
	return 4 + 4 + len(e.Path) + entryFixedSize
}

// AppendIndexEntry appends the length-prefixed encoding of e to buf. The
// length prefix excludes itself, so decoders can skip unknown trailing fields
// written by newer codecs.
func AppendIndexEntry(buf []byte, e *IndexEntry) []byte {
	entryLen := 4 + len(e.Path) + entryFixedSize
	buf = binary.BigEndian.AppendUint32(buf, uint32(entryLen))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Path)))
	buf = append(buf, e.Path...)
	buf = binary.BigEndian.AppendUint64(buf, e.DataOffset)
	buf = binary.BigEndian.AppendUint64(buf, e.UncompressedSize)
	buf = binary.BigEndian.AppendUint64(buf, e.CompressedSize)
	buf = append(buf, e.Algorithm)
	buf = binary.BigEndian.AppendUint64(buf, e.ModTimeUnix)
	buf = append(buf, e.UID, e.GID)
	buf = binary.BigEndian.AppendUint16(buf, e.Perm)
	buf = append(buf, e.Checksum[:]...)
	return buf
}

// EncodeIndex serializes the full index section: a 4-byte entry count
// followed by each entry's length-prefixed encoding.
func EncodeIndex(entries []IndexEntry) []byte {
	size := 4
	for i := range entries {
		size += entries[i].EncodedSize()
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for i := range entries {
		buf = AppendIndexEntry(buf, &entries[i])
	}
	return buf
}

// DecodeIndex parses the index section from buf. baseOffset is the absolute
// position of the index section in the archive and is used only for error
// reporting.
func DecodeIndex(buf []byte, baseOffset int64) ([]IndexEntry, error) {
	if len(buf) < 4 {
		return nil, &FormatError{Offset: baseOffset, Reason: "index entry count", Err: ErrTruncated}
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	entries := make([]IndexEntry, 0, min(int(count), 1024))
	pos := 4
	for i := uint32(0); i < count; i++ {
		entry, n, err := decodeIndexEntry(buf[pos:], baseOffset+int64(pos))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		pos += n
	}
	if pos != len(buf) {
		return nil, &FormatError{Offset: baseOffset + int64(pos), Reason: "trailing bytes after last index entry", Err: ErrMalformed}
	}
	return entries, nil
}

// decodeIndexEntry parses one length-prefixed entry and returns the number of
// bytes consumed. Entries longer than the fields this codec knows are
// accepted; the extra trailing bytes are skipped.
func decodeIndexEntry(buf []byte, offset int64) (IndexEntry, int, error) {
	if len(buf) < 4 {
		return IndexEntry{}, 0, &FormatError{Offset: offset, Reason: "index entry length prefix", Err: ErrTruncated}
	}
	entryLen := int(binary.BigEndian.Uint32(buf[0:4]))
	if entryLen > len(buf)-4 {
		return IndexEntry{}, 0, &FormatError{Offset: offset, Reason: "index entry body", Err: ErrTruncated}
	}
	body := buf[4 : 4+entryLen]

	if len(body) < 4 {
		return IndexEntry{}, 0, &FormatError{Offset: offset, Reason: "index entry path length", Err: ErrTruncated}
	}
	pathLen := int(binary.BigEndian.Uint32(body[0:4]))
	if pathLen > math.MaxInt32 || pathLen > len(body)-4 {
		return IndexEntry{}, 0, &FormatError{Offset: offset, Reason: "index entry path", Err: ErrMalformed}
	}
	if len(body) < 4+pathLen+entryFixedSize {
		return IndexEntry{}, 0, &FormatError{Offset: offset, Reason: "index entry fields", Err: ErrTruncated}
	}

	e := IndexEntry{Path: string(body[4 : 4+pathLen])}
	rest := body[4+pathLen:]
	e.DataOffset = binary.BigEndian.Uint64(rest[0:8])
	e.UncompressedSize = binary.BigEndian.Uint64(rest[8:16])
	e.CompressedSize = binary.BigEndian.Uint64(rest[16:24])
	e.Algorithm = rest[24]
	e.ModTimeUnix = binary.BigEndian.Uint64(rest[25:33])
	e.UID = rest[33]
	e.GID = rest[34]
	e.Perm = binary.BigEndian.Uint16(rest[35:37])
	copy(e.Checksum[:], rest[37:37+ChecksumSize])

	return e, 4 + entryLen, nil
}

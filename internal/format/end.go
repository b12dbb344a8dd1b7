package format

import "encoding/binary"

// EndRecord is the decoded form of the terminal 64-byte end record. It
// carries a redundant copy of the archive checksum so tampering with either
// copy is detectable without rehashing the stream.
type EndRecord struct {
	IndexOffset     uint64
	IndexLength     uint64
	ArchiveChecksum [ChecksumSize]byte
	Flags           byte
}

// EncodeEndRecord serializes r into a fixed 64-byte buffer.
func EncodeEndRecord(r *EndRecord) [EndRecordSize]byte {
	var buf [EndRecordSize]byte
	copy(buf[0:4], EndMagic)
	binary.BigEndian.PutUint64(buf[4:12], r.IndexOffset)
	binary.BigEndian.PutUint64(buf[12:20], r.IndexLength)
	copy(buf[EndChecksumOffset:EndChecksumOffset+ChecksumSize], r.ArchiveChecksum[:])
	buf[52] = r.Flags
	return buf
}

// DecodeEndRecord parses the end record from buf. offset is the absolute
// position of the record in the archive, used for error reporting.
func DecodeEndRecord(buf []byte, offset int64) (EndRecord, error) {
	if len(buf) < EndRecordSize {
		return EndRecord{}, &FormatError{Offset: offset, Reason: "end record needs 64 bytes", Err: ErrTruncated}
	}
	if string(buf[0:4]) != EndMagic {
		return EndRecord{}, &FormatError{Offset: offset, Reason: "end record magic", Err: ErrBadMagic}
	}
	r := EndRecord{
		IndexOffset: binary.BigEndian.Uint64(buf[4:12]),
		IndexLength: binary.BigEndian.Uint64(buf[12:20]),
		Flags:       buf[52],
	}
	copy(r.ArchiveChecksum[:], buf[EndChecksumOffset:EndChecksumOffset+ChecksumSize])
	return r, nil
}

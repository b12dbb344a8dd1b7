package format

import "encoding/binary"

// Header is the decoded form of the 512-byte archive header.
//
// DataSectionStart is always HeaderSize for archives written by this codec;
// it is stored explicitly so readers never hard-code the header size.
type Header struct {
	Version           uint32
	DataSectionStart  uint64
	IndexSectionStart uint64
	TotalFiles        uint32
	CreatedUnix       uint64
	ArchiveChecksum   [ChecksumSize]byte
	Flags             byte
}

// EncodeHeader serializes h into a fixed 512-byte buffer. Unused trailing
// bytes are zero.
func EncodeHeader(h *Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.DataSectionStart)
	binary.BigEndian.PutUint64(buf[16:24], h.IndexSectionStart)
	binary.BigEndian.PutUint32(buf[24:28], h.TotalFiles)
	binary.BigEndian.PutUint64(buf[28:36], h.CreatedUnix)
	copy(buf[HeaderChecksumOffset:HeaderChecksumOffset+ChecksumSize], h.ArchiveChecksum[:])
	buf[68] = h.Flags
	return buf
}

// DecodeHeader parses the archive header from buf.
//
// It fails with ErrTruncated when fewer than 512 bytes are available, with
// ErrBadMagic when the signature is wrong, and with ErrUnsupportedVersion
// when the version field is not the codec's supported version.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &FormatError{Offset: 0, Reason: "header needs 512 bytes", Err: ErrTruncated}
	}
	if string(buf[0:4]) != Magic {
		return Header{}, &FormatError{Offset: 0, Reason: "header magic", Err: ErrBadMagic}
	}
	h := Header{
		Version:           binary.BigEndian.Uint32(buf[4:8]),
		DataSectionStart:  binary.BigEndian.Uint64(buf[8:16]),
		IndexSectionStart: binary.BigEndian.Uint64(buf[16:24]),
		TotalFiles:        binary.BigEndian.Uint32(buf[24:28]),
		CreatedUnix:       binary.BigEndian.Uint64(buf[28:36]),
		Flags:             buf[68],
	}
	copy(h.ArchiveChecksum[:], buf[HeaderChecksumOffset:HeaderChecksumOffset+ChecksumSize])
	if h.Version != Version {
		return Header{}, &FormatError{Offset: 4, Reason: "version", Err: ErrUnsupportedVersion}
	}
	return h, nil
}

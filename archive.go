package darc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/darcfmt/darc/internal/format"
	"github.com/darcfmt/darc/internal/integrity"
	"github.com/darcfmt/darc/internal/sizing"
)

// Archive provides random access to a darc container. Listing decodes only
// the index, so its cost is proportional to entry count, not archive size.
//
// An Archive is safe for concurrent reads: all content access goes through
// ReadAt on the underlying file.
type Archive struct {
	f        *os.File
	size     int64
	header   format.Header
	end      format.EndRecord
	diverged bool
	logger   *slog.Logger

	indexOnce sync.Once
	indexErr  error
	entries   []format.IndexEntry // set by the first loadIndex call
}

// Option configures an Archive at open time.
type Option func(*Archive)

// WithLogger sets the logger for archive operations. If not set, logging is
// disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// Open opens an archive and parses its header and end record. The index is
// not read until List is first called.
//
// Diverging header and end-record checksum copies do not fail Open: the
// condition is recorded and surfaced by ChecksumDiverged, warned about on
// List, and refused by Extract unless forced.
func Open(path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	a := &Archive{f: f}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.readFooting(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return a, nil
}

// readFooting reads and validates the header and end record.
func (a *Archive) readFooting() error {
	info, err := a.f.Stat()
	if err != nil {
		return err
	}
	a.size = info.Size()
	if a.size < format.HeaderSize+format.EndRecordSize {
		return &format.FormatError{Offset: 0, Reason: "file smaller than header plus end record", Err: format.ErrTruncated}
	}

	var headerBuf [format.HeaderSize]byte
	if _, err := a.f.ReadAt(headerBuf[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	a.header, err = format.DecodeHeader(headerBuf[:])
	if err != nil {
		return err
	}

	var endBuf [format.EndRecordSize]byte
	if _, err := a.f.ReadAt(endBuf[:], a.size-format.EndRecordSize); err != nil {
		return fmt.Errorf("read end record: %w", err)
	}
	a.end, err = format.DecodeEndRecord(endBuf[:], a.size-format.EndRecordSize)
	if err != nil {
		return err
	}

	a.diverged = !integrity.Equal(a.header.ArchiveChecksum, a.end.ArchiveChecksum)
	if a.diverged {
		a.log().Warn("archive checksum copies diverge",
			"path", a.f.Name())
	}
	return nil
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	return a.f.Close()
}

// Path returns the path the archive was opened from.
func (a *Archive) Path() string {
	return a.f.Name()
}

// Size returns the archive file size in bytes.
func (a *Archive) Size() int64 {
	return a.size
}

// TotalFiles returns the entry count recorded in the header.
func (a *Archive) TotalFiles() uint32 {
	return a.header.TotalFiles
}

// Created returns the archive creation time recorded in the header.
func (a *Archive) Created() time.Time {
	return time.Unix(int64(a.header.CreatedUnix), 0) //nolint:gosec // timestamps fit in int64
}

// ArchiveChecksum returns the archive-level checksum from the header.
func (a *Archive) ArchiveChecksum() Checksum {
	return a.header.ArchiveChecksum
}

// ChecksumDiverged reports whether the header and end-record copies of the
// archive checksum differ. Divergence is itself a corruption signal,
// detectable without rehashing the stream.
func (a *Archive) ChecksumDiverged() bool {
	return a.diverged
}

// List returns the archive's entries in the order files were submitted at
// build time. The index is decoded on first call and cached.
//
// Listing proceeds (with a warning) on archives whose checksum copies
// diverge, so a damaged archive can still be inspected.
func (a *Archive) List() ([]Entry, error) {
	if err := a.loadIndex(); err != nil {
		return nil, err
	}
	entries := make([]Entry, len(a.entries))
	for i := range a.entries {
		entries[i] = entryFromIndex(&a.entries[i])
	}
	return entries, nil
}

// loadIndex decodes and caches the index section. Decoding runs exactly
// once even under concurrent List, Extract, or Validate calls.
func (a *Archive) loadIndex() error {
	a.indexOnce.Do(func() {
		a.indexErr = a.decodeIndex()
	})
	return a.indexErr
}

func (a *Archive) decodeIndex() error {
	indexStart, err := sizing.ToInt64(a.header.IndexSectionStart, ErrSizeOverflow)
	if err != nil {
		return err
	}
	if indexStart < format.HeaderSize || indexStart > a.size-format.EndRecordSize {
		return &format.FormatError{Offset: 16, Reason: "index section start out of bounds", Err: format.ErrMalformed}
	}
	indexLen := a.size - format.EndRecordSize - indexStart

	buf := make([]byte, indexLen)
	if _, err := a.f.ReadAt(buf, indexStart); err != nil && err != io.EOF {
		return fmt.Errorf("read index: %w", err)
	}
	entries, err := format.DecodeIndex(buf, indexStart)
	if err != nil {
		return err
	}
	if uint32(len(entries)) != a.header.TotalFiles {
		a.log().Warn("index entry count disagrees with header",
			"index", len(entries), "header", a.header.TotalFiles)
	}
	a.entries = entries
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

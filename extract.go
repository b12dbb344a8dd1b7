package darc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/darcfmt/darc/internal/compress"
	"github.com/darcfmt/darc/internal/format"
	"github.com/darcfmt/darc/internal/integrity"
	"github.com/darcfmt/darc/internal/platform"
	"github.com/darcfmt/darc/internal/sizing"
)

// ExtractFailure records one entry that could not be extracted.
type ExtractFailure struct {
	Path string
	Err  error
}

// ExtractReport summarizes a best-effort extraction. A failure on one entry
// does not stop the others; every failing path is listed.
type ExtractReport struct {
	// Extracted counts entries written successfully.
	Extracted int

	// Failures lists entries that could not be extracted, in index order.
	Failures []ExtractFailure
}

// Failed reports whether any entry failed.
func (r *ExtractReport) Failed() bool {
	return len(r.Failures) > 0
}

// Extract writes the selected entries (default: all) under destDir,
// restoring modification time, ownership, and permission bits from the
// index. Ownership restoration is best-effort and a no-op where the host
// has no such concept.
//
// Each file is written through a temporary file and renamed into place after
// its checksum verifies, so a failing entry never leaves partial content at
// its target path. Extraction is best-effort across entries: failures are
// collected in the report and the returned error is ErrPartialExtraction
// when any entry failed.
//
// Archives whose checksum copies diverge are refused unless
// ExtractWithForce is set.
func (a *Archive) Extract(destDir string, opts ...ExtractOption) (*ExtractReport, error) {
	cfg := extractConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = a.logger
	}

	if a.diverged && !cfg.force {
		return nil, ErrChecksumDiverged
	}

	if err := a.loadIndex(); err != nil {
		return nil, err
	}
	selected := make([]*format.IndexEntry, 0, len(a.entries))
	for i := range a.entries {
		if cfg.selector == nil || cfg.selector(a.entries[i].Path) {
			selected = append(selected, &a.entries[i])
		}
	}

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	ex := &extractor{
		archive: a,
		destDir: destDir,
		cfg:     &cfg,
		logger:  logger,
		total:   len(selected),
	}
	report := ex.run(selected)

	if report.Failed() {
		return report, fmt.Errorf("%w: %d of %d entries", ErrPartialExtraction, len(report.Failures), len(selected))
	}
	return report, nil
}

// extractor runs per-entry extraction across a worker pool. Entries are
// independent: each reads its own byte range via ReadAt, so the only shared
// state is the failure list behind a mutex.
type extractor struct {
	archive *Archive
	destDir string
	cfg     *extractConfig
	logger  *slog.Logger
	total   int

	mu       sync.Mutex
	done     int
	failures []ExtractFailure
}

func (ex *extractor) log() *slog.Logger {
	if ex.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return ex.logger
}

func (ex *extractor) run(selected []*format.IndexEntry) *ExtractReport {
	workers := ex.cfg.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 || len(selected) < 2 {
		workers = 1
	}
	if workers > len(selected) {
		workers = len(selected)
	}

	// Failures must come out in index order even with parallel workers.
	errs := make([]error, len(selected))

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for i := start; i < len(selected); i += workers {
				errs[i] = ex.extractEntry(selected[i])
				ex.progress(selected[i].Path)
			}
		}(w)
	}
	wg.Wait()

	report := &ExtractReport{}
	for i, err := range errs {
		if err != nil {
			ex.log().Warn("entry failed", "path", selected[i].Path, "error", err)
			report.Failures = append(report.Failures, ExtractFailure{Path: selected[i].Path, Err: err})
			continue
		}
		report.Extracted++
	}
	return report
}

func (ex *extractor) progress(path string) {
	if ex.cfg.progress == nil {
		return
	}
	ex.mu.Lock()
	ex.done++
	done := ex.done
	ex.mu.Unlock()
	ex.cfg.progress(ProgressEvent{
		Stage:      StageExtracting,
		Path:       path,
		FilesDone:  done,
		FilesTotal: ex.total,
	})
}

// extractEntry verifies and writes a single entry.
func (ex *extractor) extractEntry(entry *format.IndexEntry) error {
	if !fs.ValidPath(entry.Path) || entry.Path == "." {
		return &fs.PathError{Op: "extract", Path: entry.Path, Err: fs.ErrInvalid}
	}
	algo, err := compress.Decode(entry.Algorithm)
	if err != nil {
		return err
	}
	if algo == compress.None && entry.CompressedSize != entry.UncompressedSize {
		return &format.FormatError{Offset: -1, Reason: "stored entry sizes disagree: " + entry.Path, Err: format.ErrMalformed}
	}

	destPath := filepath.Join(ex.destDir, filepath.FromSlash(entry.Path))
	if !ex.cfg.overwrite {
		if _, err := os.Lstat(destPath); err == nil {
			return fmt.Errorf("%w: %s exists", ErrPathConflict, destPath)
		}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	section, err := ex.entrySection(entry)
	if err != nil {
		return err
	}
	dec, err := compress.NewReader(section, algo)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer dec.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".darc-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := ex.writeVerified(entry, dec, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := restoreMetadata(tmpPath, entry); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	success = true
	return nil
}

// entrySection locates the entry's compressed bytes, checking the stored
// length prefix and data-section bounds before any content is read.
func (ex *extractor) entrySection(entry *format.IndexEntry) (*io.SectionReader, error) {
	a := ex.archive
	blockStart, ok := sizing.AddUint64(a.header.DataSectionStart, entry.DataOffset)
	if !ok {
		return nil, ErrSizeOverflow
	}
	blockEnd, ok := sizing.AddUint64(blockStart, format.DataLengthPrefixSize+entry.CompressedSize)
	if !ok {
		return nil, ErrSizeOverflow
	}
	if blockEnd > a.header.IndexSectionStart {
		return nil, &format.FormatError{
			Offset: int64(blockStart), //nolint:gosec // bounded by file size below
			Reason: "entry extends past data section: " + entry.Path,
			Err:    format.ErrMalformed,
		}
	}

	offset, err := sizing.ToInt64(blockStart, ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	var prefix [format.DataLengthPrefixSize]byte
	if _, err := a.f.ReadAt(prefix[:], offset); err != nil {
		return nil, fmt.Errorf("read %s: %w", entry.Path, err)
	}
	if binary.BigEndian.Uint64(prefix[:]) != entry.CompressedSize {
		return nil, &format.FormatError{
			Offset: offset,
			Reason: "length prefix disagrees with index: " + entry.Path,
			Err:    format.ErrMalformed,
		}
	}

	length, err := sizing.ToInt64(entry.CompressedSize, ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(a.f, offset+format.DataLengthPrefixSize, length), nil
}

// writeVerified streams exactly UncompressedSize bytes from dec to w while
// hashing, then checks for trailing data and compares the digest against
// the index.
func (ex *extractor) writeVerified(entry *format.IndexEntry, dec io.Reader, w io.Writer) error {
	expected, err := sizing.ToInt64(entry.UncompressedSize, ErrSizeOverflow)
	if err != nil {
		return err
	}

	hasher := integrity.NewHasher()
	tee := io.TeeReader(dec, hasher)
	if _, err := io.CopyN(w, tee, expected); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("decompress %s: unexpected EOF", entry.Path)
		}
		return fmt.Errorf("decompress %s: %w", entry.Path, err)
	}
	var extra [1]byte
	if n, err := tee.Read(extra[:]); n > 0 || (err != nil && err != io.EOF) {
		return fmt.Errorf("decompress %s: trailing data", entry.Path)
	}

	if !integrity.Equal(integrity.SumOf(hasher), entry.Checksum) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, entry.Path)
	}
	return nil
}

// restoreMetadata applies permissions, mtime, and ownership to the written
// file before it is renamed into place.
func restoreMetadata(path string, entry *format.IndexEntry) error {
	if err := os.Chmod(path, fs.FileMode(entry.Perm)); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	mtime, err := sizing.ToInt64(entry.ModTimeUnix, ErrSizeOverflow)
	if err != nil {
		return err
	}
	t := time.Unix(mtime, 0)
	if err := os.Chtimes(path, t, t); err != nil {
		return fmt.Errorf("chtimes: %w", err)
	}
	return platform.Chown(path, int(entry.UID), int(entry.GID))
}

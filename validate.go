package darc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"github.com/darcfmt/darc/internal/compress"
	"github.com/darcfmt/darc/internal/format"
	"github.com/darcfmt/darc/internal/integrity"
	"github.com/darcfmt/darc/internal/sizing"
)

// Finding records one failed structural check.
type Finding struct {
	// Check names the structural property that failed.
	Check string
	Err   error
}

// EntryFinding records one entry whose content failed the slow pass.
type EntryFinding struct {
	Path string
	Err  error
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	// Passed counts structural checks that succeeded.
	Passed int

	// Findings lists failed structural checks.
	Findings []Finding

	// SlowPass reports whether per-entry content verification ran. It is
	// skipped when structural checks fail, since entry ranges cannot be
	// trusted.
	SlowPass bool

	// EntriesChecked counts entries verified by the slow pass.
	EntriesChecked int

	// EntryFindings lists entries whose recomputed checksum did not match
	// the index, or whose content could not be decompressed. A single
	// mismatch does not abort the pass; every failing path is listed.
	EntryFindings []EntryFinding
}

// Valid reports whether no check failed.
func (r *ValidationReport) Valid() bool {
	return len(r.Findings) == 0 && len(r.EntryFindings) == 0
}

// Summary returns a short human-readable result line.
func (r *ValidationReport) Summary() string {
	failed := len(r.Findings) + len(r.EntryFindings)
	return fmt.Sprintf("%d passed, %d failed", r.Passed+r.EntriesChecked-len(r.EntryFindings), failed)
}

// Validate checks the archive's structure and, when slow is true, re-reads
// and re-hashes every entry's content against its stored checksum.
//
// The structural pass always runs: checksum-copy agreement, section
// geometry, the full archive-level checksum, and per-entry range
// consistency. When any structural check fails the slow pass is skipped, so
// no decompression is attempted on an archive whose structure is
// inconsistent.
func (a *Archive) Validate(slow bool, opts ...ValidateOption) (*ValidationReport, error) {
	cfg := validateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = a.logger
	}

	v := &validator{archive: a, cfg: &cfg, logger: logger, report: &ValidationReport{}}
	if err := v.structural(); err != nil {
		return nil, err
	}
	if slow && len(v.report.Findings) == 0 {
		v.report.SlowPass = true
		v.slowPass()
	}
	return v.report, nil
}

type validator struct {
	archive *Archive
	cfg     *validateConfig
	logger  *slog.Logger
	report  *ValidationReport
}

func (v *validator) log() *slog.Logger {
	if v.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.logger
}

// check records the outcome of one named structural check.
func (v *validator) check(name string, err error) {
	if err == nil {
		v.report.Passed++
		return
	}
	v.log().Warn("validation check failed", "check", name, "error", err)
	v.report.Findings = append(v.report.Findings, Finding{Check: name, Err: err})
}

// structural runs every structural check. Only I/O failures return an
// error; format inconsistencies become findings.
func (v *validator) structural() error {
	a := v.archive

	v.check("checksum copies equal", func() error {
		if a.diverged {
			return ErrChecksumDiverged
		}
		return nil
	}())

	v.check("data section start", func() error {
		if a.header.DataSectionStart != format.HeaderSize {
			return &format.FormatError{Offset: 8, Reason: "data section does not start at header end", Err: format.ErrMalformed}
		}
		return nil
	}())

	v.check("index location", func() error {
		if a.end.IndexOffset != a.header.IndexSectionStart {
			return &format.FormatError{Offset: a.size - format.EndRecordSize, Reason: "end record and header disagree on index offset", Err: format.ErrMalformed}
		}
		return nil
	}())

	v.check("file size", func() error {
		want, ok := sizing.AddUint64(a.header.IndexSectionStart, a.end.IndexLength)
		if !ok {
			return ErrSizeOverflow
		}
		want, ok = sizing.AddUint64(want, format.EndRecordSize)
		if !ok {
			return ErrSizeOverflow
		}
		if want != uint64(a.size) { //nolint:gosec // file sizes are non-negative
			return &format.FormatError{Offset: 16, Reason: fmt.Sprintf("sections describe %d bytes, file has %d", want, a.size), Err: format.ErrMalformed}
		}
		return nil
	}())

	// An index that cannot be decoded makes the remaining checks
	// meaningless; record it and stop here.
	if err := a.loadIndex(); err != nil {
		if ioErr := asIOError(err); ioErr != nil {
			return ioErr
		}
		v.check("index decodes", err)
		return nil
	}
	v.check("index decodes", nil)

	v.check("entry count", func() error {
		if uint32(len(a.entries)) != a.header.TotalFiles {
			return &format.FormatError{Offset: 24, Reason: fmt.Sprintf("header records %d files, index has %d", a.header.TotalFiles, len(a.entries)), Err: format.ErrMalformed}
		}
		return nil
	}())

	v.check("entry ranges", v.entryRanges())

	sum, err := integrity.ArchiveChecksum(a.f, a.size)
	if err != nil {
		return err
	}
	v.check("archive checksum", func() error {
		if !integrity.Equal(sum, a.header.ArchiveChecksum) {
			return fmt.Errorf("%w: archive", ErrChecksumMismatch)
		}
		return nil
	}())

	return nil
}

// entryRanges verifies that every entry's length-prefixed block lies inside
// the data section and that blocks occupy pairwise disjoint byte ranges.
func (v *validator) entryRanges() error {
	a := v.archive
	dataLen := a.header.IndexSectionStart - a.header.DataSectionStart

	type span struct {
		start, end uint64
		path       string
	}
	spans := make([]span, 0, len(a.entries))
	for i := range a.entries {
		e := &a.entries[i]
		end, ok := sizing.AddUint64(e.DataOffset, format.DataLengthPrefixSize+e.CompressedSize)
		if !ok {
			return ErrSizeOverflow
		}
		if end > dataLen {
			return &format.FormatError{Offset: -1, Reason: "entry extends past data section: " + e.Path, Err: format.ErrMalformed}
		}
		spans = append(spans, span{start: e.DataOffset, end: end, path: e.Path})
	}

	slices.SortFunc(spans, func(x, y span) int {
		if x.start < y.start {
			return -1
		}
		if x.start > y.start {
			return 1
		}
		return 0
	})
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return &format.FormatError{Offset: -1, Reason: fmt.Sprintf("entries %s and %s overlap", spans[i-1].path, spans[i].path), Err: format.ErrMalformed}
		}
	}
	return nil
}

// slowPass re-reads, decompresses, and re-hashes every entry. Entries are
// independently addressable, so verification runs on a worker pool; all
// entries are checked even when some fail.
func (v *validator) slowPass() {
	a := v.archive
	entries := a.entries
	v.report.EntriesChecked = len(entries)
	if len(entries) == 0 {
		return
	}

	workers := v.cfg.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 || len(entries) < 2 {
		workers = 1
	}
	if workers > len(entries) {
		workers = len(entries)
	}

	errs := make([]error, len(entries))
	var done sync.WaitGroup
	var mu sync.Mutex
	checked := 0

	for w := range workers {
		done.Add(1)
		go func(start int) {
			defer done.Done()
			for i := start; i < len(entries); i += workers {
				errs[i] = v.verifyEntry(&entries[i])
				if v.cfg.progress != nil {
					mu.Lock()
					checked++
					n := checked
					mu.Unlock()
					v.cfg.progress(ProgressEvent{
						Stage:      StageVerifying,
						Path:       entries[i].Path,
						FilesDone:  n,
						FilesTotal: len(entries),
					})
				}
			}
		}(w)
	}
	done.Wait()

	for i, err := range errs {
		if err != nil {
			v.log().Warn("entry verification failed", "path", entries[i].Path, "error", err)
			v.report.EntryFindings = append(v.report.EntryFindings, EntryFinding{Path: entries[i].Path, Err: err})
		}
	}
}

// verifyEntry decompresses one entry and compares the recomputed checksum
// against the index.
func (v *validator) verifyEntry(entry *format.IndexEntry) error {
	a := v.archive
	algo, err := compress.Decode(entry.Algorithm)
	if err != nil {
		return err
	}

	blockStart, ok := sizing.AddUint64(a.header.DataSectionStart, entry.DataOffset)
	if !ok {
		return ErrSizeOverflow
	}
	offset, err := sizing.ToInt64(blockStart, ErrSizeOverflow)
	if err != nil {
		return err
	}
	length, err := sizing.ToInt64(entry.CompressedSize, ErrSizeOverflow)
	if err != nil {
		return err
	}

	section := io.NewSectionReader(a.f, offset+format.DataLengthPrefixSize, length)
	dec, err := compress.NewReader(section, algo)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer dec.Close()

	hasher := integrity.NewHasher()
	n, err := io.Copy(hasher, dec)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if uint64(n) != entry.UncompressedSize { //nolint:gosec // io.Copy counts are non-negative
		return fmt.Errorf("decompressed %d bytes, index records %d", n, entry.UncompressedSize)
	}
	if !integrity.Equal(integrity.SumOf(hasher), entry.Checksum) {
		return fmt.Errorf("%w: entry content", ErrChecksumMismatch)
	}
	return nil
}

// asIOError returns err when it is an I/O failure rather than a format
// problem, so callers can distinguish unreadable files from invalid ones.
func asIOError(err error) error {
	var fe *format.FormatError
	if errors.As(err, &fe) {
		return nil
	}
	return err
}

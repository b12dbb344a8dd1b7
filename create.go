package darc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/darcfmt/darc/internal/compress"
	"github.com/darcfmt/darc/internal/format"
	"github.com/darcfmt/darc/internal/integrity"
	"github.com/darcfmt/darc/internal/platform"
)

// FileInput names one file to archive. The caller supplies the ordered file
// list; directory traversal and exclusion matching happen outside this
// package.
type FileInput struct {
	// Path is the archive-relative slash-separated path the file is stored
	// under. Must satisfy fs.ValidPath.
	Path string

	// SourcePath is the on-disk location read at build time. When empty,
	// Path (interpreted relative to the working directory) is read instead.
	SourcePath string
}

// Create builds an archive at archivePath from the given files, in the order
// provided. Entry order in the index equals submission order regardless of
// compression worker scheduling.
//
// The archive is assembled in a temporary file next to archivePath and
// renamed into place only after a successful finalize, so a failed or
// cancelled build never leaves a partial archive at the target path.
func Create(ctx context.Context, archivePath string, files []FileInput, opts ...CreateOption) error {
	cfg := createConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.selector == nil {
		cfg.selector = DefaultSelector()
	}
	if cfg.maxFileSize == 0 {
		cfg.maxFileSize = DefaultMaxFileSize
	}
	if cfg.pendingBudget == 0 {
		cfg.pendingBudget = defaultPendingBudget
	}
	if cfg.created.IsZero() {
		cfg.created = time.Now()
	}

	if err := checkInputs(files, cfg.maxFiles); err != nil {
		return err
	}

	b := &builder{cfg: cfg}
	b.log().Info("creating archive", "path", archivePath, "files", len(files))

	dir := filepath.Dir(archivePath)
	tmp, err := os.CreateTemp(dir, ".darc-*")
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

	if err := b.writeArchive(ctx, tmp, files); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	success = true
	b.log().Info("archive created", "path", archivePath)
	return nil
}

// checkInputs rejects invalid or duplicate archive paths and enforces entry
// count limits before any byte is written.
func checkInputs(files []FileInput, maxFiles int) error {
	if maxFiles == 0 {
		maxFiles = DefaultMaxFiles
	}
	if maxFiles > 0 && len(files) > maxFiles {
		return ErrTooManyFiles
	}
	if len(files) > math.MaxUint32 {
		return ErrTooManyFiles
	}
	seen := make(map[string]struct{}, len(files))
	for _, in := range files {
		if !fs.ValidPath(in.Path) || in.Path == "." {
			return &fs.PathError{Op: "create", Path: in.Path, Err: fs.ErrInvalid}
		}
		if _, ok := seen[in.Path]; ok {
			return fmt.Errorf("%w: duplicate entry %q", ErrPathConflict, in.Path)
		}
		seen[in.Path] = struct{}{}
	}
	return nil
}

// builder owns archive assembly state. The data-section write cursor is
// mutated only by the single writer goroutine.
type builder struct {
	cfg createConfig
}

// log returns the logger, falling back to a discard logger if nil.
func (b *builder) log() *slog.Logger {
	if b.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.cfg.logger
}

// compressed is one worker's output: a finished index entry (data offset
// still unset) plus the bytes destined for the data section.
type compressed struct {
	index  int
	entry  format.IndexEntry
	data   []byte
	charge int64
}

// writeArchive serializes the complete archive into f with both checksum
// fields zeroed, then patches in the BLAKE3 digest of the zeroed stream.
func (b *builder) writeArchive(ctx context.Context, f *os.File, files []FileInput) error {
	// Placeholder header; the real one is patched in at finalize when the
	// index position and entry count are known.
	if _, err := f.Write(make([]byte, format.HeaderSize)); err != nil {
		return fmt.Errorf("write header placeholder: %w", err)
	}

	entries, dataSize, err := b.writeDataSection(ctx, f, files)
	if err != nil {
		return err
	}

	b.report(ProgressEvent{Stage: StageWritingIndex, FilesDone: len(entries), FilesTotal: len(files)})
	indexBytes := format.EncodeIndex(entries)
	if _, err := f.Write(indexBytes); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	indexStart := uint64(format.HeaderSize) + dataSize
	end := format.EndRecord{
		IndexOffset: indexStart,
		IndexLength: uint64(len(indexBytes)),
	}
	endBytes := format.EncodeEndRecord(&end)
	if _, err := f.Write(endBytes[:]); err != nil {
		return fmt.Errorf("write end record: %w", err)
	}

	created := b.cfg.created.Unix()
	if created < 0 {
		created = 0
	}
	header := format.Header{
		Version:           format.Version,
		DataSectionStart:  format.HeaderSize,
		IndexSectionStart: indexStart,
		TotalFiles:        uint32(len(entries)),
		CreatedUnix:       uint64(created),
	}
	headerBytes := format.EncodeHeader(&header)
	if _, err := f.WriteAt(headerBytes[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	b.report(ProgressEvent{Stage: StageFinalizing, FilesDone: len(entries), FilesTotal: len(files)})
	size := int64(format.HeaderSize) + int64(dataSize) + int64(len(indexBytes)) + format.EndRecordSize
	sum, err := integrity.ArchiveChecksum(f, size)
	if err != nil {
		return err
	}
	if err := integrity.Patch(f, size, sum); err != nil {
		return err
	}

	b.log().Debug("archive finalized",
		"entries", len(entries), "data_bytes", dataSize, "index_bytes", len(indexBytes))
	return nil
}

// writeDataSection compresses every file and appends the length-prefixed
// blocks to f. Compression runs on a worker pool; the single writer consumes
// results in submission order, buffering out-of-order completions, so data
// offsets are deterministic regardless of worker completion order.
func (b *builder) writeDataSection(ctx context.Context, f *os.File, files []FileInput) ([]format.IndexEntry, uint64, error) {
	workers := b.workerCount(len(files))
	if workers < 2 {
		return b.writeDataSerial(ctx, f, files)
	}

	budget := semaphore.NewWeighted(int64(b.cfg.pendingBudget)) //nolint:gosec // budget bounded by option
	jobs := make(chan compressJob)
	results := make(chan compressed, workers)

	eg, ctx := errgroup.WithContext(ctx)

	// Producer: stats files in submission order and charges the pending
	// budget before handing the job to a worker. Acquiring in index order
	// keeps the reorder buffer bounded and deadlock-free.
	eg.Go(func() error {
		defer close(jobs)
		for i, in := range files {
			charge, err := b.chargeFor(in)
			if err != nil {
				return err
			}
			if err := budget.Acquire(ctx, charge); err != nil {
				return err
			}
			select {
			case jobs <- compressJob{index: i, input: in, charge: charge}:
			case <-ctx.Done():
				budget.Release(charge)
				return ctx.Err()
			}
		}
		return nil
	})

	var workerGroup errgroup.Group
	for range workers {
		workerGroup.Go(func() error {
			for job := range jobs {
				entry, data, err := b.processFile(job.input)
				if err != nil {
					budget.Release(job.charge)
					return err
				}
				res := compressed{index: job.index, entry: entry, data: data, charge: job.charge}
				select {
				case results <- res:
				case <-ctx.Done():
					budget.Release(job.charge)
					return ctx.Err()
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		defer close(results)
		return workerGroup.Wait()
	})

	var (
		entries  []format.IndexEntry
		dataSize uint64
	)
	eg.Go(func() error {
		writer := &sectionWriter{f: f, builder: b, budget: budget, total: len(files)}
		var err error
		entries, dataSize, err = writer.drain(ctx, results)
		return err
	})

	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}
	return entries, dataSize, nil
}

type compressJob struct {
	index  int
	input  FileInput
	charge int64
}

// chargeFor estimates the pending-budget cost of a file: its current size,
// clamped so a single oversized file cannot exceed the whole budget.
func (b *builder) chargeFor(in FileInput) (int64, error) {
	info, err := os.Stat(sourcePath(in))
	if err != nil {
		return 0, err
	}
	charge := info.Size()
	if charge < 1 {
		charge = 1
	}
	if limit := int64(b.cfg.pendingBudget); charge > limit { //nolint:gosec // budget bounded by option
		charge = limit
	}
	return charge, nil
}

// sectionWriter appends compressed blocks to the data section in submission
// order. It owns the write cursor exclusively.
type sectionWriter struct {
	f       *os.File
	builder *builder
	budget  *semaphore.Weighted
	total   int
}

// drain consumes worker results, reordering them by submission index, and
// writes each [length u64][bytes] block.
func (w *sectionWriter) drain(ctx context.Context, results <-chan compressed) ([]format.IndexEntry, uint64, error) {
	entries := make([]format.IndexEntry, 0, w.total)
	pending := make(map[int]compressed)
	var cursor uint64
	next := 0
	for next < w.total {
		select {
		case res, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, 0, err
				}
				return nil, 0, fmt.Errorf("compression pipeline ended after %d of %d files", next, w.total)
			}
			pending[res.index] = res
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				entry, written, err := appendBlock(w.f, res.entry, res.data, cursor)
				w.budget.Release(res.charge)
				if err != nil {
					return nil, 0, err
				}
				cursor += written
				entries = append(entries, entry)
				next++
				w.builder.report(ProgressEvent{
					Stage:      StageCompressing,
					Path:       entry.Path,
					BytesDone:  cursor,
					FilesDone:  next,
					FilesTotal: w.total,
				})
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return entries, cursor, nil
}

// writeDataSerial is the single-goroutine path used for small inputs or when
// parallelism is disabled.
func (b *builder) writeDataSerial(ctx context.Context, f *os.File, files []FileInput) ([]format.IndexEntry, uint64, error) {
	entries := make([]format.IndexEntry, 0, len(files))
	var cursor uint64
	for i, in := range files {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		entry, data, err := b.processFile(in)
		if err != nil {
			return nil, 0, err
		}
		entry, written, err := appendBlock(f, entry, data, cursor)
		if err != nil {
			return nil, 0, err
		}
		cursor += written
		entries = append(entries, entry)
		b.report(ProgressEvent{
			Stage:      StageCompressing,
			Path:       entry.Path,
			BytesDone:  cursor,
			FilesDone:  i + 1,
			FilesTotal: len(files),
		})
	}
	return entries, cursor, nil
}

// appendBlock writes one length-prefixed block at the current cursor and
// returns the completed entry and bytes written.
func appendBlock(f *os.File, entry format.IndexEntry, data []byte, cursor uint64) (format.IndexEntry, uint64, error) {
	entry.DataOffset = cursor
	var prefix [format.DataLengthPrefixSize]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	if _, err := f.Write(prefix[:]); err != nil {
		return entry, 0, fmt.Errorf("write %s: %w", entry.Path, err)
	}
	if _, err := f.Write(data); err != nil {
		return entry, 0, fmt.Errorf("write %s: %w", entry.Path, err)
	}
	return entry, format.DataLengthPrefixSize + uint64(len(data)), nil
}

// processFile reads one source file, selects an algorithm, and produces the
// compressed block plus its index entry. The uncompressed content streams
// through the hasher and encoder; only the compressed form is buffered.
func (b *builder) processFile(in FileInput) (format.IndexEntry, []byte, error) {
	src := sourcePath(in)
	f, err := os.Open(src)
	if err != nil {
		return format.IndexEntry{}, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return format.IndexEntry{}, nil, err
	}
	if !info.Mode().IsRegular() {
		return format.IndexEntry{}, nil, fmt.Errorf("not a regular file: %s", src)
	}
	if uint64(info.Size()) > b.cfg.maxFileSize { //nolint:gosec // regular file sizes are non-negative
		return format.IndexEntry{}, nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrSizeOverflow, src, info.Size(), b.cfg.maxFileSize)
	}

	sniff := make([]byte, compress.SniffLen)
	n, err := io.ReadFull(f, sniff)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return format.IndexEntry{}, nil, fmt.Errorf("read %s: %w", src, err)
	}
	sniff = sniff[:n]

	algo := b.cfg.selector(in.Path, info.Size(), sniff)
	if info.Size() == 0 {
		// Empty content is always stored raw: every codec would emit a
		// nonzero frame for zero bytes.
		algo = compress.None
	}

	entry, data, err := b.encodeContent(f, sniff, algo, src)
	if err != nil {
		return format.IndexEntry{}, nil, err
	}

	// A grown "compressed" block buys nothing; store raw instead.
	if algo != compress.None && uint64(len(data)) >= entry.UncompressedSize {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return format.IndexEntry{}, nil, fmt.Errorf("rewind %s: %w", src, err)
		}
		entry, data, err = b.encodeContent(f, nil, compress.None, src)
		if err != nil {
			return format.IndexEntry{}, nil, err
		}
		algo = compress.None
	}

	entry.Path = in.Path
	entry.Algorithm = uint8(algo)
	if err := b.fillMetadata(&entry, info, src); err != nil {
		return format.IndexEntry{}, nil, err
	}
	return entry, data, nil
}

// encodeContent streams sniff followed by the rest of f through the entry
// hasher and the selected encoder, returning the sizes, checksum, and
// compressed bytes.
func (b *builder) encodeContent(f *os.File, sniff []byte, algo compress.Algorithm, src string) (format.IndexEntry, []byte, error) {
	var buf bytes.Buffer
	enc, err := compress.NewWriter(&buf, algo)
	if err != nil {
		return format.IndexEntry{}, nil, err
	}

	hasher := integrity.NewHasher()
	sink := io.MultiWriter(enc, hasher)

	var total uint64
	if len(sniff) > 0 {
		if _, err := sink.Write(sniff); err != nil {
			_ = enc.Close()
			return format.IndexEntry{}, nil, fmt.Errorf("compress %s: %w", src, err)
		}
		total += uint64(len(sniff))
	}
	// Bound the copy so a file growing mid-build cannot blow the size limit.
	limit := int64(b.cfg.maxFileSize) + 1 //nolint:gosec // limit bounded by option
	n, err := io.Copy(sink, io.LimitReader(f, limit))
	if err != nil {
		_ = enc.Close()
		return format.IndexEntry{}, nil, fmt.Errorf("compress %s: %w", src, err)
	}
	total += uint64(n) //nolint:gosec // io.Copy counts are non-negative
	if total > b.cfg.maxFileSize {
		_ = enc.Close()
		return format.IndexEntry{}, nil, fmt.Errorf("%w: %s grew past %d bytes", ErrSizeOverflow, src, b.cfg.maxFileSize)
	}
	if err := enc.Close(); err != nil {
		return format.IndexEntry{}, nil, fmt.Errorf("compress %s: %w", src, err)
	}

	data := buf.Bytes()
	entry := format.IndexEntry{
		UncompressedSize: total,
		CompressedSize:   uint64(len(data)),
		Checksum:         integrity.SumOf(hasher),
	}
	return entry, data, nil
}

// fillMetadata captures mtime, ownership, and permissions into the entry.
// Out-of-range uid/gid values are clamped to the format's single-byte
// fields, or rejected in strict ownership mode.
func (b *builder) fillMetadata(entry *format.IndexEntry, info fs.FileInfo, src string) error {
	mtime := info.ModTime().Unix()
	if mtime < 0 {
		mtime = 0
	}
	entry.ModTimeUnix = uint64(mtime)
	entry.Perm = uint16(info.Mode().Perm()) //nolint:gosec // permission bits fit in 12 bits

	uid, gid := platform.FileOwner(info)
	if b.cfg.strictOwnership && (uid > math.MaxUint8 || gid > math.MaxUint8) {
		return fmt.Errorf("%w: %s has uid=%d gid=%d", ErrOwnerOutOfRange, src, uid, gid)
	}
	entry.UID = clampOwner(uid)
	entry.GID = clampOwner(gid)
	return nil
}

func clampOwner(id uint32) uint8 {
	if id > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(id)
}

func sourcePath(in FileInput) string {
	if in.SourcePath != "" {
		return in.SourcePath
	}
	return filepath.FromSlash(in.Path)
}

// workerCount picks the compression parallelism: explicit option, else
// GOMAXPROCS capped at the file count.
func (b *builder) workerCount(files int) int {
	if files < 2 || b.cfg.workers < 0 {
		return 1
	}
	workers := b.cfg.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > files {
		workers = files
	}
	return workers
}

// report sends a progress event if a callback is configured.
func (b *builder) report(ev ProgressEvent) {
	if b.cfg.progress == nil {
		return
	}
	b.cfg.progress(ev)
}

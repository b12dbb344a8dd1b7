package darc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darcfmt/darc/internal/format"
	"github.com/darcfmt/darc/internal/integrity"
)

// testInput is one file written to disk and submitted to Create.
type testInput struct {
	path    string
	content []byte
}

// testInputs builds the standard fixture set: an empty file, compressible
// text, and an already-compressed image.
func testInputs(t *testing.T) []testInput {
	t.Helper()
	photo := make([]byte, 50_000)
	_, err := rand.Read(photo)
	require.NoError(t, err)
	copy(photo, []byte{0xff, 0xd8, 0xff, 0xe0})
	return []testInput{
		{path: "empty.txt", content: []byte{}},
		{path: "docs/notes.md", content: bytes.Repeat([]byte("# notes\nsome repetitive prose\n"), 40)},
		{path: "photo.jpg", content: photo},
	}
}

// writeInputs materializes inputs under dir and returns the FileInput list in
// the given order.
func writeInputs(t *testing.T, dir string, inputs []testInput) []FileInput {
	t.Helper()
	files := make([]FileInput, 0, len(inputs))
	for _, in := range inputs {
		src := filepath.Join(dir, "src", filepath.FromSlash(in.path))
		require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
		require.NoError(t, os.WriteFile(src, in.content, 0o644))
		files = append(files, FileInput{Path: in.path, SourcePath: src})
	}
	return files
}

// buildArchive creates an archive from the standard fixtures and returns its
// path plus the submitted inputs.
func buildArchive(t *testing.T, opts ...CreateOption) (string, []testInput) {
	t.Helper()
	dir := t.TempDir()
	inputs := testInputs(t)
	files := writeInputs(t, dir, inputs)
	archivePath := filepath.Join(dir, "test.darc")
	require.NoError(t, Create(context.Background(), archivePath, files, opts...))
	return archivePath, inputs
}

func TestCreateListExtractRoundTrip(t *testing.T) {
	t.Parallel()

	archivePath, inputs := buildArchive(t)

	a, err := Open(archivePath)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.ChecksumDiverged())
	assert.Equal(t, uint32(len(inputs)), a.TotalFiles())

	entries, err := a.List()
	require.NoError(t, err)
	require.Len(t, entries, len(inputs))

	// Index order equals submission order.
	for i, in := range inputs {
		assert.Equal(t, in.path, entries[i].Path)
		assert.Equal(t, uint64(len(in.content)), entries[i].UncompressedSize)
	}

	dest := filepath.Join(t.TempDir(), "out")
	report, err := a.Extract(dest)
	require.NoError(t, err)
	assert.Equal(t, len(inputs), report.Extracted)
	assert.False(t, report.Failed())

	for _, in := range inputs {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(in.path)))
		require.NoError(t, err)
		assert.Equal(t, in.content, got, "content mismatch for %q", in.path)
	}
}

func TestCreateAlgorithmSelection(t *testing.T) {
	t.Parallel()

	archivePath, _ := buildArchive(t)
	entries, err := List(archivePath)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	// Empty content is stored raw with a zero-length block.
	empty := byPath["empty.txt"]
	assert.Equal(t, AlgorithmNone, empty.Algorithm)
	assert.Zero(t, empty.UncompressedSize)
	assert.Zero(t, empty.CompressedSize)

	// Text compresses with brotli and actually shrinks.
	notes := byPath["docs/notes.md"]
	assert.Equal(t, AlgorithmBrotli, notes.Algorithm)
	assert.Less(t, notes.CompressedSize, notes.UncompressedSize)

	// Already-compressed content is stored raw, sizes equal.
	photo := byPath["photo.jpg"]
	assert.Equal(t, AlgorithmNone, photo.Algorithm)
	assert.Equal(t, photo.UncompressedSize, photo.CompressedSize)
}

func TestCreateDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputs := testInputs(t)
	files := writeInputs(t, dir, inputs)
	stamp := time.Unix(1_700_000_000, 0)

	pathA := filepath.Join(dir, "a.darc")
	pathB := filepath.Join(dir, "b.darc")
	require.NoError(t, Create(context.Background(), pathA, files, CreateWithTimestamp(stamp)))
	require.NoError(t, Create(context.Background(), pathB, files, CreateWithTimestamp(stamp)))

	a, err := os.ReadFile(pathA)
	require.NoError(t, err)
	b, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same inputs and timestamp must produce identical archives")
}

func TestCreateSerialMatchesParallel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeInputs(t, dir, testInputs(t))
	stamp := time.Unix(1_700_000_000, 0)

	serial := filepath.Join(dir, "serial.darc")
	parallel := filepath.Join(dir, "parallel.darc")
	require.NoError(t, Create(context.Background(), serial, files,
		CreateWithTimestamp(stamp), CreateWithWorkers(-1)))
	require.NoError(t, Create(context.Background(), parallel, files,
		CreateWithTimestamp(stamp), CreateWithWorkers(4)))

	a, err := os.ReadFile(serial)
	require.NoError(t, err)
	b, err := os.ReadFile(parallel)
	require.NoError(t, err)
	assert.Equal(t, a, b, "worker count must not change the output bytes")
}

func TestCreateEmptyArchive(t *testing.T) {
	t.Parallel()

	archivePath := filepath.Join(t.TempDir(), "empty.darc")
	require.NoError(t, Create(context.Background(), archivePath, nil))

	a, err := Open(archivePath)
	require.NoError(t, err)
	defer a.Close()

	assert.Zero(t, a.TotalFiles())
	entries, err := a.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	report, err := a.Validate(true)
	require.NoError(t, err)
	assert.True(t, report.Valid())
}

func TestCreateDuplicatePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeInputs(t, dir, []testInput{{path: "a.txt", content: []byte("x")}})
	files = append(files, files[0])

	err := Create(context.Background(), filepath.Join(dir, "dup.darc"), files)
	assert.ErrorIs(t, err, ErrPathConflict)
}

func TestCreateInvalidPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, bad := range []string{"../escape.txt", "/abs.txt", "a//b.txt", "."} {
		err := Create(context.Background(), filepath.Join(dir, "bad.darc"), []FileInput{{Path: bad}})
		var pathErr *fs.PathError
		assert.ErrorAs(t, err, &pathErr, "path %q must be rejected", bad)
	}
}

func TestCreateTooManyFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeInputs(t, dir, []testInput{
		{path: "a.txt", content: []byte("a")},
		{path: "b.txt", content: []byte("b")},
		{path: "c.txt", content: []byte("c")},
	})

	err := Create(context.Background(), filepath.Join(dir, "x.darc"), files, CreateWithMaxFiles(2))
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestCreateFileTooLarge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeInputs(t, dir, []testInput{{path: "big.bin", content: make([]byte, 2048)}})

	err := Create(context.Background(), filepath.Join(dir, "x.darc"), files, CreateWithMaxFileSize(1024))
	assert.ErrorIs(t, err, ErrSizeOverflow)
}

func TestCreateCancelledLeavesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeInputs(t, dir, testInputs(t))
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	archivePath := filepath.Join(outDir, "cancelled.darc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Create(ctx, archivePath, files)
	require.ErrorIs(t, err, context.Canceled)

	// Neither the archive nor any temp file survives a failed build.
	leftovers, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCreateMetadataRestored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	mtime := time.Unix(1_600_000_000, 0)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	archivePath := filepath.Join(dir, "meta.darc")
	files := []FileInput{{Path: "script.sh", SourcePath: src}}
	require.NoError(t, Create(context.Background(), archivePath, files))

	entries, err := List(archivePath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fs.FileMode(0o755), entries[0].Perm)
	assert.Equal(t, mtime.Unix(), entries[0].ModTime.Unix())

	dest := filepath.Join(dir, "out")
	_, err = Extract(archivePath, dest)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "script.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
	assert.Equal(t, mtime.Unix(), info.ModTime().Unix())
}

func TestClampOwner(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint8(0), clampOwner(0))
	assert.Equal(t, uint8(255), clampOwner(255))
	assert.Equal(t, uint8(255), clampOwner(256))
	assert.Equal(t, uint8(255), clampOwner(100_000))
}

// The index is decoded lazily, so concurrent readers must share one decode
// rather than racing on the cache.
func TestListConcurrent(t *testing.T) {
	t.Parallel()

	archivePath, inputs := buildArchive(t)
	a, err := Open(archivePath)
	require.NoError(t, err)
	defer a.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries, err := a.List()
			if err == nil && len(entries) != len(inputs) {
				err = fmt.Errorf("got %d entries, want %d", len(entries), len(inputs))
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

// An archive carrying an algorithm tag this codec does not know must stay
// listable; only operations that decompress the tagged entry fail, and they
// fail with ErrUnsupportedAlgorithm for exactly that entry.
func TestUnknownAlgorithmTag(t *testing.T) {
	t.Parallel()

	archivePath, inputs := buildArchive(t)
	setEntryAlgorithm(t, archivePath, "photo.jpg", 9)

	entries, err := List(archivePath)
	require.NoError(t, err)
	require.Len(t, entries, len(inputs))
	for _, e := range entries {
		if e.Path == "photo.jpg" {
			assert.Equal(t, Algorithm(9), e.Algorithm)
		}
	}

	dest := filepath.Join(t.TempDir(), "out")
	report, err := Extract(archivePath, dest)
	require.ErrorIs(t, err, ErrPartialExtraction)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "photo.jpg", report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0].Err, ErrUnsupportedAlgorithm)
	assert.Equal(t, len(inputs)-1, report.Extracted)
	_, err = os.Stat(filepath.Join(dest, "photo.jpg"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	vr, err := Validate(archivePath, true)
	require.NoError(t, err)
	assert.Empty(t, vr.Findings, "an unknown tag is not a structural defect")
	require.Len(t, vr.EntryFindings, 1)
	assert.Equal(t, "photo.jpg", vr.EntryFindings[0].Path)
	assert.ErrorIs(t, vr.EntryFindings[0].Err, ErrUnsupportedAlgorithm)
}

// setEntryAlgorithm rewrites the named entry's stored algorithm tag in the
// index, then re-patches both archive checksum copies so the structure stays
// consistent.
func setEntryAlgorithm(t *testing.T, archivePath, entryPath string, tag uint8) {
	t.Helper()

	f, err := os.OpenFile(archivePath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	var headerBuf [format.HeaderSize]byte
	_, err = f.ReadAt(headerBuf[:], 0)
	require.NoError(t, err)
	header, err := format.DecodeHeader(headerBuf[:])
	require.NoError(t, err)

	var countBuf [4]byte
	_, err = f.ReadAt(countBuf[:], int64(header.IndexSectionStart))
	require.NoError(t, err)
	count := binary.BigEndian.Uint32(countBuf[:])

	pos := int64(header.IndexSectionStart) + 4
	for range count {
		var prefix [8]byte
		_, err = f.ReadAt(prefix[:], pos)
		require.NoError(t, err)
		entryLen := int64(binary.BigEndian.Uint32(prefix[0:4]))
		pathLen := int64(binary.BigEndian.Uint32(prefix[4:8]))
		pathBuf := make([]byte, pathLen)
		_, err = f.ReadAt(pathBuf, pos+8)
		require.NoError(t, err)

		if string(pathBuf) == entryPath {
			// The tag byte sits after the path and the three u64 size
			// fields.
			_, err = f.WriteAt([]byte{tag}, pos+8+pathLen+24)
			require.NoError(t, err)

			info, err := f.Stat()
			require.NoError(t, err)
			sum, err := integrity.ArchiveChecksum(f, info.Size())
			require.NoError(t, err)
			require.NoError(t, integrity.Patch(f, info.Size(), sum))
			return
		}
		pos += 4 + entryLen
	}
	t.Fatalf("entry %q not found in index", entryPath)
}

func TestExtractSubset(t *testing.T) {
	t.Parallel()

	archivePath, _ := buildArchive(t)
	dest := filepath.Join(t.TempDir(), "out")

	report, err := Extract(archivePath, dest, ExtractWithPaths("docs/notes.md"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Extracted)

	_, err = os.Stat(filepath.Join(dest, "docs", "notes.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "photo.jpg"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestExtractConflictAndOverwrite(t *testing.T) {
	t.Parallel()

	archivePath, inputs := buildArchive(t)
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "photo.jpg"), []byte("old"), 0o644))

	// Default: the colliding entry fails, the rest extract.
	report, err := Extract(archivePath, dest)
	require.ErrorIs(t, err, ErrPartialExtraction)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "photo.jpg", report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0].Err, ErrPathConflict)
	assert.Equal(t, len(inputs)-1, report.Extracted)

	// Overwrite replaces the existing file.
	report, err = Extract(archivePath, dest, ExtractWithOverwrite(true))
	require.NoError(t, err)
	assert.Equal(t, len(inputs), report.Extracted)

	got, err := os.ReadFile(filepath.Join(dest, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, inputs[2].content, got)
}

func TestExtractVerifiesEntryChecksum(t *testing.T) {
	t.Parallel()

	archivePath, _ := buildArchive(t)
	corruptEntryData(t, archivePath, "photo.jpg")

	dest := filepath.Join(t.TempDir(), "out")
	report, err := Extract(archivePath, dest)
	require.ErrorIs(t, err, ErrPartialExtraction)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "photo.jpg", report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0].Err, ErrChecksumMismatch)

	// The failing entry left no file behind.
	_, err = os.Stat(filepath.Join(dest, "photo.jpg"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpenTruncated(t *testing.T) {
	t.Parallel()

	archivePath := filepath.Join(t.TempDir(), "short.darc")
	require.NoError(t, os.WriteFile(archivePath, make([]byte, 100), 0o644))

	_, err := Open(archivePath)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestOpenBadMagic(t *testing.T) {
	t.Parallel()

	archivePath, _ := buildArchive(t)
	flipByte(t, archivePath, 0)

	_, err := Open(archivePath)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenUnsupportedVersion(t *testing.T) {
	t.Parallel()

	archivePath, _ := buildArchive(t)
	flipByte(t, archivePath, 7)

	_, err := Open(archivePath)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDivergedChecksumHandling(t *testing.T) {
	t.Parallel()

	archivePath, inputs := buildArchive(t)

	// Flip one byte inside the end-record checksum copy.
	info, err := os.Stat(archivePath)
	require.NoError(t, err)
	flipByte(t, archivePath, info.Size()-format.EndRecordSize+format.EndChecksumOffset)

	a, err := Open(archivePath)
	require.NoError(t, err, "divergence must not fail Open")
	defer a.Close()
	assert.True(t, a.ChecksumDiverged())

	// Listing still works on a damaged archive.
	entries, err := a.List()
	require.NoError(t, err)
	assert.Len(t, entries, len(inputs))

	// Extraction refuses unless forced.
	dest := filepath.Join(t.TempDir(), "out")
	_, err = a.Extract(dest)
	assert.ErrorIs(t, err, ErrChecksumDiverged)

	report, err := a.Extract(dest, ExtractWithForce(true))
	require.NoError(t, err)
	assert.Equal(t, len(inputs), report.Extracted)
}

// flipByte inverts one byte of the file at the given offset.
func flipByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	var b [1]byte
	_, err = f.ReadAt(b[:], offset)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b[:], offset)
	require.NoError(t, err)
}

// corruptEntryData flips a byte inside the named entry's stored block, then
// re-patches both archive checksum copies so only the entry checksum detects
// the damage.
func corruptEntryData(t *testing.T, archivePath, entryPath string) {
	t.Helper()

	entries, err := List(archivePath)
	require.NoError(t, err)
	var target *Entry
	for i := range entries {
		if entries[i].Path == entryPath {
			target = &entries[i]
		}
	}
	require.NotNil(t, target)
	require.NotZero(t, target.CompressedSize)

	offset := int64(format.HeaderSize) + int64(target.DataOffset) + format.DataLengthPrefixSize
	flipByte(t, archivePath, offset)

	f, err := os.OpenFile(archivePath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	sum, err := integrity.ArchiveChecksum(f, info.Size())
	require.NoError(t, err)
	require.NoError(t, integrity.Patch(f, info.Size(), sum))
}

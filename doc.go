// Package darc builds, reads, and validates darc archives: single-file
// containers with per-file compression and BLAKE3 integrity checking.
//
// An archive is a fixed 512-byte header, a data section of length-prefixed
// compressed blocks, an index describing every entry, and a 64-byte end
// record. The compression algorithm is chosen per file, so text can take
// Brotli while already-compressed media is stored raw. Each entry carries a
// checksum of its uncompressed content, and the header and end record carry
// redundant copies of a whole-archive checksum.
//
// Create builds an archive from a set of input files, compressing in
// parallel while writing blocks in submission order, and renames the
// finished file into place atomically:
//
//	err := darc.Create(ctx, "site.darc", files)
//
// Open gives random access to an existing archive. Listing decodes only the
// index; Extract verifies every entry against its checksum as it is
// written; Validate checks structure and, optionally, every entry's
// content:
//
//	a, err := darc.Open("site.darc")
//	defer a.Close()
//	entries, err := a.List()
//	report, err := a.Extract(dest, darc.ExtractWithOverwrite(true))
package darc

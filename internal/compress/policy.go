package compress

import (
	"bytes"
	"path"
	"strings"
	"unicode/utf8"
)

// SniffLen is how many leading bytes of a file the builder hands to the
// selection policy.
const SniffLen = 512

// Selector picks the algorithm for a file from its archive path, its size,
// and a short prefix of its content. Selection is a tuning concern, not a
// correctness concern: any algorithm produces a valid archive, so callers
// may plug in their own policy.
type Selector func(filePath string, size int64, sniff []byte) Algorithm

// lzmaMinSize is the size above which the default policy prefers LZMA2 for
// generic binary content. Below it the xz container overhead and encode cost
// outweigh the ratio gain.
const lzmaMinSize = 8 << 20

// DefaultSelector returns the built-in policy:
//
//   - empty files and already-compressed formats (by extension, then by
//     content magic) are stored raw
//   - text and source files compress with brotli
//   - large generic binaries compress with LZMA2 for ratio
//   - everything else compresses with zstandard
func DefaultSelector() Selector {
	return func(filePath string, size int64, sniff []byte) Algorithm {
		if size == 0 {
			return None
		}
		ext := strings.ToLower(path.Ext(filePath))
		if _, ok := incompressibleExts[ext]; ok {
			return None
		}
		if looksCompressed(sniff) {
			return None
		}
		if _, ok := textExts[ext]; ok {
			return Brotli
		}
		if looksText(sniff) {
			return Brotli
		}
		if size >= lzmaMinSize {
			return LZMA
		}
		return Zstandard
	}
}

// incompressibleExts lists extensions of formats that are already entropy
// coded; recompressing them wastes CPU for no gain.
var incompressibleExts = map[string]struct{}{
	".7z":    {},
	".aac":   {},
	".avif":  {},
	".br":    {},
	".bz2":   {},
	".flac":  {},
	".gif":   {},
	".gz":    {},
	".heic":  {},
	".jpeg":  {},
	".jpg":   {},
	".mkv":   {},
	".mov":   {},
	".mp3":   {},
	".mp4":   {},
	".ogg":   {},
	".opus":  {},
	".png":   {},
	".rar":   {},
	".tgz":   {},
	".webm":  {},
	".webp":  {},
	".woff":  {},
	".woff2": {},
	".xz":    {},
	".zip":   {},
	".zst":   {},
}

// textExts lists extensions the policy treats as text without sniffing.
var textExts = map[string]struct{}{
	".c":    {},
	".cfg":  {},
	".cpp":  {},
	".css":  {},
	".csv":  {},
	".go":   {},
	".h":    {},
	".htm":  {},
	".html": {},
	".ini":  {},
	".js":   {},
	".json": {},
	".log":  {},
	".md":   {},
	".py":   {},
	".rs":   {},
	".sh":   {},
	".sql":  {},
	".toml": {},
	".ts":   {},
	".txt":  {},
	".xml":  {},
	".yaml": {},
	".yml":  {},
}

// compressedMagics are content signatures of already-compressed containers.
var compressedMagics = [][]byte{
	{0x1f, 0x8b},                   // gzip
	{0x28, 0xb5, 0x2f, 0xfd},       // zstd
	{0xfd, '7', 'z', 'X', 'Z'},     // xz
	{'7', 'z', 0xbc, 0xaf},         // 7z
	{'P', 'K', 0x03, 0x04},         // zip
	{'B', 'Z', 'h'},                // bzip2
	{0xff, 0xd8, 0xff},             // jpeg
	{0x89, 'P', 'N', 'G'},          // png
	{'G', 'I', 'F', '8'},           // gif
	{'R', 'I', 'F', 'F'},           // webp/wav/avi containers
	{0x00, 0x00, 0x00, 0x1c, 'f'},  // mp4 ftyp (common box size)
	{0x00, 0x00, 0x00, 0x18, 'f'},  // mp4 ftyp
	{'O', 'g', 'g', 'S'},           // ogg
	{'f', 'L', 'a', 'C'},           // flac
	{'R', 'a', 'r', '!'},           // rar
	{0x1a, 0x45, 0xdf, 0xa3},       // matroska/webm
	{'w', 'O', 'F', 'F'},           // woff
	{'w', 'O', 'F', '2'},           // woff2
	{0x04, 0x22, 0x4d, 0x18},       // lz4 frame
	{'%', 'P', 'D', 'F'},           // pdf (mostly deflate streams)
	{0x49, 0x44, 0x33},             // mp3 with ID3
}

// looksCompressed reports whether the sniffed prefix matches a known
// already-compressed container signature.
func looksCompressed(sniff []byte) bool {
	for _, magic := range compressedMagics {
		if bytes.HasPrefix(sniff, magic) {
			return true
		}
	}
	return false
}

// looksText reports whether the sniffed prefix is plausibly UTF-8 text: no
// NUL bytes and valid encoding over the sampled window.
func looksText(sniff []byte) bool {
	if len(sniff) == 0 {
		return false
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return false
	}
	// The window may end mid-rune; retry with up to 3 bytes trimmed off the
	// end before declaring the content binary.
	for i := 0; i < utf8.UTFMax && i < len(sniff); i++ {
		if utf8.Valid(sniff[:len(sniff)-i]) {
			return true
		}
	}
	return false
}

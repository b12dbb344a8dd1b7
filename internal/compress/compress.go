// Package compress dispatches per-file compression across the algorithms the
// container format supports: none, brotli, zstandard, and LZMA2 (xz).
//
// The one-byte algorithm tag stored in each index entry is a closed set; a
// tag this package does not recognize decodes to ErrUnsupportedAlgorithm so
// archives written by newer codecs fail cleanly instead of corrupting output.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Algorithm identifies the compression codec used for an entry.
type Algorithm uint8

// Known algorithm tags. The numeric values are part of the on-disk format.
const (
	None      Algorithm = 0
	Brotli    Algorithm = 1
	Zstandard Algorithm = 2
	LZMA      Algorithm = 3
)

// ErrUnsupportedAlgorithm is returned when an entry carries an algorithm tag
// this codec does not know.
var ErrUnsupportedAlgorithm = errors.New("darc: unsupported compression algorithm")

// String returns the human-readable name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Brotli:
		return "brotli"
	case Zstandard:
		return "zstd"
	case LZMA:
		return "lzma2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Decode maps a stored tag byte to an Algorithm, rejecting unknown tags.
func Decode(tag uint8) (Algorithm, error) {
	switch a := Algorithm(tag); a {
	case None, Brotli, Zstandard, LZMA:
		return a, nil
	default:
		return 0, fmt.Errorf("%w: tag %d", ErrUnsupportedAlgorithm, tag)
	}
}

// NewWriter returns a writer that compresses into w with the given algorithm.
// The caller must Close the returned writer to flush trailing frames.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case None:
		return nopWriteCloser{w}, nil
	case Brotli:
		return brotli.NewWriter(w), nil
	case Zstandard:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	case LZMA:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnsupportedAlgorithm, uint8(algo))
	}
}

// NewReader returns a reader that decompresses from r with the given
// algorithm. The caller must Close the returned reader to release decoder
// resources.
func NewReader(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case None:
		return io.NopCloser(r), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case Zstandard:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{dec}, nil
	case LZMA:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnsupportedAlgorithm, uint8(algo))
	}
}

// Compress returns data compressed with the given algorithm. For None the
// input is returned unchanged.
func Compress(data []byte, algo Algorithm) ([]byte, error) {
	if algo == None {
		return data, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)
	w, err := NewWriter(&buf, algo)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress returns data decompressed with the given algorithm. For None
// the input is returned unchanged.
func Decompress(data []byte, algo Algorithm) ([]byte, error) {
	if algo == None {
		return data, nil
	}
	r, err := NewReader(bytes.NewReader(data), algo)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstdReadCloser adapts zstd.Decoder's valueless Close to io.ReadCloser.
type zstdReadCloser struct{ dec *zstd.Decoder }

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return nil
}

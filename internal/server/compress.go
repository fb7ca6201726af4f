package server

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the stream encoding used towards a backend.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
)

// ParseCompression parses a compression name. An empty name means none.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd, CompressionSnappy:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported compression %q (want none, gzip, zstd or snappy)", s)
	}
}

// streamWriter is a compressor that can push buffered output to the wire
// after each batch.
type streamWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// newStreamWriter wraps w with the compressor for c, or returns nil for
// uncompressed transport.
func newStreamWriter(c Compression, w io.Writer) (streamWriter, error) {
	switch c {
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	case CompressionSnappy:
		return s2.NewWriter(w, s2.WriterSnappyCompat(), s2.WriterConcurrency(1)), nil
	default:
		return nil, nil
	}
}
